package observability

import (
	"sort"
	"sync"
	"time"
)

// MetricType categorizes what is being measured.
type MetricType string

const (
	MetricLatency MetricType = "latency_ms" // per operation, labelled with "op"
	MetricResults MetricType = "results"    // rows returned by a search or page
	MetricBackup  MetricType = "backup_bytes"
)

// Counter names maintained by the engine and the API.
const (
	CounterCreates      = "records_created"
	CounterUpdates      = "records_updated"
	CounterDeletes      = "records_deleted"
	CounterSearches     = "searches"
	CounterCacheHits    = "search_cache_hits"
	CounterCacheMisses  = "search_cache_misses"
	CounterBackups      = "backups_created"
	CounterRestores     = "backups_restored"
	CounterRepairs      = "repairs"
	CounterErrors       = "errors"
	CounterRequests     = "http_requests"
	CounterRateLimited  = "http_rate_limited"
	CounterMirrorFailed = "mirror_failures"
)

// Labels are key-value metadata on a metric.
type Labels map[string]string

// MetricPoint is a single recorded data point.
type MetricPoint struct {
	Type      MetricType `json:"type"`
	Value     float64    `json:"value"`
	Labels    Labels     `json:"labels,omitempty"`
	Timestamp time.Time  `json:"timestamp"`
}

// MetricsCollector keeps named counters and the most recent points in a
// fixed-size ring.
type MetricsCollector struct {
	mu       sync.RWMutex
	ring     []MetricPoint
	next     int // slot for the next point
	full     bool
	counters map[string]int64
	now      func() time.Time
}

// DefaultMetricsSize is the ring capacity used when none is given.
const DefaultMetricsSize = 4096

// NewMetricsCollector creates a collector remembering at most size points.
func NewMetricsCollector(size int) *MetricsCollector {
	if size <= 0 {
		size = DefaultMetricsSize
	}
	return &MetricsCollector{
		ring:     make([]MetricPoint, size),
		counters: make(map[string]int64),
		now:      time.Now,
	}
}

// Record adds a point, overwriting the oldest when the ring is full.
func (c *MetricsCollector) Record(mt MetricType, value float64, labels Labels) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ring[c.next] = MetricPoint{Type: mt, Value: value, Labels: labels, Timestamp: c.now()}
	c.next++
	if c.next == len(c.ring) {
		c.next = 0
		c.full = true
	}
}

// Observe records an operation latency and bumps CounterErrors on failure.
func (c *MetricsCollector) Observe(op string, elapsed time.Duration, err error) {
	c.Record(MetricLatency, float64(elapsed.Microseconds())/1000, Labels{"op": op})
	if err != nil {
		c.Increment(CounterErrors)
	}
}

// Increment increments a named counter.
func (c *MetricsCollector) Increment(name string) {
	c.IncrementBy(name, 1)
}

// IncrementBy increments a named counter by n.
func (c *MetricsCollector) IncrementBy(name string, n int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.counters[name] += n
}

// Counter returns the current value of a counter.
func (c *MetricsCollector) Counter(name string) int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.counters[name]
}

// points returns the ring contents oldest first. Callers hold mu.
func (c *MetricsCollector) points() []MetricPoint {
	if !c.full {
		return c.ring[:c.next]
	}
	out := make([]MetricPoint, 0, len(c.ring))
	out = append(out, c.ring[c.next:]...)
	return append(out, c.ring[:c.next]...)
}

// Query returns points of type mt recorded at or after since (all if zero),
// oldest first. A non-empty op restricts to points labelled with it.
func (c *MetricsCollector) Query(mt MetricType, op string, since time.Time) []MetricPoint {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var result []MetricPoint
	for _, p := range c.points() {
		if p.Type != mt {
			continue
		}
		if op != "" && p.Labels["op"] != op {
			continue
		}
		if !since.IsZero() && p.Timestamp.Before(since) {
			continue
		}
		result = append(result, p)
	}
	return result
}

// Summary holds aggregate statistics over a set of points.
type Summary struct {
	Count int     `json:"count"`
	Sum   float64 `json:"sum"`
	Mean  float64 `json:"mean"`
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	P50   float64 `json:"p50"`
	P95   float64 `json:"p95"`
	P99   float64 `json:"p99"`
}

// Summarize aggregates the points Query would return.
func (c *MetricsCollector) Summarize(mt MetricType, op string, since time.Time) Summary {
	points := c.Query(mt, op, since)
	if len(points) == 0 {
		return Summary{}
	}
	values := make([]float64, len(points))
	sum := 0.0
	for i, p := range points {
		values[i] = p.Value
		sum += p.Value
	}
	sort.Float64s(values)
	return Summary{
		Count: len(values),
		Sum:   sum,
		Mean:  sum / float64(len(values)),
		Min:   values[0],
		Max:   values[len(values)-1],
		P50:   percentile(values, 0.50),
		P95:   percentile(values, 0.95),
		P99:   percentile(values, 0.99),
	}
}

// Report is a point-in-time view served by the metrics endpoint.
type Report struct {
	Counters map[string]int64   `json:"counters"`
	Latency  map[string]Summary `json:"latency"`
}

// Report returns every counter and a latency summary per operation.
func (c *MetricsCollector) Report() Report {
	c.mu.RLock()
	ops := make(map[string]bool)
	for _, p := range c.points() {
		if p.Type == MetricLatency {
			ops[p.Labels["op"]] = true
		}
	}
	c.mu.RUnlock()

	r := Report{Counters: c.Snapshot(), Latency: make(map[string]Summary, len(ops))}
	for op := range ops {
		r.Latency[op] = c.Summarize(MetricLatency, op, time.Time{})
	}
	return r
}

// Len returns the number of retained points.
func (c *MetricsCollector) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.full {
		return len(c.ring)
	}
	return c.next
}

// Reset clears all points and counters.
func (c *MetricsCollector) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	clear(c.ring)
	c.next, c.full = 0, false
	c.counters = make(map[string]int64)
}

// Snapshot returns a copy of the counters.
func (c *MetricsCollector) Snapshot() map[string]int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap := make(map[string]int64, len(c.counters))
	for k, v := range c.counters {
		snap[k] = v
	}
	return snap
}

// percentile interpolates the p-th percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := p * float64(len(sorted)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(sorted) {
		return sorted[len(sorted)-1]
	}
	frac := idx - float64(lower)
	return sorted[lower]*(1-frac) + sorted[upper]*frac
}
