// Package querycache holds recent search results keyed by a canonical
// (term, options) key.
//
// Entries older than the TTL are treated as absent. When the cache grows past
// its capacity the oldest entries (by creation time) are evicted first.
// Writers clear the whole cache; there is no per-record invalidation.
package querycache

import (
	"sort"
	"sync"
	"time"
)

// Defaults used when a zero value is configured.
const (
	DefaultTTL      = 5 * time.Minute
	DefaultCapacity = 100
)

// Entry is a cached result snapshot.
type Entry[T any] struct {
	Key       string
	Results   []T
	CreatedAt time.Time
}

// Stats captures cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Expired   uint64 `json:"expired"`
	Clears    uint64 `json:"clears"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// HitRate returns the hit rate as a percentage (0-100).
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits*100) / float64(total)
}

// Cache is a TTL cache with oldest-first eviction. Safe for concurrent use.
type Cache[T any] struct {
	mu       sync.Mutex
	entries  map[string]*Entry[T]
	ttl      time.Duration
	capacity int
	now      func() time.Time
	stats    Stats
}

// Option configures a Cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New creates a cache. ttl <= 0 and capacity <= 0 fall back to defaults.
func New[T any](ttl time.Duration, capacity int, opts ...Option) *Cache[T] {
	o := options{now: time.Now}
	for _, fn := range opts {
		fn(&o)
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Cache[T]{
		entries:  make(map[string]*Entry[T]),
		ttl:      ttl,
		capacity: capacity,
		now:      o.now,
	}
}

// Get returns a copy of the live results cached under key.
func (c *Cache[T]) Get(key string) ([]T, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if c.expired(e) {
		delete(c.entries, key)
		c.stats.Expired++
		c.stats.Misses++
		return nil, false
	}
	c.stats.Hits++
	return append([]T(nil), e.Results...), true
}

// Set stores a copy of results under key, then evicts expired entries and,
// if still over capacity, the oldest ones.
func (c *Cache[T]) Set(key string, results []T) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &Entry[T]{
		Key:       key,
		Results:   append([]T(nil), results...),
		CreatedAt: c.now(),
	}
	c.evict()
}

func (c *Cache[T]) expired(e *Entry[T]) bool {
	return c.now().Sub(e.CreatedAt) > c.ttl
}

// evict drops expired entries and then the oldest live ones until the cache
// fits. Caller holds mu.
func (c *Cache[T]) evict() {
	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
			c.stats.Expired++
		}
	}
	over := len(c.entries) - c.capacity
	if over <= 0 {
		return
	}

	all := make([]*Entry[T], 0, len(c.entries))
	for _, e := range c.entries {
		all = append(all, e)
	}
	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.Before(all[j].CreatedAt)
		}
		return all[i].Key < all[j].Key
	})
	for _, e := range all[:over] {
		delete(c.entries, e.Key)
		c.stats.Evictions++
	}
}

// Clear removes every entry.
func (c *Cache[T]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*Entry[T])
	c.stats.Clears++
}

// Len returns the number of stored entries, expired ones included.
func (c *Cache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[T]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.entries)
	s.Capacity = c.capacity
	return s
}
