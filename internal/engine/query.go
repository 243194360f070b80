package engine

import (
	"context"
	"strconv"
	"strings"
	"time"

	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/observability"
	"github.com/clinicbase/clinicbase/internal/paginate"
	"github.com/clinicbase/clinicbase/internal/patient"
	"github.com/clinicbase/clinicbase/internal/search"
)

// AgeRange is an inclusive age filter.
type AgeRange struct {
	Min int `json:"min"`
	Max int `json:"max"`
}

// SearchOptions narrows and slices a search.
type SearchOptions struct {
	Gender    string    `json:"gender,omitempty"`    // exact, case-insensitive
	AgeRange  *AgeRange `json:"ageRange,omitempty"`  // inclusive
	Residence string    `json:"residence,omitempty"` // substring, case-insensitive
	Limit     int       `json:"limit,omitempty"`     // <= 0 means no limit
	Offset    int       `json:"offset,omitempty"`
}

func (o SearchOptions) validate() error {
	verr := &storeerrors.ValidationError{}
	if r := o.AgeRange; r != nil {
		if r.Min < 0 || r.Max < 0 {
			verr.Add("ageRange", "bounds must not be negative")
		} else if r.Min > r.Max {
			verr.Add("ageRange", "min %d is greater than max %d", r.Min, r.Max)
		}
	}
	if o.Offset < 0 {
		verr.Add("offset", "must not be negative")
	}
	return verr.OrNil()
}

// cacheKey canonicalizes (term, options) so equivalent searches share an entry.
func cacheKey(term string, o SearchOptions) string {
	var b strings.Builder
	b.WriteString("q=")
	b.WriteString(strings.ToLower(strings.TrimSpace(term)))
	b.WriteString("\x00g=")
	b.WriteString(strings.ToLower(strings.TrimSpace(o.Gender)))
	b.WriteString("\x00a=")
	if o.AgeRange != nil {
		b.WriteString(strconv.Itoa(o.AgeRange.Min))
		b.WriteByte('-')
		b.WriteString(strconv.Itoa(o.AgeRange.Max))
	}
	b.WriteString("\x00r=")
	b.WriteString(strings.ToLower(strings.TrimSpace(o.Residence)))
	b.WriteString("\x00l=")
	b.WriteString(strconv.Itoa(max(o.Limit, 0)))
	b.WriteString("\x00o=")
	b.WriteString(strconv.Itoa(o.Offset))
	return b.String()
}

// Search returns the summary entries matching term and opts. A non-empty
// term is ranked by relevance; an empty term matches everything and is
// ordered by last then first name. No match yields an empty, non-nil slice.
func (e *Engine) Search(ctx context.Context, term string, opts SearchOptions) (out []patient.SummaryEntry, err error) {
	defer func(start time.Time) {
		e.observe("search", start, err)
		e.metrics.Record(observability.MetricResults, float64(len(out)), nil)
	}(time.Now())

	if err := opts.validate(); err != nil {
		return nil, err
	}
	e.metrics.Increment(observability.CounterSearches)

	key := cacheKey(term, opts)
	if hit, ok := e.cache.Get(key); ok {
		e.metrics.Increment(observability.CounterCacheHits)
		e.log.Debug("search cache hit", "term", term)
		return hit, nil
	}

	v, err, _ := e.flight.Do(key, func() (any, error) {
		e.stateMu.RLock()
		defer e.stateMu.RUnlock()
		if hit, ok := e.cache.Get(key); ok {
			e.metrics.Increment(observability.CounterCacheHits)
			return hit, nil
		}
		e.metrics.Increment(observability.CounterCacheMisses)
		res := e.compute(term, opts)
		// Writers clear the cache under the write lock, so a fill made
		// here always reflects the current indexes.
		e.cache.Set(key, res)
		return res, nil
	})
	if err != nil {
		return nil, err
	}
	shared := v.([]patient.SummaryEntry)
	return append(make([]patient.SummaryEntry, 0, len(shared)), shared...), nil
}

// compute runs an uncached search. Caller holds stateMu.
func (e *Engine) compute(term string, opts SearchOptions) []patient.SummaryEntry {
	term = strings.TrimSpace(term)

	var candidates []patient.SummaryEntry
	if term == "" {
		candidates = e.summary.All()
	} else {
		candidates = e.summary.Resolve(e.search.Query(term))
	}

	filtered := candidates[:0]
	for _, c := range candidates {
		if matches(c, opts) {
			filtered = append(filtered, c)
		}
	}

	var ordered []patient.SummaryEntry
	if term == "" {
		search.SortByName(filtered)
		ordered = filtered
	} else {
		hits := search.Rank(filtered, term, e.policy)
		ordered = make([]patient.SummaryEntry, len(hits))
		for i, h := range hits {
			ordered[i] = h.Entry
		}
	}

	start := min(opts.Offset, len(ordered))
	end := len(ordered)
	if opts.Limit > 0 && opts.Limit < end-start {
		end = start + opts.Limit
	}
	return append(make([]patient.SummaryEntry, 0, end-start), ordered[start:end]...)
}

func matches(c patient.SummaryEntry, o SearchOptions) bool {
	if g := strings.TrimSpace(o.Gender); g != "" && !strings.EqualFold(c.Gender, g) {
		return false
	}
	if r := o.AgeRange; r != nil && (c.Age < r.Min || c.Age > r.Max) {
		return false
	}
	if res := strings.ToLower(strings.TrimSpace(o.Residence)); res != "" &&
		!strings.Contains(strings.ToLower(c.Residence), res) {
		return false
	}
	return true
}

// ListPage runs Search and returns one page of the result. Limit and
// Offset narrow the result set before it is paged.
func (e *Engine) ListPage(ctx context.Context, term string, opts SearchOptions, page, pageSize int) (paginate.Page[patient.SummaryEntry], error) {
	all, err := e.Search(ctx, term, opts)
	if err != nil {
		return paginate.Page[patient.SummaryEntry]{}, err
	}
	return paginate.Paginate(all, page, pageSize), nil
}
