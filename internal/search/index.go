// Package search implements the substring (n-gram) index over summary
// entries and the relevance ranking applied to its results.
//
// Record IDs are mapped to dense uint32 ordinals so each token bucket can be
// a roaring bitmap. Ordinals of removed records are recycled.
package search

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/RoaringBitmap/roaring/v2"

	"github.com/clinicbase/clinicbase/internal/patient"
)

// MinTokenLength is the shortest indexed substring.
const MinTokenLength = 2

// Index maps lowercase substrings to the records containing them.
type Index struct {
	mu      sync.RWMutex
	buckets map[string]*roaring.Bitmap
	ords    map[string]uint32 // record ID -> ordinal
	ids     []string          // ordinal -> record ID ("" when free)
	free    []uint32
	tokens  map[uint32][]string // ordinal -> tokens it was indexed under
}

// NewIndex creates an empty search index.
func NewIndex() *Index {
	return &Index{
		buckets: make(map[string]*roaring.Bitmap),
		ords:    make(map[string]uint32),
		tokens:  make(map[uint32][]string),
	}
}

// Fields returns the indexed text fields of e.
func Fields(e patient.SummaryEntry) []string {
	return []string{e.FirstName, e.LastName, e.FullName, e.Residence, e.Gender}
}

// Tokens returns the distinct lowercase substrings (length >= 2) of every
// indexed field of e, sorted.
func Tokens(e patient.SummaryEntry) []string {
	set := make(map[string]struct{})
	for _, f := range Fields(e) {
		addSubstrings(set, strings.ToLower(f))
	}
	out := make([]string, 0, len(set))
	for tok := range set {
		out = append(out, tok)
	}
	sort.Strings(out)
	return out
}

func addSubstrings(set map[string]struct{}, s string) {
	runes := []rune(s)
	for i := 0; i < len(runes); i++ {
		for j := i + MinTokenLength; j <= len(runes); j++ {
			set[string(runes[i:j])] = struct{}{}
		}
	}
}

// IndexOne adds e under every token of its text fields. An entry that is
// already indexed is re-indexed from scratch.
func (x *Index) IndexOne(e patient.SummaryEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if ord, ok := x.ords[e.ID]; ok {
		x.unlink(ord)
	}
	ord := x.assign(e.ID)
	toks := Tokens(e)
	for _, tok := range toks {
		bm, ok := x.buckets[tok]
		if !ok {
			bm = roaring.New()
			x.buckets[tok] = bm
		}
		bm.Add(ord)
	}
	x.tokens[ord] = toks
}

// RemoveOne drops id from every bucket and deletes buckets left empty.
// Every bucket is visited so stray references left by drift are cleared too.
func (x *Index) RemoveOne(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()

	ord, ok := x.ords[id]
	if !ok {
		return
	}
	for tok, bm := range x.buckets {
		bm.Remove(ord)
		if bm.IsEmpty() {
			delete(x.buckets, tok)
		}
	}
	delete(x.tokens, ord)
	x.release(ord)
}

// unlink removes ord from the buckets it was indexed under. Caller holds mu.
func (x *Index) unlink(ord uint32) {
	for _, tok := range x.tokens[ord] {
		if bm, ok := x.buckets[tok]; ok {
			bm.Remove(ord)
			if bm.IsEmpty() {
				delete(x.buckets, tok)
			}
		}
	}
	delete(x.tokens, ord)
}

func (x *Index) assign(id string) uint32 {
	if ord, ok := x.ords[id]; ok {
		return ord
	}
	var ord uint32
	if n := len(x.free); n > 0 {
		ord = x.free[n-1]
		x.free = x.free[:n-1]
		x.ids[ord] = id
	} else {
		ord = uint32(len(x.ids))
		x.ids = append(x.ids, id)
	}
	x.ords[id] = ord
	return ord
}

func (x *Index) release(ord uint32) {
	delete(x.ords, x.ids[ord])
	x.ids[ord] = ""
	x.free = append(x.free, ord)
}

// Rebuild clears the index and indexes every entry.
func (x *Index) Rebuild(entries []patient.SummaryEntry) {
	x.mu.Lock()
	x.buckets = make(map[string]*roaring.Bitmap)
	x.ords = make(map[string]uint32)
	x.ids = nil
	x.free = nil
	x.tokens = make(map[uint32][]string)
	x.mu.Unlock()

	for _, e := range entries {
		x.IndexOne(e)
	}
}

// Query returns the sorted IDs of every record indexed under a token that
// contains term. The term is trimmed and lowercased; an empty term returns
// nil and callers treat it as match-all.
func (x *Index) Query(term string) []string {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return nil
	}

	x.mu.RLock()
	defer x.mu.RUnlock()

	hits := roaring.New()
	if bm, ok := x.buckets[term]; ok {
		hits.Or(bm)
	}
	for tok, bm := range x.buckets {
		if len(tok) > len(term) && strings.Contains(tok, term) {
			hits.Or(bm)
		}
	}

	out := make([]string, 0, hits.GetCardinality())
	it := hits.Iterator()
	for it.HasNext() {
		if id := x.ids[it.Next()]; id != "" {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

// Contains reports whether id is indexed.
func (x *Index) Contains(id string) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.ords[id]
	return ok
}

// Len returns the number of indexed records.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.ords)
}

// TokenCount returns the number of non-empty buckets.
func (x *Index) TokenCount() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.buckets)
}

// Verify checks the index against the summary entries it should mirror and
// describes every mismatch: entries not indexed, tokens missing for an entry,
// and indexed records or bucket references with no summary entry.
func (x *Index) Verify(entries []patient.SummaryEntry) []string {
	x.mu.RLock()
	defer x.mu.RUnlock()

	var issues []string
	want := make(map[string]bool, len(entries))
	for _, e := range entries {
		want[e.ID] = true
		ord, ok := x.ords[e.ID]
		if !ok {
			issues = append(issues, fmt.Sprintf("summary entry %s missing from search index", e.ID))
			continue
		}
		for _, tok := range Tokens(e) {
			bm, ok := x.buckets[tok]
			if !ok || !bm.Contains(ord) {
				issues = append(issues, fmt.Sprintf("search token %q missing for %s", tok, e.ID))
				break
			}
		}
	}

	var orphans []string
	for id := range x.ords {
		if !want[id] {
			orphans = append(orphans, id)
		}
	}
	sort.Strings(orphans)
	for _, id := range orphans {
		issues = append(issues, fmt.Sprintf("search index references %s with no summary entry", id))
	}

	dangling := roaring.New()
	for _, bm := range x.buckets {
		it := bm.Iterator()
		for it.HasNext() {
			ord := it.Next()
			if int(ord) >= len(x.ids) || x.ids[ord] == "" {
				dangling.Add(ord)
			}
		}
	}
	if !dangling.IsEmpty() {
		issues = append(issues, fmt.Sprintf("search index has %d dangling ordinal(s)", dangling.GetCardinality()))
	}
	return issues
}
