// Package summary maintains the denormalized per-record projection used for
// listing, sorting and search resolution, and its persisted mirror.
//
// The Index is purely in-memory; callers persist Encode() output next to the
// record write so both land in the same storage batch.
package summary

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/patient"
)

// Build projects rec into a SummaryEntry. Age is recomputed from the birth
// date at now when one is set.
func Build(rec *patient.Record, now time.Time) patient.SummaryEntry {
	age := rec.Age
	if rec.DateOfBirth != "" {
		if a, err := patient.AgeAt(rec.DateOfBirth, now); err == nil {
			age = a
		}
	}
	return patient.SummaryEntry{
		ID:            rec.ID,
		FirstName:     rec.FirstName,
		LastName:      rec.LastName,
		FullName:      rec.FullName(),
		Age:           age,
		Gender:        rec.Gender,
		Residence:     rec.Residence,
		LastVisitDate: rec.LastVisitDate(),
		VisitCount:    len(rec.Visits),
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
	}
}

// Index is a thread-safe map from record ID to SummaryEntry.
type Index struct {
	mu      sync.RWMutex
	entries map[string]patient.SummaryEntry
}

// NewIndex creates an empty index.
func NewIndex() *Index {
	return &Index{entries: make(map[string]patient.SummaryEntry)}
}

// Upsert inserts or replaces the entry for e.ID.
func (x *Index) Upsert(e patient.SummaryEntry) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.entries[e.ID] = e
}

// Remove deletes the entry for id. It reports whether an entry existed.
func (x *Index) Remove(id string) bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	_, ok := x.entries[id]
	delete(x.entries, id)
	return ok
}

// Get returns the entry for id.
func (x *Index) Get(id string) (patient.SummaryEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.entries[id]
	return e, ok
}

// Has reports whether id is indexed.
func (x *Index) Has(id string) bool {
	_, ok := x.Get(id)
	return ok
}

// Len returns the number of entries.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.entries)
}

// All returns every entry sorted by ID.
func (x *Index) All() []patient.SummaryEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]patient.SummaryEntry, 0, len(x.entries))
	for _, e := range x.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IDs returns every indexed ID, sorted.
func (x *Index) IDs() []string {
	x.mu.RLock()
	defer x.mu.RUnlock()
	ids := make([]string, 0, len(x.entries))
	for id := range x.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Resolve looks up ids in order, skipping any that are not indexed.
func (x *Index) Resolve(ids []string) []patient.SummaryEntry {
	x.mu.RLock()
	defer x.mu.RUnlock()
	out := make([]patient.SummaryEntry, 0, len(ids))
	for _, id := range ids {
		if e, ok := x.entries[id]; ok {
			out = append(out, e)
		}
	}
	return out
}

// Replace discards the current contents and loads entries.
func (x *Index) Replace(entries []patient.SummaryEntry) {
	m := make(map[string]patient.SummaryEntry, len(entries))
	for _, e := range entries {
		m[e.ID] = e
	}
	x.mu.Lock()
	x.entries = m
	x.mu.Unlock()
}

// Clone returns an independent copy, used to stage a write before commit.
func (x *Index) Clone() *Index {
	x.mu.RLock()
	defer x.mu.RUnlock()
	m := make(map[string]patient.SummaryEntry, len(x.entries))
	for id, e := range x.entries {
		m[id] = e
	}
	return &Index{entries: m}
}

// Encode serializes the index as a JSON array sorted by ID.
func (x *Index) Encode() ([]byte, error) {
	return Encode(x.All())
}

// Encode serializes entries as a JSON array.
func Encode(entries []patient.SummaryEntry) ([]byte, error) {
	if entries == nil {
		entries = []patient.SummaryEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return nil, storeerrors.NewStorage("encode summary index", "", err)
	}
	return data, nil
}

// Decode parses a persisted summary array. Malformed JSON, entries without an
// ID and duplicate IDs are reported as a StorageError.
func Decode(data []byte) ([]patient.SummaryEntry, error) {
	var entries []patient.SummaryEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, storeerrors.NewStorage("decode summary index", "", err)
	}
	seen := make(map[string]bool, len(entries))
	for i, e := range entries {
		if strings.TrimSpace(e.ID) == "" {
			return nil, storeerrors.NewStorage("decode summary index", "",
				fmt.Errorf("entry %d has no id", i))
		}
		if seen[e.ID] {
			return nil, storeerrors.NewStorage("decode summary index", "",
				fmt.Errorf("duplicate entry %s", e.ID))
		}
		seen[e.ID] = true
	}
	return entries, nil
}

// Diff compares record store IDs with summary index IDs and describes every
// ID present on one side only. Both inputs may be unsorted.
func Diff(storeIDs, indexIDs []string) []string {
	inStore := make(map[string]bool, len(storeIDs))
	for _, id := range storeIDs {
		inStore[id] = true
	}
	inIndex := make(map[string]bool, len(indexIDs))
	for _, id := range indexIDs {
		inIndex[id] = true
	}

	var issues []string
	for _, id := range sortedKeys(inStore) {
		if !inIndex[id] {
			issues = append(issues, fmt.Sprintf("record %s missing from summary index", id))
		}
	}
	for _, id := range sortedKeys(inIndex) {
		if !inStore[id] {
			issues = append(issues, fmt.Sprintf("summary entry %s has no record", id))
		}
	}
	return issues
}

// Stale reports entries whose projection differs from the one rebuilt from
// the record (for example after an out-of-band record edit).
func Stale(entry patient.SummaryEntry, rec *patient.Record, now time.Time) bool {
	want := Build(rec, now)
	return want.FirstName != entry.FirstName ||
		want.LastName != entry.LastName ||
		want.Gender != entry.Gender ||
		want.Residence != entry.Residence ||
		want.LastVisitDate != entry.LastVisitDate ||
		want.VisitCount != entry.VisitCount
}

func sortedKeys(m map[string]bool) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
