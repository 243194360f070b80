package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/observability"
	"github.com/clinicbase/clinicbase/internal/patient"
	"github.com/clinicbase/clinicbase/internal/recordstore"
	"github.com/clinicbase/clinicbase/internal/storage"
	"github.com/clinicbase/clinicbase/internal/summary"
)

// HealthReport is the result of a health check.
type HealthReport struct {
	Healthy   bool      `json:"healthy"`
	Issues    []string  `json:"issues"`
	CheckedAt time.Time `json:"checkedAt"`
}

// Err returns an IntegrityError describing the issues, or nil when healthy.
func (r HealthReport) Err() error {
	if r.Healthy {
		return nil
	}
	return &storeerrors.IntegrityError{Issues: append([]string(nil), r.Issues...)}
}

// RepairReport lists what a repair changed. It is empty when nothing was
// out of sync.
type RepairReport struct {
	RepairsApplied []string `json:"repairsApplied"`
}

// CheckHealth compares the record store, the persisted and in-memory
// summary index and the search index, and reports every drift. It never
// mutates state.
func (e *Engine) CheckHealth(ctx context.Context) (report HealthReport, err error) {
	defer func(start time.Time) { e.observe("check", start, err) }(time.Now())

	// Hold writeMu so a concurrent mutation cannot show up as transient drift.
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	storeIDs, err := e.records.ListIDs(ctx)
	if err != nil {
		return HealthReport{}, err
	}
	persisted, err := e.persistedSummaryIDs(ctx)
	if err != nil {
		return HealthReport{}, err
	}

	e.stateMu.RLock()
	memIDs := e.summary.IDs()
	issues := summary.Diff(storeIDs, memIDs)
	issues = append(issues, e.search.Verify(e.summary.All())...)
	e.stateMu.RUnlock()

	if persisted != nil {
		issues = append(issues, persistedDrift(persisted, memIDs)...)
	} else {
		issues = append(issues, "persisted summary index is missing")
	}

	report = HealthReport{Healthy: len(issues) == 0, Issues: issues, CheckedAt: e.now()}
	if report.Issues == nil {
		report.Issues = []string{}
	}
	if !report.Healthy {
		e.log.Warn("integrity drift detected", "issues", len(issues))
	}
	return report, nil
}

// persistedSummaryIDs returns the IDs in the summary blob, or nil when the
// blob is absent.
func (e *Engine) persistedSummaryIDs(ctx context.Context) ([]string, error) {
	item, err := e.kv.Get(ctx, SummaryKey)
	if err != nil {
		return nil, storeerrors.NewStorage("get summary index", SummaryKey, err)
	}
	if item == nil {
		return nil, nil
	}
	entries, err := summary.Decode(item.Value)
	if err != nil {
		return nil, err
	}
	ids := make([]string, len(entries))
	for i, en := range entries {
		ids[i] = en.ID
	}
	return ids, nil
}

func persistedDrift(persisted, mem []string) []string {
	inMem := make(map[string]bool, len(mem))
	for _, id := range mem {
		inMem[id] = true
	}
	onDisk := make(map[string]bool, len(persisted))
	for _, id := range persisted {
		onDisk[id] = true
	}
	var issues []string
	for _, id := range mem {
		if !onDisk[id] {
			issues = append(issues, fmt.Sprintf("summary entry %s not persisted", id))
		}
	}
	for _, id := range persisted {
		if !inMem[id] {
			issues = append(issues, fmt.Sprintf("persisted summary entry %s not loaded", id))
		}
	}
	sort.Strings(issues)
	return issues
}

// Repair discards the summary index and re-derives it from the record
// store, persists it and rebuilds the search index. Repairing a healthy
// store changes nothing and reports nothing; repairing twice yields the
// same state.
func (e *Engine) Repair(ctx context.Context) (report RepairReport, err error) {
	defer func(start time.Time) { e.observe("repair", start, err) }(time.Now())

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	recs, err := e.records.All(ctx)
	if err != nil {
		return RepairReport{}, err
	}
	persisted, err := e.persistedSummaryIDs(ctx)
	if err != nil {
		// An unreadable blob is exactly what repair rewrites.
		if !storeerrors.IsStorage(err) {
			return RepairReport{}, err
		}
		persisted = nil
	}
	now := e.now()

	e.stateMu.RLock()
	current := e.summary.Clone()
	searchIssues := e.search.Verify(current.All())
	e.stateMu.RUnlock()

	rebuilt := make([]patient.SummaryEntry, len(recs))
	storeIDs := make(map[string]bool, len(recs))
	applied := []string{}
	for i, rec := range recs {
		rebuilt[i] = summary.Build(rec, now)
		storeIDs[rec.ID] = true
		old, ok := current.Get(rec.ID)
		switch {
		case !ok:
			applied = append(applied, fmt.Sprintf("added summary entry for record %s", rec.ID))
		case summary.Stale(old, rec, now):
			applied = append(applied, fmt.Sprintf("refreshed stale summary entry %s", rec.ID))
		}
	}
	for _, id := range current.IDs() {
		if !storeIDs[id] {
			applied = append(applied, fmt.Sprintf("removed orphan summary entry %s", id))
		}
	}
	if persisted == nil || len(persistedDrift(persisted, current.IDs())) > 0 {
		applied = append(applied, "rewrote persisted summary index")
	}
	if len(searchIssues) > 0 {
		applied = append(applied, fmt.Sprintf("rebuilt search index (%d issues)", len(searchIssues)))
	}

	if err := e.commitReplace(ctx, nil, rebuilt, nil); err != nil {
		return RepairReport{}, err
	}
	e.metrics.Increment(observability.CounterRepairs)
	e.log.Info("repair complete", "records", len(recs), "repairs", len(applied))
	return RepairReport{RepairsApplied: applied}, nil
}

// ClearAll removes every record and empties both indexes. Backups and the
// store config are kept.
func (e *Engine) ClearAll(ctx context.Context) (err error) {
	defer func(start time.Time) { e.observe("clear", start, err) }(time.Now())

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.commitReplace(ctx, []storage.Op{storage.DeletePrefixOp(recordstore.Prefix)}, nil, nil); err != nil {
		return err
	}
	e.log.Info("store cleared")
	return nil
}
