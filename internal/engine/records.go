package engine

import (
	"context"
	"time"

	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/observability"
	"github.com/clinicbase/clinicbase/internal/patient"
	"github.com/clinicbase/clinicbase/internal/storage"
	"github.com/clinicbase/clinicbase/internal/summary"
)

// CreateRecord validates in, stores a new record and returns its ID.
func (e *Engine) CreateRecord(ctx context.Context, in patient.Input) (id string, err error) {
	defer func(start time.Time) { e.observe("create", start, err) }(time.Now())

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	now := e.now()
	rec := patient.New(in, now)
	op, err := e.records.PutOp(rec)
	if err != nil {
		return "", err
	}
	if err := e.commit(ctx, []storage.Op{op}, []patient.SummaryEntry{summary.Build(rec, now)}, nil); err != nil {
		return "", err
	}
	e.metrics.Increment(observability.CounterCreates)
	e.log.Info("record created", "id", rec.ID)
	return rec.ID, nil
}

// GetRecord returns the full record with id; a missing record is (nil, false, nil).
func (e *Engine) GetRecord(ctx context.Context, id string) (*patient.Record, bool, error) {
	return e.records.Get(ctx, id)
}

// UpdateRecord applies patch to the record with id and returns the stored
// result. ID and creation time never change.
func (e *Engine) UpdateRecord(ctx context.Context, id string, patch patient.Patch) (rec *patient.Record, err error) {
	defer func(start time.Time) { e.observe("update", start, err) }(time.Now())

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.update(ctx, id, func(cur *patient.Record, now time.Time) (*patient.Record, error) {
		return cur.Apply(patch, now), nil
	})
}

// AddVisit appends v to the record's visit history. An empty v.ID is
// assigned; the new visit is the last element of the returned record's
// Visits.
func (e *Engine) AddVisit(ctx context.Context, id string, v patient.Visit) (rec *patient.Record, err error) {
	defer func(start time.Time) { e.observe("add_visit", start, err) }(time.Now())

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.update(ctx, id, func(cur *patient.Record, now time.Time) (*patient.Record, error) {
		visits := append(cur.Clone().Visits, v)
		return cur.Apply(patient.Patch{Visits: &visits}, now), nil
	})
}

// RemoveVisit deletes one visit from the record's history.
func (e *Engine) RemoveVisit(ctx context.Context, id, visitID string) (rec *patient.Record, err error) {
	defer func(start time.Time) { e.observe("remove_visit", start, err) }(time.Now())

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	return e.update(ctx, id, func(cur *patient.Record, now time.Time) (*patient.Record, error) {
		if _, ok := cur.Visit(visitID); !ok {
			return nil, storeerrors.NewNotFound("visit", visitID)
		}
		visits := make([]patient.Visit, 0, len(cur.Visits)-1)
		for _, v := range cur.Visits {
			if v.ID != visitID {
				visits = append(visits, v)
			}
		}
		return cur.Apply(patient.Patch{Visits: &visits}, now), nil
	})
}

// update loads the record, derives its successor with fn and commits it.
// Caller holds writeMu.
func (e *Engine) update(ctx context.Context, id string, fn func(*patient.Record, time.Time) (*patient.Record, error)) (*patient.Record, error) {
	cur, ok, err := e.records.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, storeerrors.NewNotFound("record", id)
	}

	now := e.now()
	next, err := fn(cur, now)
	if err != nil {
		return nil, err
	}
	op, err := e.records.PutOp(next)
	if err != nil {
		return nil, err
	}
	if err := e.commit(ctx, []storage.Op{op}, []patient.SummaryEntry{summary.Build(next, now)}, nil); err != nil {
		return nil, err
	}
	e.metrics.Increment(observability.CounterUpdates)
	e.log.Info("record updated", "id", id)
	return next.Clone(), nil
}

// DeleteRecord removes the record with id and returns the ID.
func (e *Engine) DeleteRecord(ctx context.Context, id string) (_ string, err error) {
	defer func(start time.Time) { e.observe("delete", start, err) }(time.Now())

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	op, err := e.records.DeleteOp(ctx, id)
	if err != nil {
		return "", err
	}
	if err := e.commit(ctx, []storage.Op{op}, nil, []string{id}); err != nil {
		return "", err
	}
	e.metrics.Increment(observability.CounterDeletes)
	e.log.Info("record deleted", "id", id)
	return id, nil
}
