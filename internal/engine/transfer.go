package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/patient"
	"github.com/clinicbase/clinicbase/internal/storage"
	"github.com/clinicbase/clinicbase/internal/summary"
)

// ExportVersion is the version written into export payloads.
const ExportVersion = 1

// Export is a portable set of full records.
type Export struct {
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exportedAt"`
	Records    []*patient.Record `json:"records"`
}

// ImportOptions controls ImportRecords.
type ImportOptions struct {
	// OverwriteExisting replaces stored records that share an ID with an
	// imported one. Otherwise those imports are skipped.
	OverwriteExisting bool `json:"overwriteExisting"`
}

// ImportResult reports what ImportRecords did.
type ImportResult struct {
	Imported    []string `json:"imported"`
	Overwritten []string `json:"overwritten"`
	Skipped     []string `json:"skipped"`
}

// ExportRecords returns the records with the given IDs, or every record
// when none are given. An unknown ID fails with NotFoundError.
func (e *Engine) ExportRecords(ctx context.Context, ids ...string) (out *Export, err error) {
	defer func(start time.Time) { e.observe("export", start, err) }(time.Now())

	out = &Export{Version: ExportVersion, ExportedAt: e.now()}
	if len(ids) == 0 {
		if out.Records, err = e.records.All(ctx); err != nil {
			return nil, err
		}
		return out, nil
	}
	out.Records = make([]*patient.Record, 0, len(ids))
	for _, id := range ids {
		rec, ok, err := e.records.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, storeerrors.NewNotFound("record", id)
		}
		out.Records = append(out.Records, rec)
	}
	return out, nil
}

// ParseExport decodes an export payload. A bare JSON array of records is
// accepted as well.
func ParseExport(payload []byte) (*Export, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 {
		return nil, storeerrors.NewValidation("payload", "is empty")
	}
	if trimmed[0] == '[' {
		var recs []*patient.Record
		if err := json.Unmarshal(trimmed, &recs); err != nil {
			return nil, storeerrors.NewValidation("payload", "malformed: %v", err)
		}
		return &Export{Version: ExportVersion, Records: recs}, nil
	}
	var ex Export
	if err := json.Unmarshal(trimmed, &ex); err != nil {
		return nil, storeerrors.NewValidation("payload", "malformed: %v", err)
	}
	if ex.Version != 0 && ex.Version != ExportVersion {
		return nil, storeerrors.NewValidation("version", "unsupported export version %d", ex.Version)
	}
	return &ex, nil
}

// ImportRecords stores the records of an export payload in one batch. Every
// record is validated first; any failure rejects the whole import. Records
// without an ID get a fresh one.
func (e *Engine) ImportRecords(ctx context.Context, payload []byte, opts ImportOptions) (res ImportResult, err error) {
	defer func(start time.Time) { e.observe("import", start, err) }(time.Now())

	ex, err := ParseExport(payload)
	if err != nil {
		return ImportResult{}, err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	now := e.now()
	res = ImportResult{Imported: []string{}, Overwritten: []string{}, Skipped: []string{}}
	verr := &storeerrors.ValidationError{}
	seen := make(map[string]bool, len(ex.Records))
	var (
		ops     []storage.Op
		upserts []patient.SummaryEntry
	)
	for i, in := range ex.Records {
		field := fmt.Sprintf("records[%d]", i)
		if in == nil {
			verr.Add(field, "is null")
			continue
		}
		rec := in.Clone()
		if strings.TrimSpace(rec.ID) == "" {
			rec.ID = uuid.NewString()
		}
		if seen[rec.ID] {
			verr.Add(field+".id", "duplicate id %s in payload", rec.ID)
			continue
		}
		seen[rec.ID] = true
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = now
		}
		if rec.UpdatedAt.IsZero() {
			rec.UpdatedAt = rec.CreatedAt
		}
		rec.Normalize(now)

		exists, err := e.records.Exists(ctx, rec.ID)
		if err != nil {
			return ImportResult{}, err
		}
		if exists && !opts.OverwriteExisting {
			res.Skipped = append(res.Skipped, rec.ID)
			continue
		}

		op, err := e.records.PutOp(rec)
		if err != nil {
			var fe *storeerrors.ValidationError
			if !errors.As(err, &fe) {
				return ImportResult{}, err
			}
			for _, f := range fe.Fields {
				verr.Add(field+"."+f.Field, "%s", f.Message)
			}
			continue
		}
		ops = append(ops, op)
		upserts = append(upserts, summary.Build(rec, now))
		if exists {
			res.Overwritten = append(res.Overwritten, rec.ID)
		} else {
			res.Imported = append(res.Imported, rec.ID)
		}
	}
	if err := verr.OrNil(); err != nil {
		return ImportResult{}, err
	}
	if len(ops) == 0 {
		return res, nil
	}
	if err := e.commit(ctx, ops, upserts, nil); err != nil {
		return ImportResult{}, err
	}
	e.log.Info("records imported",
		"imported", len(res.Imported), "overwritten", len(res.Overwritten), "skipped", len(res.Skipped))
	return res, nil
}
