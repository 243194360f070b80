package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/clinicbase/clinicbase/internal/backup"
	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/observability"
	"github.com/clinicbase/clinicbase/internal/recordstore"
	"github.com/clinicbase/clinicbase/internal/storage"
	"github.com/clinicbase/clinicbase/internal/summary"
)

// CreateBackup snapshots records, summary index and config under a new
// timestamped key, then rotates old backups away.
func (e *Engine) CreateBackup(ctx context.Context) (info backup.Info, err error) {
	defer func(start time.Time) { e.observe("backup", start, err) }(time.Now())

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	recs, err := e.records.All(ctx)
	if err != nil {
		return backup.Info{}, err
	}
	now := e.now()

	e.stateMu.RLock()
	entries := e.summary.All()
	meta := e.meta
	e.stateMu.RUnlock()

	// The bundled config describes the store as of the snapshot; the live
	// config additionally records that the snapshot was taken.
	cfgBlob, err := json.Marshal(meta)
	if err != nil {
		return backup.Info{}, storeerrors.NewStorage("encode config", ConfigKey, err)
	}
	pending, err := e.backups.Prepare(ctx, &backup.Snapshot{
		CreatedAt:    now,
		Records:      recs,
		SummaryIndex: entries,
		Config:       cfgBlob,
	})
	if err != nil {
		return backup.Info{}, err
	}

	meta.LastBackupTimestamp = &now
	metaOp, err := e.metaOp(meta)
	if err != nil {
		return backup.Info{}, err
	}
	if err := e.kv.Apply(ctx, pending.Op, metaOp); err != nil {
		return backup.Info{}, storeerrors.NewStorage("create backup", pending.Info.Key, err)
	}
	e.stateMu.Lock()
	e.meta = meta
	e.stateMu.Unlock()

	e.backups.Published(ctx, pending)
	if _, err := e.backups.Rotate(ctx, e.keep); err != nil {
		return pending.Info, err
	}
	return pending.Info, nil
}

// ListBackups returns every stored backup, newest first.
func (e *Engine) ListBackups(ctx context.Context) ([]backup.Info, error) {
	return e.backups.List(ctx)
}

// RestoreFromBackup replaces records, summary index and config with the
// contents of the backup under key. The in-memory indexes are reloaded from
// the restored summary index, not re-derived from records.
func (e *Engine) RestoreFromBackup(ctx context.Context, key string) (err error) {
	defer func(start time.Time) { e.observe("restore", start, err) }(time.Now())

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	snap, err := e.backups.Load(ctx, key)
	if err != nil {
		return err
	}
	key = backup.NormalizeKey(key)

	// Round-trip the entries through the decoder so a malformed snapshot
	// is rejected before anything is overwritten.
	blob, err := summary.Encode(snap.SummaryIndex)
	if err != nil {
		return err
	}
	entries, err := summary.Decode(blob)
	if err != nil {
		return storeerrors.NewStorage("restore backup", key, err)
	}

	ops := []storage.Op{storage.DeletePrefixOp(recordstore.Prefix)}
	for _, rec := range snap.Records {
		data, err := json.Marshal(rec)
		if err != nil {
			return storeerrors.NewStorage("restore backup", key, err)
		}
		ops = append(ops, storage.PutOp(storage.Item{
			Key:       recordstore.Key(rec.ID),
			Value:     data,
			CreatedAt: rec.CreatedAt,
		}))
	}

	e.stateMu.RLock()
	meta := e.meta
	e.stateMu.RUnlock()
	if len(snap.Config) > 0 {
		var restored StoreConfig
		if err := json.Unmarshal(snap.Config, &restored); err != nil {
			return storeerrors.NewStorage("restore backup", key, fmt.Errorf("config: %w", err))
		}
		// Keep the live backup timestamp: the restored store still has this
		// backup and any newer ones.
		restored.LastBackupTimestamp = meta.LastBackupTimestamp
		meta = restored
	}

	if err := e.commitReplace(ctx, ops, entries, &meta); err != nil {
		return err
	}
	e.metrics.Increment(observability.CounterRestores)
	e.log.Info("backup restored", "key", key, "records", len(snap.Records))
	return nil
}
