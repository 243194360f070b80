// Package engine is the single owner of the patient store: the persisted
// record table, the summary index kept consistent with it, the substring
// search index, the query cache and the backup set. Nothing else mutates
// them.
//
// Every mutation runs in the same order: one storage batch carrying the
// record change and the rewritten summary blob, then the in-memory summary
// index, then the search index, then a full cache clear. A failed batch
// leaves all in-memory state untouched.
package engine

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/clinicbase/clinicbase/internal/backup"
	"github.com/clinicbase/clinicbase/internal/config"
	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/observability"
	"github.com/clinicbase/clinicbase/internal/patient"
	"github.com/clinicbase/clinicbase/internal/querycache"
	"github.com/clinicbase/clinicbase/internal/recordstore"
	"github.com/clinicbase/clinicbase/internal/search"
	"github.com/clinicbase/clinicbase/internal/storage"
	"github.com/clinicbase/clinicbase/internal/summary"
)

// Keys of the engine-owned blobs.
const (
	SummaryKey = "meta:summary_index"
	ConfigKey  = "meta:config"
)

// StoreVersion is the persisted layout version.
const StoreVersion = 1

// StoreConfig is the persisted engine configuration blob.
type StoreConfig struct {
	Version             int        `json:"version"`
	CreatedAt           time.Time  `json:"createdAt"`
	LastBackupTimestamp *time.Time `json:"lastBackupTimestamp,omitempty"`
}

// Options tune an Engine. Zero values select defaults.
type Options struct {
	CacheTTL        time.Duration
	CacheCapacity   int
	RecordCacheSize int64
	ScoringPolicy   search.Policy
	BackupKeep      int
	RecentWindow    time.Duration
	Mirror          backup.Mirror
	Logger          *observability.Logger
	Metrics         *observability.MetricsCollector
	Clock           func() time.Time
}

// OptionsFromConfig maps loaded configuration onto engine options.
func OptionsFromConfig(cfg *config.Config) (Options, error) {
	policy, err := search.ParsePolicy(cfg.Search.ScoringPolicy)
	if err != nil {
		return Options{}, err
	}
	return Options{
		CacheTTL:        cfg.Cache.TTL,
		CacheCapacity:   cfg.Cache.Capacity,
		RecordCacheSize: cfg.Cache.RecordCacheSize,
		ScoringPolicy:   policy,
		BackupKeep:      cfg.Backup.Keep,
		RecentWindow:    time.Duration(cfg.Stats.RecentDays) * 24 * time.Hour,
	}, nil
}

// Engine owns all store state. Safe for concurrent use.
type Engine struct {
	writeMu sync.Mutex   // one mutation at a time
	stateMu sync.RWMutex // in-memory indexes and the cache fill

	kv      storage.Store
	ownsKV  bool
	records *recordstore.Store
	summary *summary.Index
	search  *search.Index
	cache   *querycache.Cache[patient.SummaryEntry]
	flight  singleflight.Group
	backups *backup.Manager
	meta    StoreConfig

	policy       search.Policy
	keep         int
	recentWindow time.Duration

	log     *observability.Logger
	metrics *observability.MetricsCollector
	now     func() time.Time
}

// Open loads the store kept in kv, initializing it on first use. The caller
// keeps ownership of kv.
func Open(ctx context.Context, kv storage.Store, opts Options) (*Engine, error) {
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = observability.Discard()
	}
	if opts.Metrics == nil {
		opts.Metrics = observability.NewMetricsCollector(0)
	}
	if opts.BackupKeep <= 0 {
		opts.BackupKeep = backup.DefaultKeep
	}
	if opts.RecentWindow <= 0 {
		opts.RecentWindow = 30 * 24 * time.Hour
	}

	records, err := recordstore.New(kv, opts.RecordCacheSize, opts.Clock)
	if err != nil {
		return nil, err
	}
	bopts := []backup.Option{
		backup.WithLogger(opts.Logger.Named("backup")),
		backup.WithMetrics(opts.Metrics),
	}
	if opts.Mirror != nil {
		bopts = append(bopts, backup.WithMirror(opts.Mirror))
	}
	backups, err := backup.NewManager(kv, bopts...)
	if err != nil {
		records.Close()
		return nil, err
	}

	e := &Engine{
		kv:           kv,
		records:      records,
		summary:      summary.NewIndex(),
		search:       search.NewIndex(),
		cache:        querycache.New[patient.SummaryEntry](opts.CacheTTL, opts.CacheCapacity, querycache.WithClock(opts.Clock)),
		backups:      backups,
		policy:       opts.ScoringPolicy,
		keep:         opts.BackupKeep,
		recentWindow: opts.RecentWindow,
		log:          opts.Logger,
		metrics:      opts.Metrics,
		now:          opts.Clock,
	}
	if err := e.load(ctx); err != nil {
		e.Close()
		return nil, err
	}
	return e, nil
}

// OpenPath opens (creating if needed) the SQLite database at path. The
// engine closes the database on Close.
func OpenPath(ctx context.Context, path string, opts Options) (*Engine, error) {
	kv, err := storage.NewSQLiteStore(path)
	if err != nil {
		return nil, storeerrors.NewStorage("open store", path, err)
	}
	e, err := Open(ctx, kv, opts)
	if err != nil {
		kv.Close()
		return nil, err
	}
	e.ownsKV = true
	return e, nil
}

// Close releases caches and, for OpenPath engines, the database.
func (e *Engine) Close() error {
	e.records.Close()
	e.backups.Close()
	if e.ownsKV {
		return e.kv.Close()
	}
	return nil
}

// load reads the config and summary blobs and rebuilds the search index.
// Without a config blob the store is initialized: the summary is derived
// from whatever records exist and both blobs are written.
func (e *Engine) load(ctx context.Context) error {
	item, err := e.kv.Get(ctx, ConfigKey)
	if err != nil {
		return storeerrors.NewStorage("get config", ConfigKey, err)
	}
	if item == nil {
		return e.initialize(ctx)
	}
	if err := json.Unmarshal(item.Value, &e.meta); err != nil {
		return storeerrors.NewStorage("decode config", ConfigKey, err)
	}

	sumItem, err := e.kv.Get(ctx, SummaryKey)
	if err != nil {
		return storeerrors.NewStorage("get summary index", SummaryKey, err)
	}
	var entries []patient.SummaryEntry
	if sumItem == nil {
		e.log.Warn("summary index blob missing, starting empty; run a health check", "key", SummaryKey)
	} else if entries, err = summary.Decode(sumItem.Value); err != nil {
		return err
	}
	e.summary.Replace(entries)
	e.search.Rebuild(entries)
	e.log.Info("store opened", "records", len(entries), "version", e.meta.Version)
	return nil
}

func (e *Engine) initialize(ctx context.Context) error {
	now := e.now()
	recs, err := e.records.All(ctx)
	if err != nil {
		return err
	}
	entries := make([]patient.SummaryEntry, len(recs))
	for i, rec := range recs {
		entries[i] = summary.Build(rec, now)
	}
	e.meta = StoreConfig{Version: StoreVersion, CreatedAt: now}

	metaOp, err := e.metaOp(e.meta)
	if err != nil {
		return err
	}
	blob, err := summary.Encode(entries)
	if err != nil {
		return err
	}
	if err := e.kv.Apply(ctx, metaOp, summaryOp(blob)); err != nil {
		return storeerrors.NewStorage("initialize store", "", err)
	}
	e.summary.Replace(entries)
	e.search.Rebuild(entries)
	e.log.Info("store initialized", "records", len(entries))
	return nil
}

// Meta returns the persisted engine configuration.
func (e *Engine) Meta() StoreConfig {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	return e.meta
}

// Metrics returns the collector the engine reports to.
func (e *Engine) Metrics() *observability.MetricsCollector {
	return e.metrics
}

// CacheStats returns query cache counters.
func (e *Engine) CacheStats() querycache.Stats {
	return e.cache.Stats()
}

func (e *Engine) metaOp(m StoreConfig) (storage.Op, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return storage.Op{}, storeerrors.NewStorage("encode config", ConfigKey, err)
	}
	return storage.PutOp(storage.Item{Key: ConfigKey, Value: data}), nil
}

func summaryOp(blob []byte) storage.Op {
	return storage.PutOp(storage.Item{Key: SummaryKey, Value: blob})
}

// commit persists ops together with the summary blob that results from
// applying upserts and removes, then updates the in-memory indexes and
// clears the query cache.
func (e *Engine) commit(ctx context.Context, ops []storage.Op, upserts []patient.SummaryEntry, removes []string) error {
	e.stateMu.RLock()
	next := e.summary.Clone()
	e.stateMu.RUnlock()

	for _, id := range removes {
		next.Remove(id)
	}
	for _, entry := range upserts {
		next.Upsert(entry)
	}
	blob, err := next.Encode()
	if err != nil {
		return err
	}
	if err := e.kv.Apply(ctx, append(ops, summaryOp(blob))...); err != nil {
		return storeerrors.NewStorage("commit", "", err)
	}

	touched := make([]string, 0, len(upserts)+len(removes))
	e.stateMu.Lock()
	e.summary = next
	for _, id := range removes {
		e.search.RemoveOne(id)
		touched = append(touched, id)
	}
	for _, entry := range upserts {
		e.search.IndexOne(entry)
		touched = append(touched, entry.ID)
	}
	e.cache.Clear()
	e.stateMu.Unlock()

	e.records.Forget(touched...)
	return nil
}

// commitReplace persists ops with a summary blob holding exactly entries,
// then swaps in a fresh summary index and rebuilds the search index.
func (e *Engine) commitReplace(ctx context.Context, ops []storage.Op, entries []patient.SummaryEntry, meta *StoreConfig) error {
	next := summary.NewIndex()
	next.Replace(entries)
	blob, err := next.Encode()
	if err != nil {
		return err
	}
	ops = append(ops, summaryOp(blob))
	if meta != nil {
		op, err := e.metaOp(*meta)
		if err != nil {
			return err
		}
		ops = append(ops, op)
	}
	if err := e.kv.Apply(ctx, ops...); err != nil {
		return storeerrors.NewStorage("commit", "", err)
	}

	e.stateMu.Lock()
	e.summary = next
	e.search.Rebuild(next.All())
	if meta != nil {
		e.meta = *meta
	}
	e.cache.Clear()
	e.stateMu.Unlock()

	e.records.Purge()
	return nil
}

// observe reports an operation's latency and outcome.
func (e *Engine) observe(op string, start time.Time, err error) {
	elapsed := time.Since(start)
	e.metrics.Observe(op, elapsed, err)
	e.log.Operation(op, elapsed, err)
}
