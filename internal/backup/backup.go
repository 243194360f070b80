// Package backup stores point-in-time snapshots of the patient store as
// zstd-compressed JSON bundles under "backup:<timestamp>" keys, keeps the
// newest N and optionally mirrors them to an S3-compatible bucket.
package backup

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/klauspost/compress/zstd"

	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/observability"
	"github.com/clinicbase/clinicbase/internal/patient"
	"github.com/clinicbase/clinicbase/internal/storage"
)

// Prefix is the key prefix of the backup table.
const Prefix = "backup:"

// FormatVersion is written into every snapshot.
const FormatVersion = 1

// DefaultKeep is the number of snapshots rotation retains by default.
const DefaultKeep = 5

// Snapshot is the full content of one backup.
type Snapshot struct {
	Version      int                    `json:"version"`
	CreatedAt    time.Time              `json:"createdAt"`
	Records      []*patient.Record      `json:"records"`
	SummaryIndex []patient.SummaryEntry `json:"summaryIndex"`
	Config       json.RawMessage        `json:"config,omitempty"`
}

// Info describes a stored backup without decompressing it.
type Info struct {
	Key         string    `json:"key"`
	CreatedAt   time.Time `json:"createdAt"`
	RecordCount int       `json:"recordCount"`
	Size        int       `json:"size"`
}

const metaRecordCount = "record_count"

// Key returns the storage key for a snapshot taken at t. Zero padding keeps
// lexical and chronological order identical.
func Key(t time.Time) string {
	return fmt.Sprintf("%s%020d", Prefix, t.UnixNano())
}

// NormalizeKey accepts either a full key or its bare timestamp.
func NormalizeKey(key string) string {
	if strings.HasPrefix(key, Prefix) {
		return key
	}
	return Prefix + key
}

// Mirror receives copies of created backups and their rotation deletes.
type Mirror interface {
	Upload(ctx context.Context, name string, data []byte) error
	Remove(ctx context.Context, name string) error
}

// Manager creates, lists, loads and rotates backups.
type Manager struct {
	kv      storage.Store
	mirror  Mirror
	log     *observability.Logger
	metrics *observability.MetricsCollector

	enc *zstd.Encoder
	dec *zstd.Decoder
}

// Option configures a Manager.
type Option func(*Manager)

// WithMirror sends every created backup to m.
func WithMirror(m Mirror) Option {
	return func(mg *Manager) { mg.mirror = m }
}

// WithLogger sets the logger.
func WithLogger(l *observability.Logger) Option {
	return func(mg *Manager) { mg.log = l }
}

// WithMetrics sets the metrics collector.
func WithMetrics(c *observability.MetricsCollector) Option {
	return func(mg *Manager) { mg.metrics = c }
}

// NewManager creates a backup manager over kv.
func NewManager(kv storage.Store, opts ...Option) (*Manager, error) {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("zstd encoder: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		return nil, fmt.Errorf("zstd decoder: %w", err)
	}
	m := &Manager{kv: kv, enc: enc, dec: dec}
	for _, o := range opts {
		o(m)
	}
	if m.log == nil {
		m.log = observability.Discard()
	}
	return m, nil
}

// Close releases the codec resources.
func (m *Manager) Close() {
	m.enc.Close()
	m.dec.Close()
}

// Pending is a prepared backup that has not been committed yet.
type Pending struct {
	Op   storage.Op
	Info Info
	data []byte
}

// Prepare encodes snap and returns the storage operation that writes it, so
// callers can commit it together with other writes. The key is derived from
// snap.CreatedAt and moved forward while it collides with an existing backup.
func (m *Manager) Prepare(ctx context.Context, snap *Snapshot) (*Pending, error) {
	if snap.Version == 0 {
		snap.Version = FormatVersion
	}
	if snap.Records == nil {
		snap.Records = []*patient.Record{}
	}
	if snap.SummaryIndex == nil {
		snap.SummaryIndex = []patient.SummaryEntry{}
	}

	key, err := m.freeKey(ctx, snap.CreatedAt)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, storeerrors.NewStorage("encode backup", key, err)
	}
	data := m.enc.EncodeAll(raw, nil)

	return &Pending{
		Op: storage.PutOp(storage.Item{
			Key:       key,
			Value:     data,
			Metadata:  map[string]string{metaRecordCount: strconv.Itoa(len(snap.Records))},
			CreatedAt: snap.CreatedAt,
		}),
		Info: Info{
			Key:         key,
			CreatedAt:   snap.CreatedAt,
			RecordCount: len(snap.Records),
			Size:        len(data),
		},
		data: data,
	}, nil
}

func (m *Manager) freeKey(ctx context.Context, t time.Time) (string, error) {
	for {
		key := Key(t)
		item, err := m.kv.Get(ctx, key)
		if err != nil {
			return "", storeerrors.NewStorage("get backup", key, err)
		}
		if item == nil {
			return key, nil
		}
		t = t.Add(time.Nanosecond)
	}
}

// Published reports a committed backup: it is mirrored (failures are logged
// only) and counted.
func (m *Manager) Published(ctx context.Context, p *Pending) {
	m.log.Info("backup created", "key", p.Info.Key, "records", p.Info.RecordCount, "bytes", p.Info.Size)
	if m.metrics != nil {
		m.metrics.Increment(observability.CounterBackups)
		m.metrics.Record(observability.MetricBackup, float64(p.Info.Size), nil)
	}
	if m.mirror == nil {
		return
	}
	if err := m.mirror.Upload(ctx, p.Info.Key, p.data); err != nil {
		m.log.Warn("backup mirror upload failed", "key", p.Info.Key, "error", err)
		if m.metrics != nil {
			m.metrics.Increment(observability.CounterMirrorFailed)
		}
	}
}

// Create stores snap as a new backup.
func (m *Manager) Create(ctx context.Context, snap *Snapshot) (Info, error) {
	p, err := m.Prepare(ctx, snap)
	if err != nil {
		return Info{}, err
	}
	if err := m.kv.Apply(ctx, p.Op); err != nil {
		return Info{}, storeerrors.NewStorage("put backup", p.Info.Key, err)
	}
	m.Published(ctx, p)
	return p.Info, nil
}

// Rotate deletes all but the newest keep backups and returns the removed keys.
func (m *Manager) Rotate(ctx context.Context, keep int) ([]string, error) {
	if keep < 1 {
		keep = DefaultKeep
	}
	keys, err := m.kv.List(ctx, Prefix, 0)
	if err != nil {
		return nil, storeerrors.NewStorage("list backups", "", err)
	}
	if len(keys) <= keep {
		return nil, nil
	}
	sort.Strings(keys)
	stale := keys[:len(keys)-keep]

	ops := make([]storage.Op, len(stale))
	for i, k := range stale {
		ops[i] = storage.DeleteOp(k)
	}
	if err := m.kv.Apply(ctx, ops...); err != nil {
		return nil, storeerrors.NewStorage("rotate backups", "", err)
	}
	m.log.Info("backups rotated", "removed", len(stale), "kept", keep)

	if m.mirror != nil {
		for _, k := range stale {
			if err := m.mirror.Remove(ctx, k); err != nil {
				m.log.Warn("backup mirror remove failed", "key", k, "error", err)
				if m.metrics != nil {
					m.metrics.Increment(observability.CounterMirrorFailed)
				}
			}
		}
	}
	return stale, nil
}

// List returns every backup, newest first.
func (m *Manager) List(ctx context.Context) ([]Info, error) {
	items, err := m.kv.Scan(ctx, Prefix)
	if err != nil {
		return nil, storeerrors.NewStorage("list backups", "", err)
	}
	out := make([]Info, 0, len(items))
	for _, item := range items {
		info := Info{Key: item.Key, Size: len(item.Value), CreatedAt: item.CreatedAt}
		if ts, err := strconv.ParseInt(strings.TrimPrefix(item.Key, Prefix), 10, 64); err == nil {
			info.CreatedAt = time.Unix(0, ts).UTC()
		}
		if n, err := strconv.Atoi(item.Metadata[metaRecordCount]); err == nil {
			info.RecordCount = n
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key > out[j].Key })
	return out, nil
}

// Load decompresses and decodes the backup stored under key.
func (m *Manager) Load(ctx context.Context, key string) (*Snapshot, error) {
	key = NormalizeKey(key)
	item, err := m.kv.Get(ctx, key)
	if err != nil {
		return nil, storeerrors.NewStorage("get backup", key, err)
	}
	if item == nil {
		return nil, storeerrors.NewNotFound("backup", key)
	}
	raw, err := m.dec.DecodeAll(item.Value, nil)
	if err != nil {
		return nil, storeerrors.NewStorage("decompress backup", key, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, storeerrors.NewStorage("decode backup", key, err)
	}
	if snap.Version != FormatVersion {
		return nil, storeerrors.NewStorage("decode backup", key,
			fmt.Errorf("unsupported backup version %d", snap.Version))
	}
	for i, rec := range snap.Records {
		if rec == nil || rec.ID == "" {
			return nil, storeerrors.NewStorage("decode backup", key,
				fmt.Errorf("record %d has no id", i))
		}
		if rec.Visits == nil {
			rec.Visits = []patient.Visit{}
		}
	}
	if snap.Records == nil {
		snap.Records = []*patient.Record{}
	}
	if snap.SummaryIndex == nil {
		snap.SummaryIndex = []patient.SummaryEntry{}
	}
	return &snap, nil
}

// Delete removes the backup stored under key.
func (m *Manager) Delete(ctx context.Context, key string) error {
	key = NormalizeKey(key)
	item, err := m.kv.Get(ctx, key)
	if err != nil {
		return storeerrors.NewStorage("get backup", key, err)
	}
	if item == nil {
		return storeerrors.NewNotFound("backup", key)
	}
	if err := m.kv.Delete(ctx, key); err != nil {
		return storeerrors.NewStorage("delete backup", key, err)
	}
	if m.mirror != nil {
		if err := m.mirror.Remove(ctx, key); err != nil {
			m.log.Warn("backup mirror remove failed", "key", key, "error", err)
		}
	}
	return nil
}
