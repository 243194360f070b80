// Package recordstore persists full patient records under "record:<id>" keys
// and keeps a bounded cache of decoded records in front of the medium.
//
// The store validates on write but knows nothing about the summary or search
// indexes; the engine composes record operations with index persistence in
// one storage batch.
package recordstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	storeerrors "github.com/clinicbase/clinicbase/internal/errors"
	"github.com/clinicbase/clinicbase/internal/patient"
	"github.com/clinicbase/clinicbase/internal/storage"
)

// Prefix is the key prefix of the record table.
const Prefix = "record:"

// DefaultCacheSize is the number of decoded records kept when none is configured.
const DefaultCacheSize = 1000

// Key returns the storage key of a record.
func Key(id string) string { return Prefix + id }

// Store is the record table.
type Store struct {
	kv  storage.Store
	now func() time.Time

	cacheMu sync.Mutex
	gen     uint64 // bumped by every invalidation
	cache   *ristretto.Cache[string, *patient.Record]
}

// New creates a record store over kv caching up to cacheSize decoded records.
func New(kv storage.Store, cacheSize int64, now func() time.Time) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	if now == nil {
		now = time.Now
	}
	cache, err := ristretto.NewCache(&ristretto.Config[string, *patient.Record]{
		NumCounters:        cacheSize * 10,
		MaxCost:            cacheSize,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("record cache: %w", err)
	}
	return &Store{kv: kv, now: now, cache: cache}, nil
}

// Encode validates rec and returns its storage representation.
func (s *Store) Encode(rec *patient.Record) ([]byte, error) {
	if err := patient.Validate(rec, s.now()); err != nil {
		return nil, err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, storeerrors.NewStorage("encode record", rec.ID, err)
	}
	return data, nil
}

// PutOp validates rec and returns the batch operation that writes it.
func (s *Store) PutOp(rec *patient.Record) (storage.Op, error) {
	data, err := s.Encode(rec)
	if err != nil {
		return storage.Op{}, err
	}
	return storage.PutOp(storage.Item{
		Key:       Key(rec.ID),
		Value:     data,
		CreatedAt: rec.CreatedAt,
	}), nil
}

// Put validates and stores rec, overwriting any record with the same ID.
// It returns the stored payload.
func (s *Store) Put(ctx context.Context, rec *patient.Record) (*patient.Record, error) {
	op, err := s.PutOp(rec)
	if err != nil {
		return nil, err
	}
	if err := s.kv.Apply(ctx, op); err != nil {
		return nil, storeerrors.NewStorage("put record", rec.ID, err)
	}
	s.Forget(rec.ID)
	return rec.Clone(), nil
}

// Get returns the record with id. A missing record is (nil, false, nil).
func (s *Store) Get(ctx context.Context, id string) (*patient.Record, bool, error) {
	if rec, ok := s.cache.Get(id); ok && rec != nil {
		return rec.Clone(), true, nil
	}

	s.cacheMu.Lock()
	gen := s.gen
	s.cacheMu.Unlock()

	item, err := s.kv.Get(ctx, Key(id))
	if err != nil {
		return nil, false, storeerrors.NewStorage("get record", id, err)
	}
	if item == nil {
		return nil, false, nil
	}
	rec, err := Decode(id, item.Value)
	if err != nil {
		return nil, false, err
	}

	s.cacheMu.Lock()
	if s.gen == gen {
		s.cache.Set(id, rec.Clone(), 1)
	}
	s.cacheMu.Unlock()
	return rec, true, nil
}

// Exists reports whether a record with id is stored.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if _, ok := s.cache.Get(id); ok {
		return true, nil
	}
	item, err := s.kv.Get(ctx, Key(id))
	if err != nil {
		return false, storeerrors.NewStorage("get record", id, err)
	}
	return item != nil, nil
}

// DeleteOp returns the batch operation removing id, or NotFoundError.
func (s *Store) DeleteOp(ctx context.Context, id string) (storage.Op, error) {
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return storage.Op{}, err
	}
	if !ok {
		return storage.Op{}, storeerrors.NewNotFound("record", id)
	}
	return storage.DeleteOp(Key(id)), nil
}

// Delete removes the record with id. It fails with NotFoundError if absent.
func (s *Store) Delete(ctx context.Context, id string) error {
	op, err := s.DeleteOp(ctx, id)
	if err != nil {
		return err
	}
	if err := s.kv.Apply(ctx, op); err != nil {
		return storeerrors.NewStorage("delete record", id, err)
	}
	s.Forget(id)
	return nil
}

// ListIDs returns every stored record ID in key order.
func (s *Store) ListIDs(ctx context.Context) ([]string, error) {
	keys, err := s.kv.List(ctx, Prefix, 0)
	if err != nil {
		return nil, storeerrors.NewStorage("list records", "", err)
	}
	ids := make([]string, len(keys))
	for i, k := range keys {
		ids[i] = strings.TrimPrefix(k, Prefix)
	}
	return ids, nil
}

// All decodes every stored record in key order.
func (s *Store) All(ctx context.Context) ([]*patient.Record, error) {
	items, err := s.kv.Scan(ctx, Prefix)
	if err != nil {
		return nil, storeerrors.NewStorage("scan records", "", err)
	}
	out := make([]*patient.Record, 0, len(items))
	for _, item := range items {
		rec, err := Decode(strings.TrimPrefix(item.Key, Prefix), item.Value)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// Forget drops cached copies of ids. Call it after every committed batch
// that touched them.
func (s *Store) Forget(ids ...string) {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gen++
	for _, id := range ids {
		s.cache.Del(id)
	}
}

// Purge drops every cached record.
func (s *Store) Purge() {
	s.cacheMu.Lock()
	defer s.cacheMu.Unlock()
	s.gen++
	s.cache.Clear()
}

// Close releases the cache. The underlying medium is owned by the caller.
func (s *Store) Close() {
	s.cache.Close()
}

// Decode parses a persisted record. Unknown fields, a missing ID or an ID
// that does not match the key are reported as a StorageError.
func Decode(id string, data []byte) (*patient.Record, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var rec patient.Record
	if err := dec.Decode(&rec); err != nil {
		return nil, storeerrors.NewStorage("decode record", id, err)
	}
	if rec.ID != id {
		return nil, storeerrors.NewStorage("decode record", id,
			fmt.Errorf("payload id %q does not match key", rec.ID))
	}
	if rec.Visits == nil {
		rec.Visits = []patient.Visit{}
	}
	return &rec, nil
}
