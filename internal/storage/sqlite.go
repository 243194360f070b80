package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	mu sync.RWMutex
	db *sql.DB
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
// Use ":memory:" for an in-memory database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// One writer; also keeps ":memory:" on a single shared connection.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	schema := `
	CREATE TABLE IF NOT EXISTS kv_store (
		key        TEXT PRIMARY KEY,
		value      BLOB NOT NULL,
		metadata   TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

// Get retrieves an item by key.
func (s *SQLiteStore) Get(ctx context.Context, key string) (*Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRowContext(ctx,
		"SELECT key, value, metadata, created_at, updated_at FROM kv_store WHERE key = ?",
		key,
	)
	item, err := scanItem(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %q: %w", key, err)
	}
	return item, nil
}

// Put stores or updates an item.
func (s *SQLiteStore) Put(ctx context.Context, item Item) error {
	return s.Apply(ctx, PutOp(item))
}

// Delete removes an item by key.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	return s.Apply(ctx, DeleteOp(key))
}

// Apply executes ops inside one transaction.
func (s *SQLiteStore) Apply(ctx context.Context, ops ...Op) error {
	if len(ops) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, op := range ops {
		switch op.Kind {
		case OpPut:
			if err := putTx(ctx, tx, op.Item, now); err != nil {
				return err
			}
		case OpDelete:
			if _, err := tx.ExecContext(ctx, "DELETE FROM kv_store WHERE key = ?", op.Item.Key); err != nil {
				return fmt.Errorf("delete %q: %w", op.Item.Key, err)
			}
		case OpDeletePrefix:
			where, args := prefixWhere(op.Item.Key)
			if _, err := tx.ExecContext(ctx, "DELETE FROM kv_store WHERE "+where, args...); err != nil {
				return fmt.Errorf("delete prefix %q: %w", op.Item.Key, err)
			}
		default:
			return fmt.Errorf("unknown op kind %d", op.Kind)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func putTx(ctx context.Context, tx *sql.Tx, item Item, now time.Time) error {
	createdAt := item.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}

	var metaJSON *string
	if len(item.Metadata) > 0 {
		data, err := json.Marshal(item.Metadata)
		if err != nil {
			return fmt.Errorf("encode metadata %q: %w", item.Key, err)
		}
		s := string(data)
		metaJSON = &s
	}

	value := item.Value
	if value == nil {
		value = []byte{}
	}

	// created_at is kept from the first insert.
	_, err := tx.ExecContext(ctx, `
		INSERT INTO kv_store (key, value, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at`,
		item.Key, value, metaJSON,
		createdAt.UTC().Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("put %q: %w", item.Key, err)
	}
	return nil
}

// List returns keys matching a prefix.
func (s *SQLiteStore) List(ctx context.Context, prefix string, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := prefixWhere(prefix)
	query := "SELECT key FROM kv_store WHERE " + where + " ORDER BY key"
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

// Scan returns items matching a prefix.
func (s *SQLiteStore) Scan(ctx context.Context, prefix string) ([]Item, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := prefixWhere(prefix)
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, metadata, created_at, updated_at FROM kv_store WHERE "+where+" ORDER BY key",
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("scan prefix %q: %w", prefix, err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Count returns the number of stored items under prefix.
func (s *SQLiteStore) Count(ctx context.Context, prefix string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	where, args := prefixWhere(prefix)
	var count int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM kv_store WHERE "+where, args...,
	).Scan(&count)
	return count, err
}

// Close shuts down the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanItem(r rowScanner) (*Item, error) {
	var item Item
	var metaJSON sql.NullString
	var createdAt, updatedAt string

	if err := r.Scan(&item.Key, &item.Value, &metaJSON, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	item.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	item.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if metaJSON.Valid && metaJSON.String != "" {
		if err := json.Unmarshal([]byte(metaJSON.String), &item.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata %q: %w", item.Key, err)
		}
	}
	return &item, nil
}

// prefixWhere returns the condition and args selecting every key that
// starts with prefix. Keys compare bytewise.
func prefixWhere(prefix string) (string, []any) {
	if hi, ok := prefixEnd(prefix); ok {
		return "key >= ? AND key < ?", []any{prefix, hi}
	}
	return "key >= ?", []any{prefix}
}

// prefixEnd returns the smallest string greater than every string with the
// given prefix. ok is false when there is none (empty or all-0xFF prefix).
func prefixEnd(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xFF {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}
