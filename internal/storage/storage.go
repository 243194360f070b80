// Package storage provides the persistent key-value medium underneath the
// patient store.
//
// The Store interface is the primary abstraction. SQLiteStore is the default
// implementation using pure-Go SQLite (modernc.org/sqlite). Logical tables
// (records, summary index, config, backups) live side by side in a single
// key space separated by key prefixes.
package storage

import (
	"context"
	"time"
)

// Item is a stored value with metadata.
type Item struct {
	Key       string            `json:"key"`
	Value     []byte            `json:"value"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// OpKind identifies a batch operation.
type OpKind int

const (
	OpPut OpKind = iota
	OpDelete
	OpDeletePrefix
)

// Op is one step of an atomic batch. For OpDeletePrefix, Item.Key holds the prefix.
type Op struct {
	Kind OpKind
	Item Item
}

// PutOp returns an upsert operation.
func PutOp(item Item) Op { return Op{Kind: OpPut, Item: item} }

// DeleteOp returns a single-key delete operation.
func DeleteOp(key string) Op { return Op{Kind: OpDelete, Item: Item{Key: key}} }

// DeletePrefixOp returns an operation removing every key with the given prefix.
func DeletePrefixOp(prefix string) Op { return Op{Kind: OpDeletePrefix, Item: Item{Key: prefix}} }

// Store is the persistent storage interface.
type Store interface {
	// Get retrieves an item by key. Returns nil if not found.
	Get(ctx context.Context, key string) (*Item, error)

	// Put stores an item (upsert).
	Put(ctx context.Context, item Item) error

	// Delete removes an item by key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Apply runs all ops in a single transaction; either all or none persist.
	Apply(ctx context.Context, ops ...Op) error

	// List returns keys matching a prefix in key order. limit <= 0 means no limit.
	List(ctx context.Context, prefix string, limit int) ([]string, error)

	// Scan returns full items matching a prefix in key order.
	Scan(ctx context.Context, prefix string) ([]Item, error)

	// Count returns the number of items matching a prefix ("" counts everything).
	Count(ctx context.Context, prefix string) (int, error)

	// Close shuts down the store.
	Close() error
}
