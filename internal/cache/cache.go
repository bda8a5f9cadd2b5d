package cache

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Package cache provides the TTL-bounded result cache used by the analytics
// components.
//
// Responsibilities:
//   - Normalize arbitrary Go values into a JSON-representable tree
//   - Persist the encoded tree in a key-value Store with an absolute expiry
//   - Treat reads at or after the expiry as misses (lazy expiry, no sweeper)
//   - Degrade to miss / no-op when the Store fails, logging instead of failing
//
// Writes are upserts keyed by cache key. Two writers racing on one key both
// succeed and the later write wins; the Store's atomic upsert guarantees a row
// is never half-written.
//
// Stores:
//   - MemoryStore: in-process map, used by tests and the "memory" database type
//   - internal/db SQLite and Postgres stores: the result_cache table

// Entry is one stored cache row.
type Entry struct {
	Key       string
	Value     []byte
	ExpiresAt time.Time
}

// Store is the key-value collaborator behind ResultCache.
type Store interface {
	// Upsert writes value under key, replacing any previous row atomically.
	Upsert(ctx context.Context, key string, value []byte, expiresAt time.Time) error

	// Read returns the row for key or ErrNotFound. Expired rows may still be
	// returned; expiry is enforced by the caller.
	Read(ctx context.Context, key string) (*Entry, error)

	// Delete removes the row for key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// DeleteAll removes every row.
	DeleteAll(ctx context.Context) error
}

// ErrNotFound is returned by Store.Read when no row exists for the key.
var ErrNotFound = errors.New("cache entry not found")

// SerializationError reports a value the cache cannot represent as JSON.
type SerializationError struct {
	Path string
	Type string
}

func (e *SerializationError) Error() string {
	return fmt.Sprintf("cache: cannot serialize %s: unsupported type %s", e.Path, e.Type)
}
