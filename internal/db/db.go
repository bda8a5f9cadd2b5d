package db

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/cache"
)

// Store is the persistence layer of the forecast service. One database holds
// the result cache, the raw usage history the Metrics Source aggregates, and
// the anomaly log.
type Store interface {
	cache.Store
	timeseries.Source
	timeseries.Recorder
	anomaly.LogStore

	// Close releases database resources.
	Close() error

	// Ping verifies the connection is alive.
	Ping(ctx context.Context) error
}

// Database types accepted by Open.
const (
	TypeSQLite   = "sqlite"
	TypePostgres = "postgres"
	TypeMemory   = "memory"
)

// Config selects and locates the database.
type Config struct {
	Type        string
	SQLitePath  string
	PostgresURL string
	Clock       func() time.Time
}

// Open returns the Store for cfg.Type.
func Open(ctx context.Context, cfg Config) (Store, error) {
	var opts []Option
	if cfg.Clock != nil {
		opts = append(opts, WithClock(cfg.Clock))
	}
	switch cfg.Type {
	case TypeSQLite, "":
		return NewSQLiteStore(cfg.SQLitePath, opts...)
	case TypePostgres:
		return NewPostgresStore(ctx, DefaultPoolConfig(cfg.PostgresURL), opts...)
	case TypeMemory:
		return NewMemoryStore(opts...), nil
	default:
		return nil, fmt.Errorf("unknown database type %q", cfg.Type)
	}
}

// Option configures a Store.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the clock that anchors usage windows.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// since is the inclusive lower bound of a rolling windowDays window.
func (o options) since(windowDays int) time.Time {
	return o.now().UTC().Add(-time.Duration(windowDays) * timeseries.Day)
}

// ─── Memory ───────────────────────────────────────────────────────────────────

// memoryStore composes the in-process cache, source and anomaly log.
type memoryStore struct {
	*cache.MemoryStore
	*timeseries.MemorySource

	mu      sync.RWMutex
	entries []anomaly.LogEntry
}

// NewMemoryStore returns a Store that keeps everything in process memory.
func NewMemoryStore(opts ...Option) Store {
	o := buildOptions(opts)
	return &memoryStore{
		MemoryStore:  cache.NewMemoryStore(),
		MemorySource: timeseries.NewMemorySource(timeseries.WithClock(o.now)),
	}
}

func (m *memoryStore) AppendAnomaly(ctx context.Context, entry *anomaly.LogEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, *entry)
	return nil
}

func (m *memoryStore) RecentAnomalies(ctx context.Context, limit int) ([]anomaly.LogEntry, error) {
	if limit <= 0 {
		return []anomaly.LogEntry{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]anomaly.LogEntry, 0, min(limit, len(m.entries)))
	for i := len(m.entries) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, m.entries[i])
	}
	return out, nil
}

func (m *memoryStore) Close() error                   { return nil }
func (m *memoryStore) Ping(ctx context.Context) error { return nil }
