package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/metrics"
)

// ResultCache is a TTL-bounded key → JSON value cache over a Store.
//
// Get and Set never return errors: a failing Store or an unserializable value
// is logged and treated as a miss or a no-op write, so callers keep working
// uncached. Clear is the only operation that reports failures, because it is
// invoked explicitly by an operator.
type ResultCache struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a ResultCache.
type Option func(*ResultCache)

// WithLogger sets the logger; nil keeps the no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *ResultCache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithClock overrides the clock used to compute and check expiry.
func WithClock(now func() time.Time) Option {
	return func(c *ResultCache) { c.now = now }
}

// New creates a ResultCache backed by store.
func New(store Store, opts ...Option) *ResultCache {
	c := &ResultCache{
		store:  store,
		logger: zap.NewNop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the generic value stored under key. The second result is false
// when the key is absent, expired, or the store could not be read.
func (c *ResultCache) Get(ctx context.Context, key string) (any, bool) {
	data, ok := c.read(ctx, key)
	if !ok {
		return nil, false
	}
	v, err := decode(data)
	if err != nil {
		c.logger.Warn("Failed to decode cache entry", zap.String("key", key), zap.Error(err))
		metrics.CacheOperations.WithLabelValues("get", "error").Inc()
		return nil, false
	}
	metrics.CacheOperations.WithLabelValues("get", "hit").Inc()
	return v, true
}

// GetInto decodes the value stored under key into dst, which must be a
// pointer. RFC 3339 strings rehydrate into time.Time fields.
func (c *ResultCache) GetInto(ctx context.Context, key string, dst any) bool {
	data, ok := c.read(ctx, key)
	if !ok {
		return false
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.logger.Warn("Failed to rehydrate cache entry",
			zap.String("key", key),
			zap.String("type", fmt.Sprintf("%T", dst)),
			zap.Error(err))
		metrics.CacheOperations.WithLabelValues("get", "error").Inc()
		return false
	}
	metrics.CacheOperations.WithLabelValues("get", "hit").Inc()
	return true
}

func (c *ResultCache) read(ctx context.Context, key string) ([]byte, bool) {
	entry, err := c.store.Read(ctx, key)
	switch {
	case errors.Is(err, ErrNotFound):
		metrics.CacheOperations.WithLabelValues("get", "miss").Inc()
		return nil, false
	case err != nil:
		c.logger.Warn("Cache read failed", zap.String("key", key), zap.Error(err))
		metrics.CacheOperations.WithLabelValues("get", "error").Inc()
		return nil, false
	}
	if !entry.ExpiresAt.After(c.now()) {
		metrics.CacheOperations.WithLabelValues("get", "miss").Inc()
		return nil, false
	}
	return entry.Value, true
}

// Set stores value under key until now+ttl. A ttl of zero or less writes an
// entry that is already expired.
func (c *ResultCache) Set(ctx context.Context, key string, value any, ttl time.Duration) {
	data, err := encode(value)
	if err != nil {
		c.logger.Error("Failed to serialize cache value", zap.String("key", key), zap.Error(err))
		metrics.CacheOperations.WithLabelValues("set", "error").Inc()
		return
	}
	if err := c.store.Upsert(ctx, key, data, c.now().Add(ttl)); err != nil {
		c.logger.Warn("Cache write failed", zap.String("key", key), zap.Error(err))
		metrics.CacheOperations.WithLabelValues("set", "error").Inc()
		return
	}
	metrics.CacheOperations.WithLabelValues("set", "ok").Inc()
}

// Clear removes key, or every entry when key is empty.
func (c *ResultCache) Clear(ctx context.Context, key string) error {
	var err error
	if key == "" {
		err = c.store.DeleteAll(ctx)
	} else {
		err = c.store.Delete(ctx, key)
	}
	if err != nil {
		c.logger.Warn("Cache clear failed", zap.String("key", key), zap.Error(err))
		metrics.CacheOperations.WithLabelValues("clear", "error").Inc()
		return fmt.Errorf("clear cache: %w", err)
	}
	c.logger.Info("Cache cleared", zap.String("key", key))
	metrics.CacheOperations.WithLabelValues("clear", "ok").Inc()
	return nil
}
