package cache

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestCache(t *testing.T) (*ResultCache, *MemoryStore, *clock) {
	t.Helper()
	clk := &clock{t: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	store := NewMemoryStore()
	return New(store, WithClock(clk.now)), store, clk
}

// ─── Normalizer ──────────────────────────────────────────────────────────────

type level string

type Base struct {
	Source string `json:"source"`
}

type sample struct {
	Base
	Name     string            `json:"name"`
	Count    int32             `json:"count"`
	Ratio    float32           `json:"ratio"`
	Level    level             `json:"level"`
	When     time.Time         `json:"when"`
	Optional *string           `json:"optional,omitempty"`
	Skipped  string            `json:"-"`
	Tags     map[string]uint16 `json:"tags"`
	hidden   int
}

func TestNormalizeStruct(t *testing.T) {
	when := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	got, err := Normalize(sample{
		Base:     Base{Source: "metering"},
		Name:     "daily",
		Count:    7,
		Ratio:    0.5,
		Level:    "HIGH",
		When:     when,
		Skipped:  "x",
		Tags:     map[string]uint16{"a": 1},
		hidden:   3,
	})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{
		"source": "metering",
		"name":   "daily",
		"count":  int64(7),
		"ratio":  float64(0.5),
		"level":  "HIGH",
		"when":   "2026-04-01T00:00:00Z",
		"tags":   map[string]any{"a": uint64(1)},
	}, got)
}

func TestNormalizeScalars(t *testing.T) {
	cases := []struct {
		name string
		in   any
		want any
	}{
		{"int8", int8(-3), int64(-3)},
		{"uint", uint(9), uint64(9)},
		{"float32", float32(1.5), float64(1.5)},
		{"decimal", decimal.RequireFromString("12.25"), 12.25},
		{"json int", json.Number("42"), int64(42)},
		{"json float", json.Number("4.2"), 4.2},
		{"bool", true, true},
		{"nil pointer", (*int)(nil), nil},
		{"array", [2]int{1, 2}, []any{int64(1), int64(2)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Normalize(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeRejectsUnsupported(t *testing.T) {
	cases := []struct {
		name string
		in   any
	}{
		{"chan", make(chan int)},
		{"func", func() {}},
		{"complex", complex(1, 2)},
		{"bytes", []byte("raw")},
		{"int keys", map[int]string{1: "a"}},
		{"nan", math.NaN()},
		{"inf nested", map[string]any{"x": []any{math.Inf(1)}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Normalize(tc.in)
			var se *SerializationError
			require.True(t, errors.As(err, &se), "got %v", err)
		})
	}
}

func TestNormalizeErrorPath(t *testing.T) {
	_, err := Normalize(map[string]any{"rows": []any{1, make(chan int)}})
	var se *SerializationError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "value.rows[1]", se.Path)
}

// ─── ResultCache ─────────────────────────────────────────────────────────────

func TestSetGetRoundTrip(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	day := time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC)

	c.Set(ctx, "k", map[string]any{
		"count":   12,
		"whole":   3.0,
		"ratio":   0.25,
		"ok":      true,
		"date":    day,
		"values":  []float64{1, 2.5},
		"missing": nil,
	}, time.Minute)

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	m := v.(map[string]any)
	assert.Equal(t, int64(12), m["count"])
	assert.Equal(t, 3.0, m["whole"])
	assert.Equal(t, 0.25, m["ratio"])
	assert.Equal(t, true, m["ok"])
	assert.Equal(t, []any{1.0, 2.5}, m["values"])
	assert.Nil(t, m["missing"])

	parsed, err := time.Parse(time.RFC3339Nano, m["date"].(string))
	require.NoError(t, err)
	assert.True(t, parsed.Equal(day))
}

func TestGetIntoRehydratesTimes(t *testing.T) {
	type row struct {
		Timestamp time.Time `json:"timestamp"`
		Value     float64   `json:"value"`
	}
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	in := []row{{Timestamp: time.Date(2026, 3, 30, 0, 0, 0, 0, time.UTC), Value: 4}}

	c.Set(ctx, "rows", in, time.Hour)

	var out []row
	require.True(t, c.GetInto(ctx, "rows", &out))
	require.Len(t, out, 1)
	assert.True(t, out[0].Timestamp.Equal(in[0].Timestamp))
	assert.Equal(t, 4.0, out[0].Value)
}

func TestExpiry(t *testing.T) {
	c, store, clk := newTestCache(t)
	ctx := context.Background()

	c.Set(ctx, "zero", 1, 0)
	_, ok := c.Get(ctx, "zero")
	assert.False(t, ok, "ttl 0 is expired at the write instant")
	assert.Equal(t, 1, store.Len(), "expired row is kept, expiry is lazy")

	c.Set(ctx, "minute", 1, time.Minute)
	clk.advance(59 * time.Second)
	_, ok = c.Get(ctx, "minute")
	assert.True(t, ok)

	clk.advance(time.Second)
	_, ok = c.Get(ctx, "minute")
	assert.False(t, ok, "read at the expiry instant is a miss")
}

func TestUpsertReplaces(t *testing.T) {
	c, _, _ := newTestCache(t)
	ctx := context.Background()
	c.Set(ctx, "k", "first", time.Minute)
	c.Set(ctx, "k", "second", time.Minute)

	v, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "second", v)
}

func TestClear(t *testing.T) {
	c, store, _ := newTestCache(t)
	ctx := context.Background()
	c.Set(ctx, "a", 1, time.Minute)
	c.Set(ctx, "b", 2, time.Minute)

	require.NoError(t, c.Clear(ctx, "a"))
	_, ok := c.Get(ctx, "a")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "b")
	assert.True(t, ok)

	require.NoError(t, c.Clear(ctx, ""))
	assert.Equal(t, 0, store.Len())
}

func TestSerializationErrorIsNoOp(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	store := NewMemoryStore()
	c := New(store, WithLogger(zap.New(core)))

	c.Set(context.Background(), "bad", map[string]any{"ch": make(chan int)}, time.Minute)

	assert.Equal(t, 0, store.Len())
	require.Equal(t, 1, logs.FilterMessage("Failed to serialize cache value").Len())
}

type failingStore struct{ err error }

func (f failingStore) Upsert(context.Context, string, []byte, time.Time) error { return f.err }
func (f failingStore) Read(context.Context, string) (*Entry, error)           { return nil, f.err }
func (f failingStore) Delete(context.Context, string) error                   { return f.err }
func (f failingStore) DeleteAll(context.Context) error                        { return f.err }

func TestStoreFailureDegrades(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	boom := errors.New("connection refused")
	c := New(failingStore{err: boom}, WithLogger(zap.New(core)))
	ctx := context.Background()

	c.Set(ctx, "k", 1, time.Minute)
	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	var dst map[string]any
	assert.False(t, c.GetInto(ctx, "k", &dst))

	assert.Equal(t, 1, logs.FilterMessage("Cache write failed").Len())
	assert.Equal(t, 2, logs.FilterMessage("Cache read failed").Len())

	err := c.Clear(ctx, "")
	assert.ErrorIs(t, err, boom)
}

func TestCorruptEntryIsMiss(t *testing.T) {
	c, store, clk := newTestCache(t)
	ctx := context.Background()
	require.NoError(t, store.Upsert(ctx, "k", []byte("{not json"), clk.now().Add(time.Hour)))

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)
}
