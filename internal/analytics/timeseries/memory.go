package timeseries

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ringBuffer is a fixed-capacity circular buffer; the oldest entry is dropped
// once it is full.
type ringBuffer[T any] struct {
	data     []T
	head     int
	size     int
	capacity int
}

func newRingBuffer[T any](capacity int) *ringBuffer[T] {
	return &ringBuffer[T]{
		data:     make([]T, capacity),
		capacity: capacity,
	}
}

func (rb *ringBuffer[T]) push(v T) {
	idx := (rb.head + rb.size) % rb.capacity
	rb.data[idx] = v
	if rb.size < rb.capacity {
		rb.size++
	} else {
		rb.head = (rb.head + 1) % rb.capacity
	}
}

// each calls fn for every entry in insertion order.
func (rb *ringBuffer[T]) each(fn func(T)) {
	for i := 0; i < rb.size; i++ {
		fn(rb.data[(rb.head+i)%rb.capacity])
	}
}

// DefaultMemoryCapacity bounds each buffer of a MemorySource: 90 days of
// per-minute rows.
const DefaultMemoryCapacity = 90 * 24 * 60

// MemorySource is an in-process Source and Recorder. It keeps raw rows in
// bounded ring buffers and aggregates on read.
type MemorySource struct {
	mu       sync.RWMutex
	metering *ringBuffer[MeteringEvent]
	queries  *ringBuffer[QueryEvent]
	now      func() time.Time
}

// MemoryOption configures a MemorySource.
type MemoryOption func(*MemorySource)

// WithClock overrides the clock used to compute windows.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemorySource) { m.now = now }
}

// WithCapacity overrides the per-buffer capacity.
func WithCapacity(n int) MemoryOption {
	return func(m *MemorySource) {
		if n > 0 {
			m.metering = newRingBuffer[MeteringEvent](n)
			m.queries = newRingBuffer[QueryEvent](n)
		}
	}
}

// NewMemorySource creates an empty in-memory Metrics Source.
func NewMemorySource(opts ...MemoryOption) *MemorySource {
	m := &MemorySource{
		metering: newRingBuffer[MeteringEvent](DefaultMemoryCapacity),
		queries:  newRingBuffer[QueryEvent](DefaultMemoryCapacity),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RecordMetering appends metering rows.
func (m *MemorySource) RecordMetering(ctx context.Context, events []MeteringEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		if e.ServiceType == "" {
			e.ServiceType = DefaultServiceType
		}
		e.StartTime = e.StartTime.UTC()
		m.metering.push(e)
	}
	return nil
}

// RecordQueries appends query-history rows.
func (m *MemorySource) RecordQueries(ctx context.Context, events []QueryEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range events {
		e.StartTime = e.StartTime.UTC()
		m.queries.push(e)
	}
	return nil
}

func (m *MemorySource) since(windowDays int) time.Time {
	return m.now().UTC().Add(-time.Duration(windowDays) * Day)
}

// samples returns (timestamp, resource, value) triples for metric inside the window.
func (m *MemorySource) samples(metric Metric, windowDays int, fn func(t time.Time, resource string, v float64)) {
	since := m.since(windowDays)
	m.mu.RLock()
	defer m.mu.RUnlock()
	switch metric {
	case MetricQueryCount:
		m.queries.each(func(e QueryEvent) {
			if !e.StartTime.Before(since) {
				fn(e.StartTime, e.ResourceID, 1)
			}
		})
	default:
		m.metering.each(func(e MeteringEvent) {
			if e.ServiceType == DefaultServiceType && !e.StartTime.Before(since) {
				fn(e.StartTime, e.ResourceID, e.CreditsUsed)
			}
		})
	}
}

// DailySeries sums metric per UTC calendar day.
func (m *MemorySource) DailySeries(ctx context.Context, metric Metric, windowDays int) ([]Point, error) {
	var points []Point
	m.samples(metric, windowDays, func(t time.Time, _ string, v float64) {
		points = append(points, Point{Timestamp: TruncateDay(t), Value: v})
	})
	return Normalize(points), nil
}

// HourlySeries sums metric per resource and hour.
func (m *MemorySource) HourlySeries(ctx context.Context, metric Metric, windowDays int) ([]Point, error) {
	var points []Point
	m.samples(metric, windowDays, func(t time.Time, resource string, v float64) {
		points = append(points, Point{Timestamp: t.Truncate(time.Hour), Value: v, Label: resource})
	})
	sort.SliceStable(points, func(i, j int) bool { return points[i].Label < points[j].Label })
	return Normalize(points), nil
}

// ScalarTotal sums metric over the window.
func (m *MemorySource) ScalarTotal(ctx context.Context, metric Metric, windowDays int) (float64, error) {
	total, rows := 0.0, 0
	m.samples(metric, windowDays, func(_ time.Time, _ string, v float64) {
		total += v
		rows++
	})
	if rows == 0 {
		return 0, ErrNoData
	}
	return total, nil
}

// ResourceUsage groups query rows by (resource, size).
func (m *MemorySource) ResourceUsage(ctx context.Context, windowDays int) ([]ResourceUsage, error) {
	type acc struct {
		usage             ResourceUsage
		queueSum, execSum float64
	}
	since := m.since(windowDays)
	groups := map[[2]string]*acc{}
	var order [][2]string

	m.mu.RLock()
	m.queries.each(func(e QueryEvent) {
		if e.StartTime.Before(since) || e.ResourceID == "" {
			return
		}
		k := [2]string{e.ResourceID, e.ResourceSize}
		a, ok := groups[k]
		if !ok {
			a = &acc{usage: ResourceUsage{ResourceID: e.ResourceID, CurrentSize: e.ResourceSize}}
			groups[k] = a
			order = append(order, k)
		}
		a.usage.QueryCount++
		a.queueSum += e.QueuedMs
		a.execSum += e.ElapsedMs
	})
	m.mu.RUnlock()

	out := make([]ResourceUsage, 0, len(order))
	for _, k := range order {
		a := groups[k]
		n := float64(a.usage.QueryCount)
		a.usage.AvgQueueMs = a.queueSum / n
		a.usage.AvgExecutionMs = a.execSum / n
		out = append(out, a.usage)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].QueryCount > out[j].QueryCount })
	return out, nil
}
