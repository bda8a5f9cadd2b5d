package timeseries

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSortsAndSumsDuplicates(t *testing.T) {
	d1 := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	d2 := d1.Add(Day)
	in := []Point{
		{Timestamp: d2, Value: 5},
		{Timestamp: d1, Value: 1},
		{Timestamp: d2, Value: 2},
	}

	out := Normalize(in)
	require.Len(t, out, 2)
	assert.Equal(t, d1, out[0].Timestamp)
	assert.Equal(t, 1.0, out[0].Value)
	assert.Equal(t, d2, out[1].Timestamp)
	assert.Equal(t, 7.0, out[1].Value)

	// input untouched
	assert.Equal(t, 5.0, in[0].Value)
}

func TestNormalizeEmpty(t *testing.T) {
	assert.Empty(t, Normalize(nil))
}

func TestIsWeekend(t *testing.T) {
	sat := time.Date(2026, 3, 7, 12, 0, 0, 0, time.UTC)
	assert.True(t, IsWeekend(sat))
	assert.True(t, IsWeekend(sat.Add(Day)))
	assert.False(t, IsWeekend(sat.Add(2*Day)))
}

func TestSampleStdDev(t *testing.T) {
	vals := []float64{2, 4, 4, 4, 5, 5, 7, 9}
	assert.InDelta(t, 5.0, Mean(vals), 1e-12)
	// population stddev is 2; sample is sqrt(32/7)
	assert.InDelta(t, math.Sqrt(32.0/7.0), SampleStdDev(vals), 1e-12)
	assert.Equal(t, 0.0, SampleStdDev([]float64{3}))
}

func TestLinearRegression(t *testing.T) {
	vals := []float64{1, 3, 5, 7, 9}
	slope, intercept := LinearRegression(vals)
	assert.InDelta(t, 2.0, slope, 1e-12)
	assert.InDelta(t, 1.0, intercept, 1e-12)

	slope, intercept = LinearRegression([]float64{4, 4, 4})
	assert.Equal(t, 0.0, slope)
	assert.InDelta(t, 4.0, intercept, 1e-12)
}

func TestZScoreZeroStdDev(t *testing.T) {
	assert.Equal(t, 0.0, ZScore(10, 10, 0))
	assert.InDelta(t, 2.0, ZScore(14, 10, 2), 1e-12)
}

func TestInsufficientDataMessage(t *testing.T) {
	err := CheckLength(6, MinHistoryPoints)
	var ide *InsufficientDataError
	require.True(t, errors.As(err, &ide))
	assert.Equal(t, "Insufficient historical data (need at least 7 days)", err.Error())
	assert.NoError(t, CheckLength(7, MinHistoryPoints))
}

func TestUnavailablePassesNoDataThrough(t *testing.T) {
	assert.Nil(t, Unavailable("metrics source", nil))
	assert.ErrorIs(t, Unavailable("metrics source", ErrNoData), ErrNoData)

	err := Unavailable("metrics source", errors.New("connection refused"))
	var ue *UnavailableError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, "metrics source", ue.Collaborator)
}

// ─── MemorySource ─────────────────────────────────────────────────────────────

func fixedClock() func() time.Time {
	now := time.Date(2026, 3, 15, 18, 0, 0, 0, time.UTC)
	return func() time.Time { return now }
}

func TestMemorySourceDailyAndTotal(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(WithClock(fixedClock()))

	day := time.Date(2026, 3, 10, 0, 0, 0, 0, time.UTC)
	require.NoError(t, src.RecordMetering(ctx, []MeteringEvent{
		{StartTime: day.Add(2 * time.Hour), ResourceID: "wh-a", CreditsUsed: 1.5},
		{StartTime: day.Add(5 * time.Hour), ResourceID: "wh-b", CreditsUsed: 2.5},
		{StartTime: day.Add(Day + time.Hour), ResourceID: "wh-a", CreditsUsed: 3},
		{StartTime: day.Add(-30 * Day), ResourceID: "wh-a", CreditsUsed: 100}, // outside window
		{StartTime: day, ResourceID: "wh-a", ServiceType: "SERVERLESS", CreditsUsed: 9},
	}))

	series, err := src.DailySeries(ctx, MetricCredits, 14)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, day, series[0].Timestamp)
	assert.InDelta(t, 4.0, series[0].Value, 1e-12)
	assert.InDelta(t, 3.0, series[1].Value, 1e-12)

	total, err := src.ScalarTotal(ctx, MetricCredits, 14)
	require.NoError(t, err)
	assert.InDelta(t, 7.0, total, 1e-12)

	_, err = src.ScalarTotal(ctx, MetricCredits, 1)
	assert.ErrorIs(t, err, ErrNoData)
}

func TestMemorySourceHourlyGroupsByResource(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(WithClock(fixedClock()))
	hour := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	require.NoError(t, src.RecordMetering(ctx, []MeteringEvent{
		{StartTime: hour.Add(10 * time.Minute), ResourceID: "wh-b", CreditsUsed: 1},
		{StartTime: hour.Add(20 * time.Minute), ResourceID: "wh-a", CreditsUsed: 2},
		{StartTime: hour.Add(40 * time.Minute), ResourceID: "wh-a", CreditsUsed: 3},
	}))

	series, err := src.HourlySeries(ctx, MetricCredits, 7)
	require.NoError(t, err)
	require.Len(t, series, 2)
	assert.Equal(t, "wh-a", series[0].Label)
	assert.InDelta(t, 5.0, series[0].Value, 1e-12)
	assert.Equal(t, "wh-b", series[1].Label)
}

func TestMemorySourceQueryMetrics(t *testing.T) {
	ctx := context.Background()
	src := NewMemorySource(WithClock(fixedClock()))
	base := time.Date(2026, 3, 12, 8, 0, 0, 0, time.UTC)

	var events []QueryEvent
	for i := 0; i < 3; i++ {
		events = append(events, QueryEvent{StartTime: base, ResourceID: "etl", ResourceSize: "LARGE", QueuedMs: 6000, ElapsedMs: 100})
	}
	events = append(events, QueryEvent{StartTime: base.Add(Day), ResourceID: "adhoc", ResourceSize: "SMALL", QueuedMs: 10, ElapsedMs: 50})
	require.NoError(t, src.RecordQueries(ctx, events))

	daily, err := src.DailySeries(ctx, MetricQueryCount, 7)
	require.NoError(t, err)
	require.Len(t, daily, 2)
	assert.Equal(t, 3.0, daily[0].Value)
	assert.Equal(t, 1.0, daily[1].Value)

	usage, err := src.ResourceUsage(ctx, 7)
	require.NoError(t, err)
	require.Len(t, usage, 2)
	assert.Equal(t, "etl", usage[0].ResourceID)
	assert.Equal(t, int64(3), usage[0].QueryCount)
	assert.InDelta(t, 6000.0, usage[0].AvgQueueMs, 1e-9)
	assert.Equal(t, "adhoc", usage[1].ResourceID)
}

func TestRingBufferDropsOldest(t *testing.T) {
	rb := newRingBuffer[int](3)
	for i := 1; i <= 5; i++ {
		rb.push(i)
	}
	var got []int
	rb.each(func(v int) { got = append(got, v) })
	assert.Equal(t, []int{3, 4, 5}, got)
}
