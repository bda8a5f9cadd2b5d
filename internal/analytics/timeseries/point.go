package timeseries

import (
	"sort"
	"time"
)

// Package timeseries holds the data model shared by the analytics components and
// the Metrics Source contract they consume.
//
// The engine never talks to raw event storage. A Source returns rows that are
// already aggregated (sum per day, sum per hour, totals over a window) and the
// components only run arithmetic over them.
//
// Conventions:
//   - All timestamps are UTC.
//   - Daily points are stamped at 00:00 UTC of their calendar day.
//   - Hourly points are stamped at the top of the hour and carry the resource id
//     in Label.
//   - Windows are "the last N days" measured back from the Source's clock.

// Metric names the aggregated series a Source can return.
type Metric string

const (
	// MetricCredits is metered compute consumption (sum of credits_used).
	MetricCredits Metric = "credits"
	// MetricQueryCount is the number of queries started.
	MetricQueryCount Metric = "query_count"
)

// Day is one calendar day.
const Day = 24 * time.Hour

// Point is one aggregated observation.
type Point struct {
	Timestamp time.Time `json:"timestamp"`
	Value     float64   `json:"value"`
	Label     string    `json:"label,omitempty"`
}

// ResourceUsage is the per-pool usage summary used for capacity sizing.
type ResourceUsage struct {
	ResourceID     string  `json:"resource_id"`
	CurrentSize    string  `json:"current_size"`
	QueryCount     int64   `json:"query_count"`
	AvgQueueMs     float64 `json:"avg_queue_ms"`
	AvgExecutionMs float64 `json:"avg_execution_ms"`
}

// MeteringEvent is one raw metering row (credits consumed by a resource).
type MeteringEvent struct {
	StartTime   time.Time `json:"start_time" yaml:"start_time"`
	ResourceID  string    `json:"resource_id" yaml:"resource_id"`
	ServiceType string    `json:"service_type,omitempty" yaml:"service_type,omitempty"`
	CreditsUsed float64   `json:"credits_used" yaml:"credits_used"`
}

// QueryEvent is one raw query-history row.
type QueryEvent struct {
	QueryID      string    `json:"query_id,omitempty" yaml:"query_id,omitempty"`
	StartTime    time.Time `json:"start_time" yaml:"start_time"`
	ResourceID   string    `json:"resource_id" yaml:"resource_id"`
	ResourceSize string    `json:"resource_size" yaml:"resource_size"`
	QueuedMs     float64   `json:"queued_ms" yaml:"queued_ms"`
	ElapsedMs    float64   `json:"elapsed_ms" yaml:"elapsed_ms"`
}

// DefaultServiceType is the service type assumed for metering rows that omit it.
const DefaultServiceType = "WAREHOUSE_METERING"

// Normalize returns the points ordered by timestamp with duplicate timestamps
// summed into a single point. The input slice is not modified.
func Normalize(points []Point) []Point {
	if len(points) == 0 {
		return []Point{}
	}
	sorted := make([]Point, len(points))
	copy(sorted, points)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Timestamp.Before(sorted[j].Timestamp)
	})

	out := make([]Point, 0, len(sorted))
	for _, p := range sorted {
		n := len(out)
		if n > 0 && out[n-1].Timestamp.Equal(p.Timestamp) && out[n-1].Label == p.Label {
			out[n-1].Value += p.Value
			continue
		}
		out = append(out, p)
	}
	return out
}

// Values extracts the values of points in order.
func Values(points []Point) []float64 {
	vals := make([]float64, len(points))
	for i, p := range points {
		vals[i] = p.Value
	}
	return vals
}

// IsWeekend reports whether t falls on a Saturday or Sunday (UTC).
func IsWeekend(t time.Time) bool {
	switch t.UTC().Weekday() {
	case time.Saturday, time.Sunday:
		return true
	}
	return false
}

// TruncateDay returns midnight UTC of t's calendar day.
func TruncateDay(t time.Time) time.Time {
	u := t.UTC()
	return time.Date(u.Year(), u.Month(), u.Day(), 0, 0, 0, 0, time.UTC)
}
