package anomaly

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
)

// Package anomaly flags unusual usage with classical statistics.
//
// Philosophy: Classical Statistics, NOT Machine Learning
//   - No training data, no learned state between calls
//   - Fully interpretable: every flag carries its mean, stddev and z-score
//   - Deterministic and order-preserving
//
// Detection Methods:
//
//   1. Z-Score (Detect / Score)
//      - z = (value - mean) / stddev over the whole window
//      - stddev is the sample standard deviation (n-1)
//      - z = 0 when stddev = 0; is_anomaly = |z| > threshold
//      - At least 7 daily points required
//
//   2. Above-Average Days (DetectAboveAverage)
//      - Days whose value exceeds mean × multiple, newest first
//
//   3. Hourly Bursts (DetectBursts)
//      - Per resource hourly series with a per-resource baseline
//      - > 3× mean CRITICAL, > 2× mean WARNING, else NORMAL
//
//   4. Yesterday Sentinel (CheckYesterday)
//      - Baseline: the last 30 full days, today excluded
//      - Alerts when yesterday > mean + 2·stddev and writes an anomaly log row
//
// Integration Points:
//   - Metrics Source: daily and hourly credits
//   - Anomaly Log: persisted sentinel alerts
//   - REST API / CLI: anomalies endpoints and commands

// Record is one scored daily point.
type Record struct {
	Timestamp      time.Time `json:"timestamp"`
	Value          float64   `json:"value"`
	BaselineMean   float64   `json:"baseline_mean"`
	BaselineStdDev float64   `json:"baseline_stddev"`
	ZScore         float64   `json:"z_score"`
	IsAnomaly      bool      `json:"is_anomaly"`
}

// Report is the result of a z-score scan.
type Report struct {
	Records      []Record `json:"records"`
	Mean         float64  `json:"mean"`
	StdDev       float64  `json:"stddev"`
	Threshold    float64  `json:"threshold"`
	Count        int      `json:"count"`
	AnomalyCount int      `json:"anomaly_count"`
	Success      bool     `json:"success"`
	Error        string   `json:"error,omitempty"`
}

// Anomalies returns the flagged records in their original order.
func (r *Report) Anomalies() []Record {
	out := []Record{}
	for _, rec := range r.Records {
		if rec.IsAnomaly {
			out = append(out, rec)
		}
	}
	return out
}

// AboveAverageDay is a day exceeding mean × multiple.
type AboveAverageDay struct {
	Timestamp   time.Time `json:"timestamp"`
	Value       float64   `json:"value"`
	Mean        float64   `json:"mean"`
	VariancePct float64   `json:"variance_pct"`
	ZScore      float64   `json:"z_score"`
}

// AboveAverageReport lists above-average days, newest first.
type AboveAverageReport struct {
	Days     []AboveAverageDay `json:"days"`
	Mean     float64           `json:"mean"`
	StdDev   float64           `json:"stddev"`
	Multiple float64           `json:"multiple"`
	Success  bool              `json:"success"`
	Error    string            `json:"error,omitempty"`
}

// Severity grades an hourly burst.
type Severity string

const (
	SeverityNormal   Severity = "NORMAL"
	SeverityWarning  Severity = "WARNING"
	SeverityCritical Severity = "CRITICAL"
)

// Burst is one (resource, hour) row graded against that resource's baseline.
type Burst struct {
	ResourceID string    `json:"resource_id"`
	Hour       time.Time `json:"hour"`
	Value      float64   `json:"value"`
	Mean       float64   `json:"mean"`
	StdDev     float64   `json:"stddev"`
	ZScore     float64   `json:"z_score"`
	Severity   Severity  `json:"severity"`
}

// BurstReport lists every (resource, hour) row, newest hour first.
type BurstReport struct {
	Bursts        []Burst `json:"bursts"`
	CriticalCount int     `json:"critical_count"`
	WarningCount  int     `json:"warning_count"`
	TotalHours    int     `json:"total_hours"`
	Success       bool    `json:"success"`
	Error         string  `json:"error,omitempty"`
}

// LogEntry is one persisted anomaly log row.
type LogEntry struct {
	ID        string         `json:"id"`
	EventTime time.Time      `json:"event_time"`
	Metric    string         `json:"metric"`
	Value     float64        `json:"value"`
	Threshold float64        `json:"threshold"`
	ZScore    float64        `json:"z_score"`
	Details   map[string]any `json:"details,omitempty"`
	IsAlerted bool           `json:"is_alerted"`
}

// SentinelResult is the outcome of a yesterday check.
type SentinelResult struct {
	Alerted   bool      `json:"alerted"`
	Message   string    `json:"message"`
	Date      time.Time `json:"date"`
	Value     float64   `json:"value"`
	Mean      float64   `json:"mean"`
	StdDev    float64   `json:"stddev"`
	Threshold float64   `json:"threshold"`
	ZScore    float64   `json:"z_score"`
	Entry     *LogEntry `json:"entry,omitempty"`
	Success   bool      `json:"success"`
	Error     string    `json:"error,omitempty"`
}

// AlertLog is a page of the anomaly log, newest first.
type AlertLog struct {
	Entries []LogEntry `json:"entries"`
	Success bool       `json:"success"`
	Error   string     `json:"error,omitempty"`
}

// Source is the slice of the Metrics Source the detector reads.
type Source interface {
	DailySeries(ctx context.Context, metric timeseries.Metric, windowDays int) ([]timeseries.Point, error)
	HourlySeries(ctx context.Context, metric timeseries.Metric, windowDays int) ([]timeseries.Point, error)
}

// LogStore persists sentinel alerts.
type LogStore interface {
	AppendAnomaly(ctx context.Context, entry *LogEntry) error
	RecentAnomalies(ctx context.Context, limit int) ([]LogEntry, error)
}
