package anomaly

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/metrics"
)

const (
	// SentinelWindowDays is the number of full days the sentinel baseline covers.
	SentinelWindowDays = 30
	// SentinelSigma is the number of standard deviations above the mean that alerts.
	SentinelSigma = 2.0

	// MetricCost tags sentinel rows in the anomaly log.
	MetricCost = "COST"

	noAnomalies = "No anomalies found."
)

// CheckYesterday compares yesterday's credits with the mean and sample stddev
// of the last 30 full days (today excluded). When yesterday exceeds
// mean + 2·stddev an alert row is appended to the anomaly log.
func (d *Detector) CheckYesterday(ctx context.Context) *SentinelResult {
	today := timeseries.TruncateDay(d.now())
	yesterday := today.AddDate(0, 0, -1)
	from := today.AddDate(0, 0, -SentinelWindowDays)

	points, err := d.source.DailySeries(ctx, timeseries.MetricCredits, SentinelWindowDays+1)
	if err != nil && !errors.Is(err, timeseries.ErrNoData) {
		err = timeseries.Unavailable("metrics source", err)
		d.logger.Warn("Sentinel series unavailable", zap.Error(err))
		return &SentinelResult{Date: yesterday, Message: noAnomalies, Error: err.Error()}
	}

	var window []timeseries.Point
	for _, p := range timeseries.Normalize(points) {
		if !p.Timestamp.Before(from) && p.Timestamp.Before(today) {
			window = append(window, p)
		}
	}

	res := &SentinelResult{Date: yesterday, Message: noAnomalies, Success: true}
	if len(window) == 0 || !window[len(window)-1].Timestamp.Equal(yesterday) {
		return res
	}

	vals := timeseries.Values(window)
	res.Value = vals[len(vals)-1]
	res.Mean = timeseries.Mean(vals)
	res.StdDev = timeseries.SampleStdDev(vals)
	res.Threshold = res.Mean + SentinelSigma*res.StdDev
	res.ZScore = timeseries.ZScore(res.Value, res.Mean, res.StdDev)
	if res.Value <= res.Threshold {
		return res
	}

	res.Alerted = true
	res.Message = fmt.Sprintf("Cost Spike Detected: %.2f credits (Z-Score: %.2f)", res.Value, res.ZScore)
	metrics.AnomaliesFlagged.WithLabelValues("sentinel").Inc()

	entry := &LogEntry{
		ID:        uuid.NewString(),
		EventTime: d.now().UTC(),
		Metric:    MetricCost,
		Value:     res.Value,
		Threshold: res.Threshold,
		ZScore:    res.ZScore,
		Details: map[string]any{
			"msg":    "Cost detection",
			"date":   yesterday.Format("2006-01-02"),
			"mean":   res.Mean,
			"stddev": res.StdDev,
		},
		IsAlerted: true,
	}
	d.logger.Warn(res.Message, zap.String("date", yesterday.Format("2006-01-02")), zap.Float64("threshold", res.Threshold))

	if d.log != nil {
		if err := d.log.AppendAnomaly(ctx, entry); err != nil {
			err = timeseries.Unavailable("anomaly log", err)
			d.logger.Error("Failed to record anomaly", zap.String("id", entry.ID), zap.Error(err))
			res.Success = false
			res.Error = err.Error()
			return res
		}
	}
	res.Entry = entry
	return res
}

// DefaultAlertLimit is the page size used when RecentAlerts is asked for 0 rows.
const DefaultAlertLimit = 50

// RecentAlerts returns up to limit anomaly log rows, newest first.
func (d *Detector) RecentAlerts(ctx context.Context, limit int) *AlertLog {
	if limit <= 0 {
		limit = DefaultAlertLimit
	}
	if d.log == nil {
		return &AlertLog{Entries: []LogEntry{}, Success: true}
	}
	entries, err := d.log.RecentAnomalies(ctx, limit)
	if err != nil {
		err = timeseries.Unavailable("anomaly log", err)
		d.logger.Warn("Anomaly log unavailable", zap.Error(err))
		return &AlertLog{Entries: []LogEntry{}, Error: err.Error()}
	}
	if entries == nil {
		entries = []LogEntry{}
	}
	return &AlertLog{Entries: entries, Success: true}
}
