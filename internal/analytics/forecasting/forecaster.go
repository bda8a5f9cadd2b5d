package forecasting

import (
	"context"
	"time"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
)

// Package forecasting projects daily usage forward from a linear trend.
//
// Responsibilities:
//   - Fit an ordinary least-squares line over the daily history
//   - Detect a weekend dip and dampen projected weekend days when it is strong
//   - Project N future days, floored at zero
//   - Forecast daily query volume as integer counts
//   - Serve repeated requests from the ResultCache
//
// Model:
//
//   1. Trend
//      - Each historical row gets a zero-based index (row position, not date)
//      - value = slope*index + intercept, fitted over every row unadjusted
//      - Future index continues at len(history), future date at last date + 1 day
//
//   2. Weekend seasonality
//      - factor = mean(Sat/Sun rows) / mean(weekday rows) when both are > 0, else 1
//      - Applied only when factor < 0.85: weekends measurably quieter
//      - Applied after the floor at zero, only to Sat/Sun projected dates
//
// Failure results:
//   - Fewer than 7 rows: Success=false, "Insufficient historical data (need at least 7 days)"
//   - Metrics Source failure: Success=false with the collaborator error
//
// Integration Points:
//   - Metrics Source: daily credits and query counts
//   - ResultCache: forecast_daily_{h}_{f} and forecast_volume_{h}_{f}
//   - Budget Projector: historical mean as an optional burn estimate

// TrendDirection is the sign of the fitted slope.
type TrendDirection string

const (
	TrendIncreasing TrendDirection = "increasing"
	TrendDecreasing TrendDirection = "decreasing"
	TrendStable     TrendDirection = "stable"
)

// SeasonalityThreshold is the weekend factor below which weekend dampening is applied.
const SeasonalityThreshold = 0.85

// Result is a daily credit forecast.
type Result struct {
	Historical         []timeseries.Point `json:"historical"`
	Forecast           []timeseries.Point `json:"forecast"`
	TrendDirection     TrendDirection     `json:"trend_direction"`
	TrendSlope         float64            `json:"trend_slope"`
	TrendPctOfMean     float64            `json:"trend_pct_of_mean"`
	AvgDaily           float64            `json:"avg_daily"`
	SeasonalityApplied bool               `json:"seasonality_applied"`
	WeekendFactor      float64            `json:"weekend_factor"`
	TotalForecasted    float64            `json:"total_forecasted"`
	DaysForecasted     int                `json:"days_forecasted"`
	Success            bool               `json:"success"`
	Error              string             `json:"error,omitempty"`
}

// VolumePoint is one projected day of query volume.
type VolumePoint struct {
	Timestamp time.Time `json:"timestamp"`
	Queries   int64     `json:"queries"`
}

// VolumeResult is a daily query-volume forecast.
type VolumeResult struct {
	Historical      []timeseries.Point `json:"historical"`
	Forecast        []VolumePoint      `json:"forecast"`
	AvgDailyQueries float64            `json:"avg_daily_queries"`
	Trend           TrendDirection     `json:"trend"`
	Slope           float64            `json:"slope"`
	TotalForecasted int64              `json:"total_forecasted"`
	Success         bool               `json:"success"`
	Error           string             `json:"error,omitempty"`
}

// Source is the slice of the Metrics Source the forecaster reads.
type Source interface {
	DailySeries(ctx context.Context, metric timeseries.Metric, windowDays int) ([]timeseries.Point, error)
}

// Cache is the slice of the ResultCache the forecaster uses.
type Cache interface {
	GetInto(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration)
}

// Config holds forecaster tunables.
type Config struct {
	TTL time.Duration // cache lifetime of both daily and volume results
}

// DefaultConfig returns the standard forecaster configuration.
func DefaultConfig() Config {
	return Config{TTL: 60 * time.Minute}
}
