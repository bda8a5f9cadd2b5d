package forecasting

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/metrics"
)

// Forecaster serves cached daily credit and query-volume forecasts.
type Forecaster struct {
	source Source
	cache  Cache
	cfg    Config
	logger *zap.Logger
}

// New creates a Forecaster. cache may be nil to disable caching.
func New(source Source, cache Cache, cfg Config, logger *zap.Logger) *Forecaster {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	return &Forecaster{source: source, cache: cache, cfg: cfg, logger: logger}
}

// Forecast projects daily credits forecastDays ahead from historyDays of history.
// Expected failures are reported in the result, never as a Go error.
func (f *Forecaster) Forecast(ctx context.Context, historyDays, forecastDays int) *Result {
	start := time.Now()
	defer func() {
		metrics.ForecastDuration.WithLabelValues("daily").Observe(time.Since(start).Seconds())
	}()

	if err := validateWindow(historyDays, forecastDays); err != nil {
		return failedResult(err)
	}

	key := fmt.Sprintf("forecast_daily_%d_%d", historyDays, forecastDays)
	if f.cache != nil {
		var cached Result
		if f.cache.GetInto(ctx, key, &cached) {
			metrics.ForecastRuns.WithLabelValues("daily", "cached").Inc()
			return &cached
		}
	}

	points, err := f.history(ctx, timeseries.MetricCredits, historyDays)
	if err != nil {
		f.logger.Warn("Daily forecast history unavailable", zap.Int("history_days", historyDays), zap.Error(err))
		metrics.ForecastRuns.WithLabelValues("daily", "error").Inc()
		return failedResult(err)
	}

	res, err := Project(points, forecastDays)
	if err != nil {
		metrics.ForecastRuns.WithLabelValues("daily", "insufficient").Inc()
		return failedResult(err)
	}

	f.logger.Debug("Daily forecast computed",
		zap.Int("history_points", len(res.Historical)),
		zap.Int("forecast_days", forecastDays),
		zap.Float64("slope", res.TrendSlope),
		zap.Bool("seasonality_applied", res.SeasonalityApplied))
	metrics.ForecastRuns.WithLabelValues("daily", "ok").Inc()

	if f.cache != nil {
		f.cache.Set(ctx, key, res, f.cfg.TTL)
	}
	return res
}

// ForecastVolume projects daily query counts forecastDays ahead.
func (f *Forecaster) ForecastVolume(ctx context.Context, historyDays, forecastDays int) *VolumeResult {
	start := time.Now()
	defer func() {
		metrics.ForecastDuration.WithLabelValues("volume").Observe(time.Since(start).Seconds())
	}()

	if err := validateWindow(historyDays, forecastDays); err != nil {
		return failedVolume(err)
	}

	key := fmt.Sprintf("forecast_volume_%d_%d", historyDays, forecastDays)
	if f.cache != nil {
		var cached VolumeResult
		if f.cache.GetInto(ctx, key, &cached) {
			metrics.ForecastRuns.WithLabelValues("volume", "cached").Inc()
			return &cached
		}
	}

	points, err := f.history(ctx, timeseries.MetricQueryCount, historyDays)
	if err != nil {
		f.logger.Warn("Volume forecast history unavailable", zap.Int("history_days", historyDays), zap.Error(err))
		metrics.ForecastRuns.WithLabelValues("volume", "error").Inc()
		return failedVolume(err)
	}

	res, err := ProjectVolume(points, forecastDays)
	if err != nil {
		metrics.ForecastRuns.WithLabelValues("volume", "insufficient").Inc()
		return failedVolume(err)
	}
	metrics.ForecastRuns.WithLabelValues("volume", "ok").Inc()

	if f.cache != nil {
		f.cache.Set(ctx, key, res, f.cfg.TTL)
	}
	return res
}

// HistoricalMean returns the mean daily credits over historyDays. It lets the
// budget projector use the forecaster's series as a burn estimate.
func (f *Forecaster) HistoricalMean(ctx context.Context, historyDays int) (float64, error) {
	points, err := f.history(ctx, timeseries.MetricCredits, historyDays)
	if err != nil {
		return 0, err
	}
	points = timeseries.Normalize(points)
	if err := timeseries.CheckLength(len(points), timeseries.MinHistoryPoints); err != nil {
		return 0, err
	}
	return timeseries.Mean(timeseries.Values(points)), nil
}

// history reads the daily series; an empty window is reported as insufficient data.
func (f *Forecaster) history(ctx context.Context, metric timeseries.Metric, historyDays int) ([]timeseries.Point, error) {
	points, err := f.source.DailySeries(ctx, metric, historyDays)
	if errors.Is(err, timeseries.ErrNoData) {
		return nil, &timeseries.InsufficientDataError{Need: timeseries.MinHistoryPoints}
	}
	if err != nil {
		return nil, timeseries.Unavailable("metrics source", err)
	}
	return points, nil
}

func validateWindow(historyDays, forecastDays int) error {
	if historyDays < 1 {
		return fmt.Errorf("history_days must be at least 1, got %d", historyDays)
	}
	if forecastDays < 0 {
		return fmt.Errorf("forecast_days must not be negative, got %d", forecastDays)
	}
	return nil
}

func failedResult(err error) *Result {
	return &Result{
		Historical: []timeseries.Point{},
		Forecast:   []timeseries.Point{},
		Error:      err.Error(),
	}
}

func failedVolume(err error) *VolumeResult {
	return &VolumeResult{
		Historical: []timeseries.Point{},
		Forecast:   []VolumePoint{},
		Error:      err.Error(),
	}
}
