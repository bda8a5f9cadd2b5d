package analytics

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-forecast/internal/analytics/budget"
	"github.com/kubilitics/kubilitics-forecast/internal/analytics/capacity"
	"github.com/kubilitics/kubilitics-forecast/internal/analytics/forecasting"
	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/cache"
	"github.com/kubilitics/kubilitics-forecast/internal/metrics"
	"github.com/kubilitics/kubilitics-forecast/internal/tracing"
)

// Package analytics composes the forecasting and anomaly components behind a
// single facade.
//
// Components:
//   - ResultCache: TTL cache of computed results over a cache.Store
//   - Forecaster: linear trend + weekend seasonality over daily credits and query counts
//   - Projector: budget runway and risk tier
//   - Detector: z-score, above-average days, hourly bursts, daily sentinel
//   - Advisor: rule-table pool sizing
//
// Every Engine call runs inside an OpenTelemetry span. Expected analytical
// outcomes (too little history, empty source) are reported inside the result
// structs rather than as Go errors.

// ErrReadOnly is returned by the ingest calls when the source cannot record.
var ErrReadOnly = errors.New("metrics source is read-only")

// Deps are the collaborators an Engine is built from.
type Deps struct {
	Source timeseries.Source
	// Recorder receives raw ingest. Nil makes the engine read-only.
	Recorder timeseries.Recorder
	Store    cache.Store
	// Log persists sentinel alerts. Nil keeps alerts in the result only.
	Log    anomaly.LogStore
	Logger *zap.Logger
	Clock  func() time.Time
}

// Config tunes the components.
type Config struct {
	ForecastTTL time.Duration
	CapacityTTL time.Duration
	Capacity    capacity.Thresholds
	// UseForecastBurn estimates budget burn from the forecaster's historical
	// daily mean instead of the plain windowed average. Off by default, which
	// keeps burn at used / history_days.
	UseForecastBurn bool
}

// DefaultConfig returns the standard TTLs and thresholds.
func DefaultConfig() Config {
	return Config{
		ForecastTTL: forecasting.DefaultConfig().TTL,
		CapacityTTL: capacity.DefaultTTL,
		Capacity:    capacity.DefaultThresholds(),
	}
}

// Engine is the analytics facade.
type Engine struct {
	cache      *cache.ResultCache
	forecaster *forecasting.Forecaster
	projector  *budget.Projector
	detector   *anomaly.Detector
	advisor    *capacity.Advisor
	recorder   timeseries.Recorder
	logger     *zap.Logger
}

// NewEngine wires the components from deps.
func NewEngine(deps Deps, cfg Config) *Engine {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	clock := deps.Clock
	if clock == nil {
		clock = time.Now
	}
	store := deps.Store
	if store == nil {
		store = cache.NewMemoryStore()
	}

	rc := cache.New(store, cache.WithLogger(logger.Named("cache")), cache.WithClock(clock))
	fc := forecasting.New(deps.Source, rc, forecasting.Config{TTL: cfg.ForecastTTL}, logger.Named("forecast"))

	budgetOpts := []budget.Option{budget.WithClock(clock)}
	if cfg.UseForecastBurn {
		budgetOpts = append(budgetOpts, budget.WithBurnEstimator(fc))
	}

	return &Engine{
		cache:      rc,
		forecaster: fc,
		projector:  budget.New(deps.Source, logger.Named("budget"), budgetOpts...),
		detector:   anomaly.New(deps.Source, deps.Log, logger.Named("anomaly"), anomaly.WithClock(clock)),
		advisor:    capacity.NewAdvisor(deps.Source, rc, cfg.Capacity, cfg.CapacityTTL, logger.Named("capacity")),
		recorder:   deps.Recorder,
		logger:     logger,
	}
}

// ─── Forecasting ──────────────────────────────────────────────────────────────

// Forecast projects daily credits.
func (e *Engine) Forecast(ctx context.Context, historyDays, forecastDays int) *forecasting.Result {
	ctx, span := tracing.Start(ctx, "analytics.Forecast",
		attribute.Int("history_days", historyDays), attribute.Int("forecast_days", forecastDays))
	defer span.End()
	res := e.forecaster.Forecast(ctx, historyDays, forecastDays)
	finish(span, res.Success, res.Error)
	return res
}

// ForecastVolume projects daily query counts.
func (e *Engine) ForecastVolume(ctx context.Context, historyDays, forecastDays int) *forecasting.VolumeResult {
	ctx, span := tracing.Start(ctx, "analytics.ForecastVolume",
		attribute.Int("history_days", historyDays), attribute.Int("forecast_days", forecastDays))
	defer span.End()
	res := e.forecaster.ForecastVolume(ctx, historyDays, forecastDays)
	finish(span, res.Success, res.Error)
	return res
}

// ─── Budget ───────────────────────────────────────────────────────────────────

// Project computes the budget runway.
func (e *Engine) Project(ctx context.Context, totalBudget float64, historyDays int) *budget.Projection {
	ctx, span := tracing.Start(ctx, "analytics.Project",
		attribute.Float64("total_budget", totalBudget), attribute.Int("history_days", historyDays))
	defer span.End()
	res := e.projector.Project(ctx, totalBudget, historyDays)
	span.SetAttributes(attribute.String("risk_level", string(res.RiskLevel)))
	finish(span, res.Success, res.Error)
	return res
}

// ─── Anomalies ────────────────────────────────────────────────────────────────

// Detect flags daily credit outliers by z-score.
func (e *Engine) Detect(ctx context.Context, historyDays int, zThreshold float64) *anomaly.Report {
	ctx, span := tracing.Start(ctx, "analytics.Detect",
		attribute.Int("history_days", historyDays), attribute.Float64("z_threshold", zThreshold))
	defer span.End()
	res := e.detector.Detect(ctx, historyDays, zThreshold)
	span.SetAttributes(attribute.Int("anomaly_count", res.AnomalyCount))
	finish(span, res.Success, res.Error)
	return res
}

// DetectAboveAverage lists days above mean × multiple.
func (e *Engine) DetectAboveAverage(ctx context.Context, historyDays int, multiple float64) *anomaly.AboveAverageReport {
	ctx, span := tracing.Start(ctx, "analytics.DetectAboveAverage",
		attribute.Int("history_days", historyDays), attribute.Float64("multiple", multiple))
	defer span.End()
	res := e.detector.DetectAboveAverage(ctx, historyDays, multiple)
	finish(span, res.Success, res.Error)
	return res
}

// DetectBursts grades hourly usage per resource.
func (e *Engine) DetectBursts(ctx context.Context, windowDays int) *anomaly.BurstReport {
	ctx, span := tracing.Start(ctx, "analytics.DetectBursts", attribute.Int("window_days", windowDays))
	defer span.End()
	res := e.detector.DetectBursts(ctx, windowDays)
	span.SetAttributes(attribute.Int("critical", res.CriticalCount), attribute.Int("warning", res.WarningCount))
	finish(span, res.Success, res.Error)
	return res
}

// CheckSentinel runs the yesterday-versus-baseline check.
func (e *Engine) CheckSentinel(ctx context.Context) *anomaly.SentinelResult {
	ctx, span := tracing.Start(ctx, "analytics.CheckSentinel")
	defer span.End()
	res := e.detector.CheckYesterday(ctx)
	span.SetAttributes(attribute.Bool("alerted", res.Alerted))
	finish(span, res.Success, res.Error)
	return res
}

// RecentAlerts pages the anomaly log, newest first.
func (e *Engine) RecentAlerts(ctx context.Context, limit int) *anomaly.AlertLog {
	ctx, span := tracing.Start(ctx, "analytics.RecentAlerts", attribute.Int("limit", limit))
	defer span.End()
	res := e.detector.RecentAlerts(ctx, limit)
	finish(span, res.Success, res.Error)
	return res
}

// ─── Capacity ─────────────────────────────────────────────────────────────────

// Recommend sizes a caller-supplied batch.
func (e *Engine) Recommend(ctx context.Context, stats []timeseries.ResourceUsage) *capacity.Report {
	_, span := tracing.Start(ctx, "analytics.Recommend", attribute.Int("resources", len(stats)))
	defer span.End()
	res := e.advisor.Recommend(stats)
	finish(span, res.Success, res.Error)
	return res
}

// RecommendFromSource sizes every resource seen in the last historyDays.
func (e *Engine) RecommendFromSource(ctx context.Context, historyDays int) *capacity.Report {
	ctx, span := tracing.Start(ctx, "analytics.RecommendFromSource", attribute.Int("history_days", historyDays))
	defer span.End()
	res := e.advisor.RecommendFromSource(ctx, historyDays)
	finish(span, res.Success, res.Error)
	return res
}

// ─── Cache & ingest ───────────────────────────────────────────────────────────

// ClearCache removes one cached result, or all of them when key is empty.
func (e *Engine) ClearCache(ctx context.Context, key string) error {
	ctx, span := tracing.Start(ctx, "analytics.ClearCache", attribute.String("key", key))
	defer span.End()
	err := e.cache.Clear(ctx, key)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// RecordMetering appends metering rows to the source.
func (e *Engine) RecordMetering(ctx context.Context, events []timeseries.MeteringEvent) error {
	ctx, span := tracing.Start(ctx, "analytics.RecordMetering", attribute.Int("rows", len(events)))
	defer span.End()
	if e.recorder == nil {
		return ErrReadOnly
	}
	if err := e.recorder.RecordMetering(ctx, events); err != nil {
		span.RecordError(err)
		return err
	}
	metrics.RowsIngested.WithLabelValues("metering").Add(float64(len(events)))
	return nil
}

// RecordQueries appends query history rows to the source.
func (e *Engine) RecordQueries(ctx context.Context, events []timeseries.QueryEvent) error {
	ctx, span := tracing.Start(ctx, "analytics.RecordQueries", attribute.Int("rows", len(events)))
	defer span.End()
	if e.recorder == nil {
		return ErrReadOnly
	}
	if err := e.recorder.RecordQueries(ctx, events); err != nil {
		span.RecordError(err)
		return err
	}
	metrics.RowsIngested.WithLabelValues("queries").Add(float64(len(events)))
	return nil
}

func finish(span trace.Span, success bool, msg string) {
	if success {
		span.SetStatus(codes.Ok, "")
		return
	}
	span.SetStatus(codes.Error, msg)
}
