// Package bootstrap turns a loaded configuration into the running pieces of
// the forecast service: the store, the Metrics Source and the analytics
// engine. The server binary and forecastctl share it so both see the same
// data through the same settings.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics"
	"github.com/kubilitics/kubilitics-forecast/internal/analytics/capacity"
	"github.com/kubilitics/kubilitics-forecast/internal/config"
	"github.com/kubilitics/kubilitics-forecast/internal/db"
	"github.com/kubilitics/kubilitics-forecast/internal/logging"
	"github.com/kubilitics/kubilitics-forecast/internal/server"
	"github.com/kubilitics/kubilitics-forecast/internal/tracing"
)

// Metrics source types.
const (
	SourceDatabase   = "database"
	SourceClickHouse = "clickhouse"
)

// Runtime holds what Build opened. Close releases all of it.
type Runtime struct {
	Engine *analytics.Engine
	Store  db.Store

	// ClickHouse is set when metrics_source.type is clickhouse; the engine
	// then reads usage from it and ingest is disabled.
	ClickHouse *db.ClickHouseSource
}

// Options adjust Build for tests and tools.
type Options struct {
	Logger *zap.Logger
	Clock  func() time.Time
}

// Build opens the configured store and source and wires the engine.
func Build(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	store, err := db.Open(ctx, db.Config{
		Type:        cfg.Database.Type,
		SQLitePath:  cfg.Database.SQLitePath,
		PostgresURL: cfg.Database.PostgresURL,
		Clock:       opts.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", cfg.Database.Type, err)
	}

	rt := &Runtime{Store: store}
	deps := analytics.Deps{
		Source:   store,
		Recorder: store,
		Store:    store,
		Log:      store,
		Logger:   logger.Named("analytics"),
		Clock:    opts.Clock,
	}

	if cfg.MetricsSource.Type == SourceClickHouse {
		var chOpts []db.Option
		if opts.Clock != nil {
			chOpts = append(chOpts, db.WithClock(opts.Clock))
		}
		ch, err := db.NewClickHouseSource(ctx, db.ClickHouseConfig{
			Addr:     cfg.MetricsSource.ClickHouse.Addr,
			Database: cfg.MetricsSource.ClickHouse.Database,
			Username: cfg.MetricsSource.ClickHouse.Username,
			Password: cfg.MetricsSource.ClickHouse.Password,
		}, chOpts...)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		rt.ClickHouse = ch
		deps.Source = ch
		deps.Recorder = nil
		logger.Info("Reading usage from ClickHouse",
			zap.String("addr", cfg.MetricsSource.ClickHouse.Addr),
			zap.String("database", cfg.MetricsSource.ClickHouse.Database))
	}

	rt.Engine = analytics.NewEngine(deps, EngineConfig(cfg))
	return rt, nil
}

// Ping checks the store and, when configured, ClickHouse.
func (r *Runtime) Ping(ctx context.Context) error {
	if err := r.Store.Ping(ctx); err != nil {
		return fmt.Errorf("store: %w", err)
	}
	if r.ClickHouse != nil {
		if err := r.ClickHouse.Ping(ctx); err != nil {
			return fmt.Errorf("clickhouse: %w", err)
		}
	}
	return nil
}

// Close releases the source and the store.
func (r *Runtime) Close() error {
	var errs []error
	if r.ClickHouse != nil {
		errs = append(errs, r.ClickHouse.Close())
	}
	if r.Store != nil {
		errs = append(errs, r.Store.Close())
	}
	return errors.Join(errs...)
}

// ─── Config mapping ───────────────────────────────────────────────────────────

// EngineConfig maps the cache and capacity sections onto analytics.Config.
func EngineConfig(cfg *config.Config) analytics.Config {
	return analytics.Config{
		ForecastTTL: time.Duration(cfg.Cache.ForecastTTLMinutes) * time.Minute,
		CapacityTTL: time.Duration(cfg.Cache.CapacityTTLMinutes) * time.Minute,
		Capacity: capacity.Thresholds{
			ScaleUpQueueMs:      cfg.Capacity.ScaleUpQueueMs,
			ScaleDownMaxQueries: cfg.Capacity.ScaleDownMaxQueries,
			ScaleDownMaxQueueMs: cfg.Capacity.ScaleDownMaxQueueMs,
		},
		UseForecastBurn: cfg.Budget.UseForecastBurn,
	}
}

// ServerConfig maps listener settings and request defaults onto server.Config.
func ServerConfig(cfg *config.Config) server.Config {
	sc := server.DefaultConfig()
	sc.Host = cfg.Server.Host
	sc.Port = cfg.Server.Port
	sc.GRPCPort = cfg.Server.GRPCPort
	sc.AllowedOrigins = cfg.Server.AllowedOrigins
	sc.ReadTimeout = time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	sc.WriteTimeout = time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second
	sc.ShutdownTimeout = time.Duration(cfg.Server.ShutdownTimeoutSeconds) * time.Second
	sc.RateLimitPerMinute = cfg.Server.RateLimitPerMinute

	sc.Defaults.HistoryDays = cfg.Forecast.HistoryDays
	sc.Defaults.ForecastDays = cfg.Forecast.ForecastDays
	sc.Defaults.MonthlyBudget = cfg.Budget.MonthlyBudget
	sc.Defaults.BudgetHistoryDays = cfg.Budget.HistoryDays
	sc.Defaults.ZThreshold = cfg.Anomaly.ZThreshold
	sc.Defaults.AnomalyHistoryDays = cfg.Anomaly.HistoryDays
	sc.Defaults.BurstWindowDays = cfg.Anomaly.BurstWindowDays
	sc.Defaults.AboveAverageMultiple = cfg.Anomaly.AboveAverageMultiple
	sc.Defaults.CapacityHistoryDays = cfg.Capacity.HistoryDays
	return sc
}

// LoggingConfig maps the logging section onto logging.Config.
func LoggingConfig(cfg *config.Config) logging.Config {
	return logging.Config{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		FilePath:   cfg.Logging.FilePath,
		MaxSize:    cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAge:     cfg.Logging.MaxAgeDays,
		Compress:   cfg.Logging.Compress,
	}
}

// TracingConfig maps the tracing section onto tracing.Config.
func TracingConfig(cfg *config.Config) tracing.Config {
	return tracing.Config{
		ServiceName:  cfg.Tracing.ServiceName,
		Endpoint:     cfg.Tracing.Endpoint,
		Protocol:     cfg.Tracing.Protocol,
		SamplingRate: cfg.Tracing.SamplingRate,
	}
}
