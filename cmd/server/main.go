package main

// Package main is the entry point for the kubilitics-forecast server.
//
// Responsibilities:
//   - Load and validate configuration from YAML and environment variables
//   - Build the process logger and OpenTelemetry tracer provider
//   - Open the store (SQLite, PostgreSQL or in-memory) and, when configured,
//     the ClickHouse Metrics Source
//   - Start the REST API, the /ws/analytics WebSocket and the gRPC health service
//   - Run the daily cost sentinel on a schedule when enabled
//   - Log configuration file changes that need a restart to take effect
//   - Shut down gracefully on SIGINT/SIGTERM
//
// Port Configuration:
//   - REST/WebSocket: 8090
//   - gRPC health:    8091

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics"
	"github.com/kubilitics/kubilitics-forecast/internal/bootstrap"
	"github.com/kubilitics/kubilitics-forecast/internal/config"
	"github.com/kubilitics/kubilitics-forecast/internal/logging"
	"github.com/kubilitics/kubilitics-forecast/internal/server"
	"github.com/kubilitics/kubilitics-forecast/internal/tracing"
)

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:           "kubilitics-forecast",
		Short:         "Forecasting and anomaly analytics service",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return run(cmd.Context(), configPath)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", os.Getenv("KUBILITICS_FORECAST_CONFIG"), "path to the config file (default "+config.DefaultConfigPath+")")

	if err := cmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "kubilitics-forecast: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath string) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	mgr, err := config.NewConfigManager(configPath)
	if err != nil {
		return err
	}
	if err := mgr.Load(ctx); err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := mgr.Validate(ctx); err != nil {
		return err
	}
	cfg := mgr.Get(ctx)

	logger, syncLog, err := logging.New(bootstrap.LoggingConfig(cfg))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer func() { _ = syncLog() }()
	zap.ReplaceGlobals(logger)

	shutdownTracing, err := tracing.Init(ctx, bootstrap.TracingConfig(cfg))
	if err != nil {
		logger.Warn("Tracing disabled", zap.Error(err))
	} else {
		defer func() {
			tctx, tcancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer tcancel()
			if err := shutdownTracing(tctx); err != nil {
				logger.Warn("Tracer shutdown failed", zap.Error(err))
			}
		}()
	}

	logger.Info("Configuration loaded",
		zap.Int("port", cfg.Server.Port),
		zap.Int("grpc_port", cfg.Server.GRPCPort),
		zap.String("database", cfg.Database.Type),
		zap.String("metrics_source", cfg.MetricsSource.Type))

	rt, err := bootstrap.Build(ctx, cfg, bootstrap.Options{Logger: logger})
	if err != nil {
		logger.Error("Failed to initialize storage", zap.Error(err))
		return err
	}
	defer func() {
		if err := rt.Close(); err != nil {
			logger.Warn("Failed to close storage", zap.Error(err))
		}
	}()

	var scheduler *analytics.Scheduler
	if cfg.Anomaly.SentinelIntervalMinutes > 0 {
		interval := time.Duration(cfg.Anomaly.SentinelIntervalMinutes) * time.Minute
		scheduler = analytics.NewScheduler(rt.Engine, interval, logger.Named("sentinel"))
		scheduler.Start(ctx)
		logger.Info("Sentinel scheduled", zap.Duration("interval", interval))
	}

	srv, err := server.NewServer(bootstrap.ServerConfig(cfg), rt.Engine, rt, logger)
	if err != nil {
		return err
	}
	if err := srv.Start(); err != nil {
		return err
	}

	go watchConfig(ctx, mgr, logger)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("Received shutdown signal", zap.String("signal", sig.String()))

	if scheduler != nil {
		scheduler.Stop()
	}
	stopCtx, stopCancel := context.WithTimeout(context.Background(), time.Duration(cfg.Server.ShutdownTimeoutSeconds+5)*time.Second)
	defer stopCancel()
	if err := srv.Stop(stopCtx); err != nil {
		logger.Warn("Server stopped with error", zap.Error(err))
	}
	logger.Info("Shutdown complete")
	return nil
}

// watchConfig reports config file edits. Listener, storage and threshold
// settings are read once at startup, so a change only takes effect after a
// restart.
func watchConfig(ctx context.Context, mgr config.ConfigManager, logger *zap.Logger) {
	updates := mgr.Watch(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-updates:
			if !ok {
				return
			}
			if errs := next.Validate(); len(errs) > 0 {
				logger.Warn("Reloaded configuration is invalid", zap.Errors("errors", errs))
				continue
			}
			logger.Info("Configuration file changed; restart to apply",
				zap.String("database", next.Database.Type),
				zap.Int("port", next.Server.Port))
		}
	}
}
