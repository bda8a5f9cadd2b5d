package config

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config validation failed for %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

func validPort(p int) bool { return p >= 1 && p <= 65535 }

// Validate validates the configuration and returns validation errors.
func (c *Config) Validate() []error {
	var errs []error

	// Server
	if !validPort(c.Server.Port) {
		errs = append(errs, invalid("server.port", "port must be between 1 and 65535, got %d", c.Server.Port))
	}
	if c.Server.GRPCPort != 0 {
		if !validPort(c.Server.GRPCPort) {
			errs = append(errs, invalid("server.grpc_port", "grpc_port must be 0 or between 1 and 65535, got %d", c.Server.GRPCPort))
		} else if c.Server.GRPCPort == c.Server.Port {
			errs = append(errs, invalid("server.grpc_port", "grpc_port must differ from port %d", c.Server.Port))
		}
	}
	if c.Server.ReadTimeoutSeconds < 1 {
		errs = append(errs, invalid("server.read_timeout_seconds", "must be at least 1 second, got %d", c.Server.ReadTimeoutSeconds))
	}
	if c.Server.WriteTimeoutSeconds < 1 {
		errs = append(errs, invalid("server.write_timeout_seconds", "must be at least 1 second, got %d", c.Server.WriteTimeoutSeconds))
	}
	if c.Server.ShutdownTimeoutSeconds < 0 {
		errs = append(errs, invalid("server.shutdown_timeout_seconds", "cannot be negative, got %d", c.Server.ShutdownTimeoutSeconds))
	}
	if c.Server.RateLimitPerMinute < 0 {
		errs = append(errs, invalid("server.rate_limit_per_minute", "cannot be negative, got %d", c.Server.RateLimitPerMinute))
	}

	// Database
	switch c.Database.Type {
	case "sqlite":
		if c.Database.SQLitePath == "" {
			errs = append(errs, invalid("database.sqlite_path", "sqlite_path is required when database type is sqlite"))
		}
	case "postgres":
		if c.Database.PostgresURL == "" {
			errs = append(errs, invalid("database.postgres_url", "postgres_url is required when database type is postgres"))
		}
	case "memory":
	default:
		errs = append(errs, invalid("database.type", "invalid database type '%s', must be one of: sqlite, postgres, memory", c.Database.Type))
	}

	// Metrics source
	switch c.MetricsSource.Type {
	case "database":
	case "clickhouse":
		if _, _, err := net.SplitHostPort(c.MetricsSource.ClickHouse.Addr); err != nil {
			errs = append(errs, invalid("metrics_source.clickhouse.addr", "invalid address format (expected host:port): %v", err))
		}
	default:
		errs = append(errs, invalid("metrics_source.type", "invalid metrics source '%s', must be one of: database, clickhouse", c.MetricsSource.Type))
	}

	// Cache
	if c.Cache.ForecastTTLMinutes < 1 {
		errs = append(errs, invalid("cache.forecast_ttl_minutes", "must be at least 1, got %d", c.Cache.ForecastTTLMinutes))
	}
	if c.Cache.CapacityTTLMinutes < 1 {
		errs = append(errs, invalid("cache.capacity_ttl_minutes", "must be at least 1, got %d", c.Cache.CapacityTTLMinutes))
	}

	// Windows
	windows := []struct {
		field string
		value int
	}{
		{"forecast.history_days", c.Forecast.HistoryDays},
		{"forecast.forecast_days", c.Forecast.ForecastDays},
		{"budget.history_days", c.Budget.HistoryDays},
		{"anomaly.history_days", c.Anomaly.HistoryDays},
		{"anomaly.burst_window_days", c.Anomaly.BurstWindowDays},
		{"capacity.history_days", c.Capacity.HistoryDays},
	}
	for _, w := range windows {
		if w.value < 1 {
			errs = append(errs, invalid(w.field, "must be at least 1, got %d", w.value))
		}
	}

	if c.Budget.MonthlyBudget < 0 {
		errs = append(errs, invalid("budget.monthly_budget", "monthly_budget cannot be negative, got %.2f", c.Budget.MonthlyBudget))
	}
	if c.Anomaly.ZThreshold <= 0 {
		errs = append(errs, invalid("anomaly.z_threshold", "z_threshold must be positive, got %.2f", c.Anomaly.ZThreshold))
	}
	if c.Anomaly.AboveAverageMultiple <= 0 {
		errs = append(errs, invalid("anomaly.above_average_multiple", "above_average_multiple must be positive, got %.2f", c.Anomaly.AboveAverageMultiple))
	}
	if c.Anomaly.SentinelIntervalMinutes < 0 {
		errs = append(errs, invalid("anomaly.sentinel_interval_minutes", "cannot be negative, got %d", c.Anomaly.SentinelIntervalMinutes))
	}

	// Capacity
	if c.Capacity.ScaleUpQueueMs <= 0 {
		errs = append(errs, invalid("capacity.scale_up_queue_ms", "must be positive, got %.1f", c.Capacity.ScaleUpQueueMs))
	}
	if c.Capacity.ScaleDownMaxQueries < 0 {
		errs = append(errs, invalid("capacity.scale_down_max_queries", "cannot be negative, got %d", c.Capacity.ScaleDownMaxQueries))
	}
	if c.Capacity.ScaleDownMaxQueueMs < 0 || c.Capacity.ScaleDownMaxQueueMs > c.Capacity.ScaleUpQueueMs {
		errs = append(errs, invalid("capacity.scale_down_max_queue_ms", "must be between 0 and scale_up_queue_ms, got %.1f", c.Capacity.ScaleDownMaxQueueMs))
	}

	// Logging
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		errs = append(errs, invalid("logging.level", "invalid log level '%s', must be one of: debug, info, warn, error", c.Logging.Level))
	}
	if f := strings.ToLower(c.Logging.Format); f != "json" && f != "console" {
		errs = append(errs, invalid("logging.format", "invalid log format '%s', must be one of: json, console", c.Logging.Format))
	}
	if c.Logging.FilePath != "" && c.Logging.MaxSizeMB < 1 {
		errs = append(errs, invalid("logging.max_size_mb", "must be at least 1 when file_path is set, got %d", c.Logging.MaxSizeMB))
	}

	// Tracing
	if c.Tracing.Endpoint != "" {
		if p := c.Tracing.Protocol; p != "grpc" && p != "http" {
			errs = append(errs, invalid("tracing.protocol", "invalid protocol '%s', must be one of: grpc, http", p))
		}
	}
	if c.Tracing.SamplingRate < 0 || c.Tracing.SamplingRate > 1 {
		errs = append(errs, invalid("tracing.sampling_rate", "sampling_rate must be between 0 and 1, got %.2f", c.Tracing.SamplingRate))
	}

	return errs
}
