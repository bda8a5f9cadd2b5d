package config

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, 8090, cfg.Server.Port)
	assert.Equal(t, 8091, cfg.Server.GRPCPort)
	assert.Equal(t, []string{"*"}, cfg.Server.AllowedOrigins)

	assert.Equal(t, "sqlite", cfg.Database.Type)
	assert.NotEmpty(t, cfg.Database.SQLitePath)
	assert.Equal(t, "database", cfg.MetricsSource.Type)

	assert.Equal(t, 60, cfg.Cache.ForecastTTLMinutes)
	assert.Equal(t, 120, cfg.Cache.CapacityTTLMinutes)

	assert.Equal(t, 30, cfg.Forecast.HistoryDays)
	assert.Equal(t, 30, cfg.Forecast.ForecastDays)
	assert.False(t, cfg.Budget.UseForecastBurn)

	assert.Equal(t, 2.0, cfg.Anomaly.ZThreshold)
	assert.Equal(t, 7, cfg.Anomaly.BurstWindowDays)
	assert.Equal(t, 2.0, cfg.Anomaly.AboveAverageMultiple)

	assert.Equal(t, 5000.0, cfg.Capacity.ScaleUpQueueMs)
	assert.Equal(t, int64(100), cfg.Capacity.ScaleDownMaxQueries)
	assert.Equal(t, 1000.0, cfg.Capacity.ScaleDownMaxQueueMs)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Empty(t, cfg.Tracing.Endpoint)

	assert.Empty(t, cfg.Validate(), "defaults must validate")
}

func TestConfigValidation(t *testing.T) {
	tests := []struct {
		name     string
		modifyFn func(*Config)
		errorMsg string
	}{
		{"port too low", func(c *Config) { c.Server.Port = 0 }, "port must be between 1 and 65535"},
		{"port too high", func(c *Config) { c.Server.Port = 70000 }, "port must be between 1 and 65535"},
		{"grpc port collides", func(c *Config) { c.Server.GRPCPort = c.Server.Port }, "grpc_port must differ"},
		{"negative rate limit", func(c *Config) { c.Server.RateLimitPerMinute = -1 }, "server.rate_limit_per_minute"},
		{"invalid database type", func(c *Config) { c.Database.Type = "mysql" }, "invalid database type"},
		{"missing sqlite path", func(c *Config) { c.Database.SQLitePath = "" }, "sqlite_path is required"},
		{"missing postgres url", func(c *Config) {
			c.Database.Type = "postgres"
			c.Database.PostgresURL = ""
		}, "postgres_url is required"},
		{"invalid metrics source", func(c *Config) { c.MetricsSource.Type = "snowflake" }, "invalid metrics source"},
		{"bad clickhouse addr", func(c *Config) {
			c.MetricsSource.Type = "clickhouse"
			c.MetricsSource.ClickHouse.Addr = "no-port"
		}, "invalid address format"},
		{"zero forecast ttl", func(c *Config) { c.Cache.ForecastTTLMinutes = 0 }, "cache.forecast_ttl_minutes"},
		{"zero burst window", func(c *Config) { c.Anomaly.BurstWindowDays = 0 }, "anomaly.burst_window_days"},
		{"negative z threshold", func(c *Config) { c.Anomaly.ZThreshold = -1 }, "z_threshold must be positive"},
		{"negative budget", func(c *Config) { c.Budget.MonthlyBudget = -100 }, "monthly_budget cannot be negative"},
		{"scale-down above scale-up", func(c *Config) { c.Capacity.ScaleDownMaxQueueMs = 6000 }, "scale_down_max_queue_ms"},
		{"invalid log level", func(c *Config) { c.Logging.Level = "verbose" }, "invalid log level"},
		{"invalid log format", func(c *Config) { c.Logging.Format = "text" }, "invalid log format"},
		{"invalid tracing protocol", func(c *Config) {
			c.Tracing.Endpoint = "localhost:4317"
			c.Tracing.Protocol = "udp"
		}, "invalid protocol"},
		{"sampling rate above one", func(c *Config) { c.Tracing.SamplingRate = 1.5 }, "sampling_rate must be between 0 and 1"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modifyFn(cfg)

			errs := cfg.Validate()
			require.NotEmpty(t, errs, "expected validation errors but got none")

			found := false
			for _, err := range errs {
				if strings.Contains(err.Error(), tt.errorMsg) {
					found = true
					var ve *ValidationError
					assert.ErrorAs(t, err, &ve)
					break
				}
			}
			assert.True(t, found, "expected error message containing '%s', got: %v", tt.errorMsg, errs)
		})
	}
}

func TestConfigValidationAcceptsMemoryStore(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Database.Type = "memory"
	cfg.Database.SQLitePath = ""
	cfg.Server.GRPCPort = 0
	assert.Empty(t, cfg.Validate())
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "forecast.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestConfigManagerLoad(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 9090
  allowed_origins: ["https://app.example.com"]

database:
  type: memory

cache:
  forecast_ttl_minutes: 15

anomaly:
  z_threshold: 2.5
  sentinel_interval_minutes: 1440

capacity:
  scale_up_queue_ms: 8000

logging:
  level: DEBUG
  format: console
`)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	require.NotNil(t, cfg)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "memory", cfg.Database.Type)
	assert.Equal(t, 15, cfg.Cache.ForecastTTLMinutes)
	assert.Equal(t, 120, cfg.Cache.CapacityTTLMinutes, "unset keys keep defaults")
	assert.Equal(t, 2.5, cfg.Anomaly.ZThreshold)
	assert.Equal(t, 1440, cfg.Anomaly.SentinelIntervalMinutes)
	assert.Equal(t, 8000.0, cfg.Capacity.ScaleUpQueueMs)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "console", cfg.Logging.Format)
	assert.NoError(t, mgr.Validate(ctx))
}

func TestConfigManagerEnvironmentOverrides(t *testing.T) {
	t.Setenv("KUBILITICS_FORECAST_SERVER_PORT", "7070")
	t.Setenv("KUBILITICS_FORECAST_METRICS_SOURCE_CLICKHOUSE_ADDR", "ch:9000")
	t.Setenv("KUBILITICS_FORECAST_SERVER_ALLOWED_ORIGINS", "https://a.example.com, https://b.example.com")
	t.Setenv("DATABASE_URL", "postgres://forecast@db/forecast")

	configPath := writeConfig(t, `
server:
  port: 8081
`)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))
	cfg := mgr.Get(ctx)

	assert.Equal(t, 7070, cfg.Server.Port, "env should override the file")
	assert.Equal(t, "ch:9000", cfg.MetricsSource.ClickHouse.Addr)
	assert.Equal(t, []string{"https://a.example.com", "https://b.example.com"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "postgres://forecast@db/forecast", cfg.Database.PostgresURL)
}

func TestConfigManagerMissingFile(t *testing.T) {
	mgr, err := NewConfigManager(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	cfg := mgr.Get(ctx)
	assert.Equal(t, 8090, cfg.Server.Port)
}

func TestConfigManagerMalformedFile(t *testing.T) {
	configPath := writeConfig(t, "server: [port: 1\n")

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	err = mgr.Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error reading config file")
}

func TestConfigManagerValidation(t *testing.T) {
	configPath := writeConfig(t, `
server:
  port: 99999
database:
  type: oracle
`)

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	err = mgr.Validate(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "configuration validation failed")
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "database.type")
}

func TestConfigManagerReload(t *testing.T) {
	configPath := writeConfig(t, "forecast:\n  history_days: 30\n")

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	require.NoError(t, os.WriteFile(configPath, []byte("forecast:\n  history_days: 45\n"), 0644))
	require.NoError(t, mgr.Reload(ctx))
	assert.Equal(t, 45, mgr.Get(ctx).Forecast.HistoryDays)
}

func TestConfigManagerWatch(t *testing.T) {
	configPath := writeConfig(t, "anomaly:\n  z_threshold: 2.0\n")

	mgr, err := NewConfigManager(configPath)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, mgr.Load(ctx))

	updates := mgr.Watch(ctx)
	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(configPath, []byte("anomaly:\n  z_threshold: 3.0\n"), 0644))

	// A single write can surface as several events; wait for the final content.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case cfg := <-updates:
			if cfg.Anomaly.ZThreshold == 3.0 {
				return
			}
		case <-deadline:
			t.Fatal("no config update received")
		}
	}
}
