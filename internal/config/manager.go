package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment key, e.g. KUBILITICS_FORECAST_SERVER_PORT.
const EnvPrefix = "KUBILITICS_FORECAST"

// viperConfigManager implements ConfigManager using Viper.
type viperConfigManager struct {
	configPath string
	viper      *viper.Viper
	watchChan  chan Config

	mu     sync.RWMutex
	config *Config
}

// Load loads configuration from all sources.
func (m *viperConfigManager) Load(ctx context.Context) error {
	m.viper = viper.New()

	m.viper.SetConfigFile(m.configPath)
	m.viper.SetConfigType("yaml")

	m.viper.SetEnvPrefix(EnvPrefix)
	m.viper.AutomaticEnv()
	m.viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	m.setDefaults()

	if err := m.readConfigFile(); err != nil {
		return err
	}

	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}

	m.applyEnvOverrides()

	return nil
}

// readConfigFile reads the YAML file. A missing file is fine; defaults and
// env vars still apply.
func (m *viperConfigManager) readConfigFile() error {
	err := m.viper.ReadInConfig()
	if err == nil {
		return nil
	}
	var notFound viper.ConfigFileNotFoundError
	if errors.As(err, &notFound) || os.IsNotExist(err) {
		return nil
	}
	return fmt.Errorf("error reading config file: %w", err)
}

// Get returns the current configuration.
func (m *viperConfigManager) Get(ctx context.Context) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// Validate validates configuration is correct and complete.
func (m *viperConfigManager) Validate(ctx context.Context) error {
	errs := m.Get(ctx).Validate()
	if len(errs) > 0 {
		var errMsgs []string
		for _, err := range errs {
			errMsgs = append(errMsgs, err.Error())
		}
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errMsgs, "\n  - "))
	}
	return nil
}

// Watch watches for configuration changes and reloads.
func (m *viperConfigManager) Watch(ctx context.Context) <-chan Config {
	m.viper.OnConfigChange(func(e fsnotify.Event) {
		if err := m.unmarshalConfig(); err != nil {
			return
		}
		m.applyEnvOverrides()
		// Latest wins: replace an update the consumer has not picked up yet.
		select {
		case <-m.watchChan:
		default:
		}
		select {
		case m.watchChan <- *m.Get(ctx):
		default:
		}
	})
	m.viper.WatchConfig()

	return m.watchChan
}

// Reload reloads configuration from sources.
func (m *viperConfigManager) Reload(ctx context.Context) error {
	if err := m.readConfigFile(); err != nil {
		return err
	}
	if err := m.unmarshalConfig(); err != nil {
		return fmt.Errorf("error unmarshaling config: %w", err)
	}
	m.applyEnvOverrides()
	return nil
}

// setDefaults sets default values in viper.
func (m *viperConfigManager) setDefaults() {
	d := DefaultConfig()

	// Server defaults
	m.viper.SetDefault("server.host", d.Server.Host)
	m.viper.SetDefault("server.port", d.Server.Port)
	m.viper.SetDefault("server.grpc_port", d.Server.GRPCPort)
	m.viper.SetDefault("server.allowed_origins", d.Server.AllowedOrigins)
	m.viper.SetDefault("server.read_timeout_seconds", d.Server.ReadTimeoutSeconds)
	m.viper.SetDefault("server.write_timeout_seconds", d.Server.WriteTimeoutSeconds)
	m.viper.SetDefault("server.shutdown_timeout_seconds", d.Server.ShutdownTimeoutSeconds)
	m.viper.SetDefault("server.rate_limit_per_minute", d.Server.RateLimitPerMinute)

	// Database defaults
	m.viper.SetDefault("database.type", d.Database.Type)
	m.viper.SetDefault("database.sqlite_path", d.Database.SQLitePath)
	m.viper.SetDefault("database.postgres_url", d.Database.PostgresURL)

	// Metrics source defaults
	m.viper.SetDefault("metrics_source.type", d.MetricsSource.Type)
	m.viper.SetDefault("metrics_source.clickhouse.addr", d.MetricsSource.ClickHouse.Addr)
	m.viper.SetDefault("metrics_source.clickhouse.database", d.MetricsSource.ClickHouse.Database)
	m.viper.SetDefault("metrics_source.clickhouse.username", d.MetricsSource.ClickHouse.Username)
	m.viper.SetDefault("metrics_source.clickhouse.password", d.MetricsSource.ClickHouse.Password)

	// Cache defaults
	m.viper.SetDefault("cache.forecast_ttl_minutes", d.Cache.ForecastTTLMinutes)
	m.viper.SetDefault("cache.capacity_ttl_minutes", d.Cache.CapacityTTLMinutes)

	m.viper.SetDefault("forecast.history_days", d.Forecast.HistoryDays)
	m.viper.SetDefault("forecast.forecast_days", d.Forecast.ForecastDays)

	m.viper.SetDefault("budget.monthly_budget", d.Budget.MonthlyBudget)
	m.viper.SetDefault("budget.history_days", d.Budget.HistoryDays)
	m.viper.SetDefault("budget.use_forecast_burn", d.Budget.UseForecastBurn)

	m.viper.SetDefault("anomaly.z_threshold", d.Anomaly.ZThreshold)
	m.viper.SetDefault("anomaly.history_days", d.Anomaly.HistoryDays)
	m.viper.SetDefault("anomaly.burst_window_days", d.Anomaly.BurstWindowDays)
	m.viper.SetDefault("anomaly.above_average_multiple", d.Anomaly.AboveAverageMultiple)
	m.viper.SetDefault("anomaly.sentinel_interval_minutes", d.Anomaly.SentinelIntervalMinutes)

	m.viper.SetDefault("capacity.scale_up_queue_ms", d.Capacity.ScaleUpQueueMs)
	m.viper.SetDefault("capacity.scale_down_max_queries", d.Capacity.ScaleDownMaxQueries)
	m.viper.SetDefault("capacity.scale_down_max_queue_ms", d.Capacity.ScaleDownMaxQueueMs)
	m.viper.SetDefault("capacity.history_days", d.Capacity.HistoryDays)

	// Logging defaults
	m.viper.SetDefault("logging.level", d.Logging.Level)
	m.viper.SetDefault("logging.format", d.Logging.Format)
	m.viper.SetDefault("logging.file_path", d.Logging.FilePath)
	m.viper.SetDefault("logging.max_size_mb", d.Logging.MaxSizeMB)
	m.viper.SetDefault("logging.max_backups", d.Logging.MaxBackups)
	m.viper.SetDefault("logging.max_age_days", d.Logging.MaxAgeDays)
	m.viper.SetDefault("logging.compress", d.Logging.Compress)

	// Tracing defaults
	m.viper.SetDefault("tracing.endpoint", d.Tracing.Endpoint)
	m.viper.SetDefault("tracing.protocol", d.Tracing.Protocol)
	m.viper.SetDefault("tracing.sampling_rate", d.Tracing.SamplingRate)
	m.viper.SetDefault("tracing.service_name", d.Tracing.ServiceName)
}

// unmarshalConfig unmarshals viper config into Config struct.
func (m *viperConfigManager) unmarshalConfig() error {
	cfg := &Config{}
	v := m.viper

	// Server
	cfg.Server.Host = v.GetString("server.host")
	cfg.Server.Port = v.GetInt("server.port")
	cfg.Server.GRPCPort = v.GetInt("server.grpc_port")
	cfg.Server.AllowedOrigins = v.GetStringSlice("server.allowed_origins")
	cfg.Server.ReadTimeoutSeconds = v.GetInt("server.read_timeout_seconds")
	cfg.Server.WriteTimeoutSeconds = v.GetInt("server.write_timeout_seconds")
	cfg.Server.ShutdownTimeoutSeconds = v.GetInt("server.shutdown_timeout_seconds")
	cfg.Server.RateLimitPerMinute = v.GetInt("server.rate_limit_per_minute")

	// Database
	cfg.Database.Type = strings.ToLower(v.GetString("database.type"))
	cfg.Database.SQLitePath = v.GetString("database.sqlite_path")
	cfg.Database.PostgresURL = v.GetString("database.postgres_url")

	// Metrics source
	cfg.MetricsSource.Type = strings.ToLower(v.GetString("metrics_source.type"))
	cfg.MetricsSource.ClickHouse.Addr = v.GetString("metrics_source.clickhouse.addr")
	cfg.MetricsSource.ClickHouse.Database = v.GetString("metrics_source.clickhouse.database")
	cfg.MetricsSource.ClickHouse.Username = v.GetString("metrics_source.clickhouse.username")
	cfg.MetricsSource.ClickHouse.Password = v.GetString("metrics_source.clickhouse.password")

	// Cache
	cfg.Cache.ForecastTTLMinutes = v.GetInt("cache.forecast_ttl_minutes")
	cfg.Cache.CapacityTTLMinutes = v.GetInt("cache.capacity_ttl_minutes")

	cfg.Forecast.HistoryDays = v.GetInt("forecast.history_days")
	cfg.Forecast.ForecastDays = v.GetInt("forecast.forecast_days")

	cfg.Budget.MonthlyBudget = v.GetFloat64("budget.monthly_budget")
	cfg.Budget.HistoryDays = v.GetInt("budget.history_days")
	cfg.Budget.UseForecastBurn = v.GetBool("budget.use_forecast_burn")

	cfg.Anomaly.ZThreshold = v.GetFloat64("anomaly.z_threshold")
	cfg.Anomaly.HistoryDays = v.GetInt("anomaly.history_days")
	cfg.Anomaly.BurstWindowDays = v.GetInt("anomaly.burst_window_days")
	cfg.Anomaly.AboveAverageMultiple = v.GetFloat64("anomaly.above_average_multiple")
	cfg.Anomaly.SentinelIntervalMinutes = v.GetInt("anomaly.sentinel_interval_minutes")

	cfg.Capacity.ScaleUpQueueMs = v.GetFloat64("capacity.scale_up_queue_ms")
	cfg.Capacity.ScaleDownMaxQueries = v.GetInt64("capacity.scale_down_max_queries")
	cfg.Capacity.ScaleDownMaxQueueMs = v.GetFloat64("capacity.scale_down_max_queue_ms")
	cfg.Capacity.HistoryDays = v.GetInt("capacity.history_days")

	// Logging
	cfg.Logging.Level = strings.ToLower(v.GetString("logging.level"))
	cfg.Logging.Format = strings.ToLower(v.GetString("logging.format"))
	cfg.Logging.FilePath = v.GetString("logging.file_path")
	cfg.Logging.MaxSizeMB = v.GetInt("logging.max_size_mb")
	cfg.Logging.MaxBackups = v.GetInt("logging.max_backups")
	cfg.Logging.MaxAgeDays = v.GetInt("logging.max_age_days")
	cfg.Logging.Compress = v.GetBool("logging.compress")

	// Tracing
	cfg.Tracing.Endpoint = v.GetString("tracing.endpoint")
	cfg.Tracing.Protocol = strings.ToLower(v.GetString("tracing.protocol"))
	cfg.Tracing.SamplingRate = v.GetFloat64("tracing.sampling_rate")
	cfg.Tracing.ServiceName = v.GetString("tracing.service_name")

	m.mu.Lock()
	m.config = cfg
	m.mu.Unlock()
	return nil
}

// applyEnvOverrides applies the conventional env vars that do not follow the
// KUBILITICS_FORECAST_ naming.
func (m *viperConfigManager) applyEnvOverrides() {
	m.mu.Lock()
	defer m.mu.Unlock()

	// Comma-separated origins; viper splits env strings on whitespace only.
	if origins := os.Getenv(EnvPrefix + "_SERVER_ALLOWED_ORIGINS"); origins != "" {
		var list []string
		for _, o := range strings.Split(origins, ",") {
			if o = strings.TrimSpace(o); o != "" {
				list = append(list, o)
			}
		}
		m.config.Server.AllowedOrigins = list
	}

	if url := os.Getenv("DATABASE_URL"); url != "" && m.config.Database.PostgresURL == "" {
		m.config.Database.PostgresURL = url
	}

	if pw := os.Getenv("CLICKHOUSE_PASSWORD"); pw != "" && m.config.MetricsSource.ClickHouse.Password == "" {
		m.config.MetricsSource.ClickHouse.Password = pw
	}

	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" && m.config.Tracing.Endpoint == "" {
		m.config.Tracing.Endpoint = ep
	}
}
