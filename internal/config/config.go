package config

import "context"

// Package config provides configuration management for kubilitics-forecast.
//
// Configuration Sources (priority order, high to low):
//   1. Environment variables (KUBILITICS_FORECAST_* prefix, "." replaced by "_")
//   2. YAML config file (default: /etc/kubilitics/forecast.yaml)
//   3. Built-in defaults
//
// Main Configuration Sections:
//
//   1. Server
//      - host, port: HTTP listen address (default 0.0.0.0:8090)
//      - grpc_port: gRPC health listener (default 8091, 0 disables)
//      - allowed_origins: CORS origins
//      - read_timeout_seconds / write_timeout_seconds / shutdown_timeout_seconds
//      - rate_limit_per_minute: per-client API request cap (0 disables)
//
//   2. Database
//      - type: "sqlite" | "postgres" | "memory"
//      - sqlite_path: Path to SQLite file
//      - postgres_url: PostgreSQL connection string
//
//   3. Metrics Source
//      - type: "database" (the configured store) | "clickhouse"
//      - clickhouse: addr, database, username, password
//
//   4. Cache
//      - forecast_ttl_minutes (60), capacity_ttl_minutes (120)
//
//   5. Forecast / Budget / Anomaly / Capacity
//      - request defaults and detection thresholds
//
//   6. Logging
//      - level, format ("json" | "console"), file rotation settings
//
//   7. Tracing
//      - OTLP endpoint (empty disables), protocol, sampling rate

// Config is the complete service configuration.
type Config struct {
	Server struct {
		Host                   string
		Port                   int
		GRPCPort               int
		AllowedOrigins         []string
		ReadTimeoutSeconds     int
		WriteTimeoutSeconds    int
		ShutdownTimeoutSeconds int
		// RateLimitPerMinute caps API requests per client; 0 disables limiting.
		RateLimitPerMinute int
	}

	Database struct {
		Type        string // sqlite, postgres, memory
		SQLitePath  string
		PostgresURL string
	}

	MetricsSource struct {
		Type       string // database, clickhouse
		ClickHouse struct {
			Addr     string
			Database string
			Username string
			Password string
		}
	}

	Cache struct {
		ForecastTTLMinutes int
		CapacityTTLMinutes int
	}

	Forecast struct {
		HistoryDays  int
		ForecastDays int
	}

	Budget struct {
		MonthlyBudget   float64
		HistoryDays     int
		UseForecastBurn bool
	}

	Anomaly struct {
		ZThreshold           float64
		HistoryDays          int
		BurstWindowDays      int
		AboveAverageMultiple float64
		// SentinelIntervalMinutes schedules the daily cost check; 0 disables it.
		SentinelIntervalMinutes int
	}

	Capacity struct {
		ScaleUpQueueMs      float64
		ScaleDownMaxQueries int64
		ScaleDownMaxQueueMs float64
		HistoryDays         int
	}

	Logging struct {
		Level      string
		Format     string
		FilePath   string
		MaxSizeMB  int
		MaxBackups int
		MaxAgeDays int
		Compress   bool
	}

	Tracing struct {
		Endpoint     string
		Protocol     string // grpc, http
		SamplingRate float64
		ServiceName  string
	}
}

// ConfigManager defines the interface for configuration access.
type ConfigManager interface {
	// Load loads configuration from all sources.
	Load(ctx context.Context) error

	// Get returns the current configuration.
	Get(ctx context.Context) *Config

	// Validate validates configuration is correct and complete.
	Validate(ctx context.Context) error

	// Watch watches the config file and emits the reloaded configuration.
	Watch(ctx context.Context) <-chan Config

	// Reload re-reads configuration from sources.
	Reload(ctx context.Context) error
}

// DefaultConfigPath is used when no path is given.
const DefaultConfigPath = "/etc/kubilitics/forecast.yaml"

// NewConfigManager creates a new configuration manager.
func NewConfigManager(configPath string) (ConfigManager, error) {
	if configPath == "" {
		configPath = DefaultConfigPath
	}
	mgr := &viperConfigManager{
		configPath: configPath,
		config:     DefaultConfig(),
		watchChan:  make(chan Config, 1),
	}
	return mgr, nil
}
