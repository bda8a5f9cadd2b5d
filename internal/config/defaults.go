package config

// DefaultConfig returns a configuration with all default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	// Server defaults
	cfg.Server.Host = "0.0.0.0"
	cfg.Server.Port = 8090
	cfg.Server.GRPCPort = 8091
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Server.ReadTimeoutSeconds = 15
	cfg.Server.WriteTimeoutSeconds = 30
	cfg.Server.ShutdownTimeoutSeconds = 10
	cfg.Server.RateLimitPerMinute = 600

	// Database defaults
	cfg.Database.Type = "sqlite"
	cfg.Database.SQLitePath = "/var/lib/kubilitics/forecast.db"

	// Metrics source defaults
	cfg.MetricsSource.Type = "database"
	cfg.MetricsSource.ClickHouse.Addr = "localhost:9000"
	cfg.MetricsSource.ClickHouse.Database = "default"
	cfg.MetricsSource.ClickHouse.Username = "default"

	// Cache defaults
	cfg.Cache.ForecastTTLMinutes = 60
	cfg.Cache.CapacityTTLMinutes = 120

	cfg.Forecast.HistoryDays = 30
	cfg.Forecast.ForecastDays = 30

	cfg.Budget.MonthlyBudget = 0 // 0 means the caller must pass total_budget
	cfg.Budget.HistoryDays = 30
	cfg.Budget.UseForecastBurn = false

	cfg.Anomaly.ZThreshold = 2.0
	cfg.Anomaly.HistoryDays = 30
	cfg.Anomaly.BurstWindowDays = 7
	cfg.Anomaly.AboveAverageMultiple = 2.0
	cfg.Anomaly.SentinelIntervalMinutes = 0

	cfg.Capacity.ScaleUpQueueMs = 5000
	cfg.Capacity.ScaleDownMaxQueries = 100
	cfg.Capacity.ScaleDownMaxQueueMs = 1000
	cfg.Capacity.HistoryDays = 30

	// Logging defaults
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Logging.MaxSizeMB = 100
	cfg.Logging.MaxBackups = 10
	cfg.Logging.MaxAgeDays = 30
	cfg.Logging.Compress = true

	// Tracing defaults
	cfg.Tracing.Protocol = "grpc"
	cfg.Tracing.SamplingRate = 1.0
	cfg.Tracing.ServiceName = "kubilitics-forecast"

	return cfg
}
