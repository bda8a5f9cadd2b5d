package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/config"
)

func memoryConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Database.Type = "memory"
	return cfg
}

func TestBuildMemoryRuntime(t *testing.T) {
	now := time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)
	rt, err := Build(context.Background(), memoryConfig(), Options{Clock: func() time.Time { return now }})
	require.NoError(t, err)
	defer rt.Close()

	assert.Nil(t, rt.ClickHouse)
	require.NoError(t, rt.Ping(context.Background()))

	var events []timeseries.MeteringEvent
	for d := 1; d <= 10; d++ {
		events = append(events, timeseries.MeteringEvent{
			StartTime:   now.AddDate(0, 0, -d),
			ResourceID:  "WH_A",
			CreditsUsed: 50,
		})
	}
	require.NoError(t, rt.Engine.RecordMetering(context.Background(), events))

	res := rt.Engine.Forecast(context.Background(), 30, 7)
	require.True(t, res.Success, res.Error)
	assert.Len(t, res.Forecast, 7)
}

func TestBuildUnknownDatabase(t *testing.T) {
	cfg := memoryConfig()
	cfg.Database.Type = "oracle"
	_, err := Build(context.Background(), cfg, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oracle")
}

func TestEngineConfigMapping(t *testing.T) {
	cfg := memoryConfig()
	cfg.Cache.ForecastTTLMinutes = 5
	cfg.Cache.CapacityTTLMinutes = 7
	cfg.Capacity.ScaleUpQueueMs = 900
	cfg.Budget.UseForecastBurn = true

	ec := EngineConfig(cfg)
	assert.Equal(t, 5*time.Minute, ec.ForecastTTL)
	assert.Equal(t, 7*time.Minute, ec.CapacityTTL)
	assert.Equal(t, 900.0, ec.Capacity.ScaleUpQueueMs)
	assert.Equal(t, int64(100), ec.Capacity.ScaleDownMaxQueries)
	assert.True(t, ec.UseForecastBurn)
}

func TestServerConfigMapping(t *testing.T) {
	cfg := memoryConfig()
	cfg.Server.Port = 9100
	cfg.Server.GRPCPort = 0
	cfg.Server.ShutdownTimeoutSeconds = 3
	cfg.Budget.MonthlyBudget = 1200
	cfg.Anomaly.BurstWindowDays = 3

	sc := ServerConfig(cfg)
	assert.Equal(t, 9100, sc.Port)
	assert.Equal(t, 0, sc.GRPCPort)
	assert.Equal(t, 3*time.Second, sc.ShutdownTimeout)
	assert.Equal(t, 1200.0, sc.Defaults.MonthlyBudget)
	assert.Equal(t, 3, sc.Defaults.BurstWindowDays)
	assert.Equal(t, 50, sc.Defaults.AlertLimit)
}

func TestLoggingAndTracingMapping(t *testing.T) {
	cfg := memoryConfig()
	cfg.Logging.MaxSizeMB = 42
	cfg.Tracing.Endpoint = "otel:4317"

	assert.Equal(t, 42, LoggingConfig(cfg).MaxSize)
	tc := TracingConfig(cfg)
	assert.Equal(t, "otel:4317", tc.Endpoint)
	assert.Equal(t, "kubilitics-forecast", tc.ServiceName)
}
