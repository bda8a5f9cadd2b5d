package db

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
)

// The ClickHouse test expects metering_history and query_history to exist in
// the target database; it only checks that the queries are accepted.
func TestClickHouseSource(t *testing.T) {
	addr := os.Getenv("KUBILITICS_FORECAST_TEST_CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("KUBILITICS_FORECAST_TEST_CLICKHOUSE_ADDR not set")
	}
	ctx := context.Background()
	src, err := NewClickHouseSource(ctx, ClickHouseConfig{Addr: addr, Database: "default", Username: "default"})
	require.NoError(t, err)
	defer src.Close()

	_, err = src.DailySeries(ctx, timeseries.MetricCredits, 30)
	assert.NoError(t, err)
	_, err = src.HourlySeries(ctx, timeseries.MetricQueryCount, 7)
	assert.NoError(t, err)
	_, err = src.ResourceUsage(ctx, 30)
	assert.NoError(t, err)
}

func TestClickHouseSourceImplementsSource(t *testing.T) {
	var _ timeseries.Source = (*ClickHouseSource)(nil)
}
