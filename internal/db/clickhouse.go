package db

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Debug    bool
}

// ClickHouseSource is a read-only Metrics Source over metering_history and
// query_history tables kept in ClickHouse. It owns no cache or anomaly state.
type ClickHouseSource struct {
	conn driver.Conn
	opts options
}

// NewClickHouseSource opens a native-protocol connection and pings it.
func NewClickHouseSource(ctx context.Context, cfg ClickHouseConfig, opts ...Option) (*ClickHouseSource, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		Debug: cfg.Debug,
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		Compression: &clickhouse.Compression{
			Method: clickhouse.CompressionLZ4,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ping ClickHouse: %w", err)
	}
	return &ClickHouseSource{conn: conn, opts: buildOptions(opts)}, nil
}

// Ping checks database connectivity.
func (s *ClickHouseSource) Ping(ctx context.Context) error { return s.conn.Ping(ctx) }

// Close closes the connection.
func (s *ClickHouseSource) Close() error { return s.conn.Close() }

var chSeries = map[timeseries.Metric]struct{ daily, hourly string }{
	timeseries.MetricCredits: {
		daily: `SELECT toDateTime(toDate(start_time, 'UTC'), 'UTC') AS bucket, '' AS label, sum(credits_used) AS value
                FROM metering_history WHERE service_type = 'WAREHOUSE_METERING' AND start_time >= ?
                GROUP BY bucket ORDER BY bucket`,
		hourly: `SELECT toStartOfHour(start_time, 'UTC') AS bucket, resource_id AS label, sum(credits_used) AS value
                 FROM metering_history WHERE service_type = 'WAREHOUSE_METERING' AND start_time >= ?
                 GROUP BY label, bucket ORDER BY bucket, label`,
	},
	timeseries.MetricQueryCount: {
		daily: `SELECT toDateTime(toDate(start_time, 'UTC'), 'UTC') AS bucket, '' AS label, toFloat64(count()) AS value
                FROM query_history WHERE start_time >= ?
                GROUP BY bucket ORDER BY bucket`,
		hourly: `SELECT toStartOfHour(start_time, 'UTC') AS bucket, resource_id AS label, toFloat64(count()) AS value
                 FROM query_history WHERE start_time >= ?
                 GROUP BY label, bucket ORDER BY bucket, label`,
	},
}

func (s *ClickHouseSource) DailySeries(ctx context.Context, metric timeseries.Metric, windowDays int) ([]timeseries.Point, error) {
	q, ok := chSeries[metric]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	return s.series(ctx, q.daily, windowDays)
}

func (s *ClickHouseSource) HourlySeries(ctx context.Context, metric timeseries.Metric, windowDays int) ([]timeseries.Point, error) {
	q, ok := chSeries[metric]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	return s.series(ctx, q.hourly, windowDays)
}

func (s *ClickHouseSource) series(ctx context.Context, query string, windowDays int) ([]timeseries.Point, error) {
	rows, err := s.conn.Query(ctx, query, s.opts.since(windowDays))
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	points := []timeseries.Point{}
	for rows.Next() {
		var p timeseries.Point
		if err := rows.Scan(&p.Timestamp, &p.Label, &p.Value); err != nil {
			return nil, err
		}
		p.Timestamp = p.Timestamp.UTC()
		points = append(points, p)
	}
	return points, rows.Err()
}

func (s *ClickHouseSource) ScalarTotal(ctx context.Context, metric timeseries.Metric, windowDays int) (float64, error) {
	var query string
	switch metric {
	case timeseries.MetricCredits:
		query = `SELECT count(), sum(credits_used) FROM metering_history
                 WHERE service_type = 'WAREHOUSE_METERING' AND start_time >= ?`
	case timeseries.MetricQueryCount:
		query = `SELECT count(), toFloat64(count()) FROM query_history WHERE start_time >= ?`
	default:
		return 0, fmt.Errorf("unknown metric %q", metric)
	}

	var rows uint64
	var total float64
	if err := s.conn.QueryRow(ctx, query, s.opts.since(windowDays)).Scan(&rows, &total); err != nil {
		return 0, fmt.Errorf("query total: %w", err)
	}
	if rows == 0 {
		return 0, timeseries.ErrNoData
	}
	return total, nil
}

func (s *ClickHouseSource) ResourceUsage(ctx context.Context, windowDays int) ([]timeseries.ResourceUsage, error) {
	rows, err := s.conn.Query(ctx, `
        SELECT resource_id, resource_size, count() AS queries, avg(queued_ms), avg(elapsed_ms)
        FROM query_history
        WHERE start_time >= ? AND resource_id != ''
        GROUP BY resource_id, resource_size
        ORDER BY queries DESC, resource_id ASC
    `, s.opts.since(windowDays))
	if err != nil {
		return nil, fmt.Errorf("query resource usage: %w", err)
	}
	defer rows.Close()

	usage := []timeseries.ResourceUsage{}
	for rows.Next() {
		var u timeseries.ResourceUsage
		var count uint64
		if err := rows.Scan(&u.ResourceID, &u.CurrentSize, &count, &u.AvgQueueMs, &u.AvgExecutionMs); err != nil {
			return nil, err
		}
		u.QueryCount = int64(count)
		usage = append(usage, u)
	}
	return usage, rows.Err()
}
