package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/cache"
)

// PoolConfig holds Postgres pool settings.
type PoolConfig struct {
	DatabaseURL       string
	MaxConnections    int
	MinConnections    int
	MaxConnLifetime   time.Duration
	MaxConnIdleTime   time.Duration
	HealthCheckPeriod time.Duration
}

// DefaultPoolConfig returns pool settings for databaseURL.
func DefaultPoolConfig(databaseURL string) PoolConfig {
	return PoolConfig{
		DatabaseURL:       databaseURL,
		MaxConnections:    10,
		MinConnections:    1,
		MaxConnLifetime:   time.Hour,
		MaxConnIdleTime:   30 * time.Minute,
		HealthCheckPeriod: time.Minute,
	}
}

// pgMigrations are applied one statement at a time, in order.
var pgMigrations = []struct {
	version    int
	statements []string
}{
	{
		version: 1,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS result_cache (
                cache_key    TEXT PRIMARY KEY,
                cache_value  TEXT NOT NULL,
                expires_at   TIMESTAMPTZ NOT NULL,
                updated_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
            )`,
			`CREATE TABLE IF NOT EXISTS metering_history (
                id            BIGSERIAL PRIMARY KEY,
                start_time    TIMESTAMPTZ NOT NULL,
                resource_id   TEXT NOT NULL DEFAULT '',
                service_type  TEXT NOT NULL DEFAULT 'WAREHOUSE_METERING',
                credits_used  DOUBLE PRECISION NOT NULL DEFAULT 0
            )`,
			`CREATE INDEX IF NOT EXISTS idx_metering_start_time ON metering_history(start_time)`,
			`CREATE TABLE IF NOT EXISTS query_history (
                id             BIGSERIAL PRIMARY KEY,
                query_id       TEXT NOT NULL DEFAULT '',
                start_time     TIMESTAMPTZ NOT NULL,
                resource_id    TEXT NOT NULL DEFAULT '',
                resource_size  TEXT NOT NULL DEFAULT '',
                queued_ms      DOUBLE PRECISION NOT NULL DEFAULT 0,
                elapsed_ms     DOUBLE PRECISION NOT NULL DEFAULT 0
            )`,
			`CREATE INDEX IF NOT EXISTS idx_query_start_time ON query_history(start_time)`,
		},
	},
	{
		version: 2,
		statements: []string{
			`CREATE TABLE IF NOT EXISTS anomaly_log (
                id          TEXT PRIMARY KEY,
                event_time  TIMESTAMPTZ NOT NULL,
                metric      TEXT NOT NULL,
                value       DOUBLE PRECISION NOT NULL DEFAULT 0,
                threshold   DOUBLE PRECISION NOT NULL DEFAULT 0,
                z_score     DOUBLE PRECISION NOT NULL DEFAULT 0,
                details     JSONB NOT NULL DEFAULT '{}',
                is_alerted  BOOLEAN NOT NULL DEFAULT FALSE
            )`,
			`CREATE INDEX IF NOT EXISTS idx_anomaly_log_event_time ON anomaly_log(event_time DESC)`,
		},
	},
}

// postgresStore is the Postgres-backed implementation of Store.
type postgresStore struct {
	pool *pgxpool.Pool
	opts options
}

// NewPostgresStore connects a pool, verifies it and runs pending migrations.
func NewPostgresStore(ctx context.Context, cfg PoolConfig, opts ...Option) (Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolConfig.HealthCheckPeriod = cfg.HealthCheckPeriod

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := &postgresStore{pool: pool, opts: buildOptions(opts)}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *postgresStore) migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, `CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    )`); err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range pgMigrations {
		var applied bool
		if err := s.pool.QueryRow(ctx,
			`SELECT EXISTS (SELECT 1 FROM schema_versions WHERE version = $1)`, m.version).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if applied {
			continue
		}
		err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			for _, stmt := range m.statements {
				if _, err := tx.Exec(ctx, stmt); err != nil {
					return err
				}
			}
			_, err := tx.Exec(ctx, `INSERT INTO schema_versions(version) VALUES($1)`, m.version)
			return err
		})
		if err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *postgresStore) Close() error {
	s.pool.Close()
	return nil
}

func (s *postgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

// ─── Result cache ─────────────────────────────────────────────────────────────

func (s *postgresStore) Upsert(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx, `
        INSERT INTO result_cache (cache_key, cache_value, expires_at, updated_at)
        VALUES ($1, $2, $3, $4)
        ON CONFLICT (cache_key) DO UPDATE
        SET cache_value = EXCLUDED.cache_value,
            expires_at  = EXCLUDED.expires_at,
            updated_at  = EXCLUDED.updated_at
    `, key, string(value), expiresAt.UTC(), s.opts.now().UTC())
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (s *postgresStore) Read(ctx context.Context, key string) (*cache.Entry, error) {
	var value string
	var expires time.Time
	err := s.pool.QueryRow(ctx,
		`SELECT cache_value, expires_at FROM result_cache WHERE cache_key = $1`, key).Scan(&value, &expires)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	return &cache.Entry{Key: key, Value: []byte(value), ExpiresAt: expires.UTC()}, nil
}

func (s *postgresStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM result_cache WHERE cache_key = $1`, key)
	return err
}

func (s *postgresStore) DeleteAll(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM result_cache`)
	return err
}

// ─── Usage history ────────────────────────────────────────────────────────────

func (s *postgresStore) RecordMetering(ctx context.Context, events []timeseries.MeteringEvent) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		svc := e.ServiceType
		if svc == "" {
			svc = timeseries.DefaultServiceType
		}
		batch.Queue(`INSERT INTO metering_history (start_time, resource_id, service_type, credits_used)
                     VALUES ($1, $2, $3, $4)`, e.StartTime.UTC(), e.ResourceID, svc, e.CreditsUsed)
	}
	return s.sendBatch(ctx, batch, "metering")
}

func (s *postgresStore) RecordQueries(ctx context.Context, events []timeseries.QueryEvent) error {
	batch := &pgx.Batch{}
	for _, e := range events {
		batch.Queue(`INSERT INTO query_history (query_id, start_time, resource_id, resource_size, queued_ms, elapsed_ms)
                     VALUES ($1, $2, $3, $4, $5, $6)`,
			e.QueryID, e.StartTime.UTC(), e.ResourceID, e.ResourceSize, e.QueuedMs, e.ElapsedMs)
	}
	return s.sendBatch(ctx, batch, "query")
}

func (s *postgresStore) sendBatch(ctx context.Context, batch *pgx.Batch, kind string) error {
	if batch.Len() == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert %s rows: %w", kind, err)
		}
		return nil
	})
}

var pgSeries = map[timeseries.Metric]struct{ daily, hourly string }{
	timeseries.MetricCredits: {
		daily: `SELECT date_trunc('day', start_time AT TIME ZONE 'UTC') AS bucket, '' AS label, SUM(credits_used)::float8
                FROM metering_history WHERE service_type = 'WAREHOUSE_METERING' AND start_time >= $1
                GROUP BY bucket ORDER BY bucket`,
		hourly: `SELECT date_trunc('hour', start_time AT TIME ZONE 'UTC') AS bucket, resource_id, SUM(credits_used)::float8
                 FROM metering_history WHERE service_type = 'WAREHOUSE_METERING' AND start_time >= $1
                 GROUP BY resource_id, bucket ORDER BY bucket, resource_id`,
	},
	timeseries.MetricQueryCount: {
		daily: `SELECT date_trunc('day', start_time AT TIME ZONE 'UTC') AS bucket, '' AS label, COUNT(*)::float8
                FROM query_history WHERE start_time >= $1
                GROUP BY bucket ORDER BY bucket`,
		hourly: `SELECT date_trunc('hour', start_time AT TIME ZONE 'UTC') AS bucket, resource_id, COUNT(*)::float8
                 FROM query_history WHERE start_time >= $1
                 GROUP BY resource_id, bucket ORDER BY bucket, resource_id`,
	},
}

func (s *postgresStore) DailySeries(ctx context.Context, metric timeseries.Metric, windowDays int) ([]timeseries.Point, error) {
	q, ok := pgSeries[metric]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	return s.series(ctx, q.daily, windowDays)
}

func (s *postgresStore) HourlySeries(ctx context.Context, metric timeseries.Metric, windowDays int) ([]timeseries.Point, error) {
	q, ok := pgSeries[metric]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	return s.series(ctx, q.hourly, windowDays)
}

func (s *postgresStore) series(ctx context.Context, query string, windowDays int) ([]timeseries.Point, error) {
	rows, err := s.pool.Query(ctx, query, s.opts.since(windowDays))
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

func (s *postgresStore) ScalarTotal(ctx context.Context, metric timeseries.Metric, windowDays int) (float64, error) {
	var query string
	switch metric {
	case timeseries.MetricCredits:
		query = `SELECT COUNT(*), COALESCE(SUM(credits_used), 0)::float8 FROM metering_history
                 WHERE service_type = 'WAREHOUSE_METERING' AND start_time >= $1`
	case timeseries.MetricQueryCount:
		query = `SELECT COUNT(*), COUNT(*)::float8 FROM query_history WHERE start_time >= $1`
	default:
		return 0, fmt.Errorf("unknown metric %q", metric)
	}

	var rows int64
	var total float64
	if err := s.pool.QueryRow(ctx, query, s.opts.since(windowDays)).Scan(&rows, &total); err != nil {
		return 0, fmt.Errorf("query total: %w", err)
	}
	if rows == 0 {
		return 0, timeseries.ErrNoData
	}
	return total, nil
}

func (s *postgresStore) ResourceUsage(ctx context.Context, windowDays int) ([]timeseries.ResourceUsage, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT resource_id, resource_size, COUNT(*), AVG(queued_ms)::float8, AVG(elapsed_ms)::float8
        FROM query_history
        WHERE start_time >= $1 AND resource_id <> ''
        GROUP BY resource_id, resource_size
        ORDER BY COUNT(*) DESC, resource_id ASC
    `, s.opts.since(windowDays))
	if err != nil {
		return nil, fmt.Errorf("query resource usage: %w", err)
	}
	defer rows.Close()

	usage := []timeseries.ResourceUsage{}
	for rows.Next() {
		var u timeseries.ResourceUsage
		if err := rows.Scan(&u.ResourceID, &u.CurrentSize, &u.QueryCount, &u.AvgQueueMs, &u.AvgExecutionMs); err != nil {
			return nil, err
		}
		usage = append(usage, u)
	}
	return usage, rows.Err()
}

// ─── Anomaly log ──────────────────────────────────────────────────────────────

func (s *postgresStore) AppendAnomaly(ctx context.Context, entry *anomaly.LogEntry) error {
	details, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.pool.Exec(ctx, `
        INSERT INTO anomaly_log (id, event_time, metric, value, threshold, z_score, details, is_alerted)
        VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
    `, entry.ID, entry.EventTime.UTC(), entry.Metric, entry.Value,
		entry.Threshold, entry.ZScore, details, entry.IsAlerted)
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

func (s *postgresStore) RecentAnomalies(ctx context.Context, limit int) ([]anomaly.LogEntry, error) {
	rows, err := s.pool.Query(ctx, `
        SELECT id, event_time, metric, value, threshold, z_score, details::text, is_alerted
        FROM anomaly_log ORDER BY event_time DESC, id ASC LIMIT $1
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	entries := []anomaly.LogEntry{}
	for rows.Next() {
		var e anomaly.LogEntry
		var details string
		if err := rows.Scan(&e.ID, &e.EventTime, &e.Metric, &e.Value, &e.Threshold, &e.ZScore, &details, &e.IsAlerted); err != nil {
			return nil, err
		}
		e.EventTime = e.EventTime.UTC()
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("decode anomaly %s details: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
