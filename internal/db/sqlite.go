package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver (no CGO required)

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/anomaly"
	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/cache"
)

// migrations define the forecast schema. Applied versions are tracked in the
// schema_versions table.
var migrations = []struct {
	version int
	sql     string
}{
	{
		version: 1,
		sql: `
CREATE TABLE IF NOT EXISTS result_cache (
    cache_key    TEXT PRIMARY KEY,
    cache_value  TEXT NOT NULL,
    expires_at   TEXT NOT NULL,
    updated_at   TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS metering_history (
    id            INTEGER PRIMARY KEY AUTOINCREMENT,
    start_time    TEXT NOT NULL,
    resource_id   TEXT NOT NULL DEFAULT '',
    service_type  TEXT NOT NULL DEFAULT 'WAREHOUSE_METERING',
    credits_used  REAL NOT NULL DEFAULT 0.0
);
CREATE INDEX IF NOT EXISTS idx_metering_start_time ON metering_history(start_time);

CREATE TABLE IF NOT EXISTS query_history (
    id             INTEGER PRIMARY KEY AUTOINCREMENT,
    query_id       TEXT NOT NULL DEFAULT '',
    start_time     TEXT NOT NULL,
    resource_id    TEXT NOT NULL DEFAULT '',
    resource_size  TEXT NOT NULL DEFAULT '',
    queued_ms      REAL NOT NULL DEFAULT 0.0,
    elapsed_ms     REAL NOT NULL DEFAULT 0.0
);
CREATE INDEX IF NOT EXISTS idx_query_start_time ON query_history(start_time);
`,
	},
	{
		version: 2,
		sql: `
CREATE TABLE IF NOT EXISTS anomaly_log (
    id          TEXT PRIMARY KEY,
    event_time  TEXT NOT NULL,
    metric      TEXT NOT NULL,
    value       REAL NOT NULL DEFAULT 0.0,
    threshold   REAL NOT NULL DEFAULT 0.0,
    z_score     REAL NOT NULL DEFAULT 0.0,
    details     TEXT NOT NULL DEFAULT '{}',
    is_alerted  BOOLEAN NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_anomaly_log_event_time ON anomaly_log(event_time DESC);
`,
	},
}

// sqliteStore is the SQLite-backed implementation of Store.
type sqliteStore struct {
	db   *sql.DB
	opts options
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path and
// runs all pending schema migrations. Pass ":memory:" for an in-memory store.
func NewSQLiteStore(path string, opts ...Option) (Store, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	if path == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(`PRAGMA busy_timeout=5000`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	s := &sqliteStore{db: db, opts: buildOptions(opts)}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

// migrate applies any unapplied migrations in order.
func (s *sqliteStore) migrate() error {
	_, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_versions (
        version    INTEGER PRIMARY KEY,
        applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
    )`)
	if err != nil {
		return fmt.Errorf("create schema_versions: %w", err)
	}

	for _, m := range migrations {
		var count int
		err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_versions WHERE version = ?`, m.version).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %d: %w", m.version, err)
		}
		if count > 0 {
			continue
		}
		if _, err := s.db.Exec(m.sql); err != nil {
			return fmt.Errorf("apply migration %d: %w", m.version, err)
		}
		if _, err := s.db.Exec(`INSERT INTO schema_versions(version) VALUES(?)`, m.version); err != nil {
			return fmt.Errorf("record migration %d: %w", m.version, err)
		}
	}
	return nil
}

func (s *sqliteStore) Close() error { return s.db.Close() }

func (s *sqliteStore) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// ─── Result cache ─────────────────────────────────────────────────────────────

func (s *sqliteStore) Upsert(ctx context.Context, key string, value []byte, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO result_cache(cache_key, cache_value, expires_at, updated_at)
        VALUES(?,?,?,?)
        ON CONFLICT(cache_key) DO UPDATE SET
            cache_value = excluded.cache_value,
            expires_at  = excluded.expires_at,
            updated_at  = excluded.updated_at
    `, key, string(value), formatTime(expiresAt), formatTime(s.opts.now()))
	if err != nil {
		return fmt.Errorf("upsert cache entry: %w", err)
	}
	return nil
}

func (s *sqliteStore) Read(ctx context.Context, key string) (*cache.Entry, error) {
	var value, expires string
	err := s.db.QueryRowContext(ctx,
		`SELECT cache_value, expires_at FROM result_cache WHERE cache_key = ?`, key).Scan(&value, &expires)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cache.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("read cache entry: %w", err)
	}
	exp, err := parseTime(expires)
	if err != nil {
		return nil, err
	}
	return &cache.Entry{Key: key, Value: []byte(value), ExpiresAt: exp}, nil
}

func (s *sqliteStore) Delete(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM result_cache WHERE cache_key = ?`, key)
	return err
}

func (s *sqliteStore) DeleteAll(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM result_cache`)
	return err
}

// ─── Usage history ────────────────────────────────────────────────────────────

func (s *sqliteStore) RecordMetering(ctx context.Context, events []timeseries.MeteringEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO metering_history(start_time, resource_id, service_type, credits_used)
        VALUES(?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare metering insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		svc := e.ServiceType
		if svc == "" {
			svc = timeseries.DefaultServiceType
		}
		if _, err := stmt.ExecContext(ctx, formatTime(e.StartTime), e.ResourceID, svc, e.CreditsUsed); err != nil {
			return fmt.Errorf("insert metering row: %w", err)
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) RecordQueries(ctx context.Context, events []timeseries.QueryEvent) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
        INSERT INTO query_history(query_id, start_time, resource_id, resource_size, queued_ms, elapsed_ms)
        VALUES(?,?,?,?,?,?)`)
	if err != nil {
		return fmt.Errorf("prepare query insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		if _, err := stmt.ExecContext(ctx, e.QueryID, formatTime(e.StartTime),
			e.ResourceID, e.ResourceSize, e.QueuedMs, e.ElapsedMs); err != nil {
			return fmt.Errorf("insert query row: %w", err)
		}
	}
	return tx.Commit()
}

// sqliteSeries holds the aggregate query per metric. Timestamps are stored
// fixed-width, so substr() yields the day or hour bucket.
var sqliteSeries = map[timeseries.Metric]struct{ daily, hourly string }{
	timeseries.MetricCredits: {
		daily: `SELECT substr(start_time, 1, 10) AS bucket, '' AS label, SUM(credits_used)
                FROM metering_history WHERE service_type = 'WAREHOUSE_METERING' AND start_time >= ?
                GROUP BY bucket ORDER BY bucket`,
		hourly: `SELECT substr(start_time, 1, 13) AS bucket, resource_id, SUM(credits_used)
                 FROM metering_history WHERE service_type = 'WAREHOUSE_METERING' AND start_time >= ?
                 GROUP BY resource_id, bucket ORDER BY bucket, resource_id`,
	},
	timeseries.MetricQueryCount: {
		daily: `SELECT substr(start_time, 1, 10) AS bucket, '' AS label, COUNT(*)
                FROM query_history WHERE start_time >= ?
                GROUP BY bucket ORDER BY bucket`,
		hourly: `SELECT substr(start_time, 1, 13) AS bucket, resource_id, COUNT(*)
                 FROM query_history WHERE start_time >= ?
                 GROUP BY resource_id, bucket ORDER BY bucket, resource_id`,
	},
}

func (s *sqliteStore) DailySeries(ctx context.Context, metric timeseries.Metric, windowDays int) ([]timeseries.Point, error) {
	q, ok := sqliteSeries[metric]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	return s.series(ctx, q.daily, dayLayout, windowDays)
}

func (s *sqliteStore) HourlySeries(ctx context.Context, metric timeseries.Metric, windowDays int) ([]timeseries.Point, error) {
	q, ok := sqliteSeries[metric]
	if !ok {
		return nil, fmt.Errorf("unknown metric %q", metric)
	}
	return s.series(ctx, q.hourly, hourLayout, windowDays)
}

func (s *sqliteStore) series(ctx context.Context, query, layout string, windowDays int) ([]timeseries.Point, error) {
	rows, err := s.db.QueryContext(ctx, query, formatTime(s.opts.since(windowDays)))
	if err != nil {
		return nil, fmt.Errorf("query series: %w", err)
	}
	defer rows.Close()

	points := []timeseries.Point{}
	for rows.Next() {
		var bucket, label string
		var value float64
		if err := rows.Scan(&bucket, &label, &value); err != nil {
			return nil, err
		}
		ts, err := time.ParseInLocation(layout, bucket, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("parse bucket %q: %w", bucket, err)
		}
		points = append(points, timeseries.Point{Timestamp: ts, Value: value, Label: label})
	}
	return points, rows.Err()
}

func (s *sqliteStore) ScalarTotal(ctx context.Context, metric timeseries.Metric, windowDays int) (float64, error) {
	var query string
	switch metric {
	case timeseries.MetricCredits:
		query = `SELECT COUNT(*), COALESCE(SUM(credits_used), 0) FROM metering_history
                 WHERE service_type = 'WAREHOUSE_METERING' AND start_time >= ?`
	case timeseries.MetricQueryCount:
		query = `SELECT COUNT(*), COUNT(*) FROM query_history WHERE start_time >= ?`
	default:
		return 0, fmt.Errorf("unknown metric %q", metric)
	}

	var rows int64
	var total float64
	if err := s.db.QueryRowContext(ctx, query, formatTime(s.opts.since(windowDays))).Scan(&rows, &total); err != nil {
		return 0, fmt.Errorf("query total: %w", err)
	}
	if rows == 0 {
		return 0, timeseries.ErrNoData
	}
	return total, nil
}

func (s *sqliteStore) ResourceUsage(ctx context.Context, windowDays int) ([]timeseries.ResourceUsage, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT resource_id, resource_size, COUNT(*), AVG(queued_ms), AVG(elapsed_ms)
        FROM query_history
        WHERE start_time >= ? AND resource_id <> ''
        GROUP BY resource_id, resource_size
        ORDER BY COUNT(*) DESC, resource_id ASC
    `, formatTime(s.opts.since(windowDays)))
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

func (s *sqliteStore) AppendAnomaly(ctx context.Context, entry *anomaly.LogEntry) error {
	details, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
        INSERT INTO anomaly_log(id, event_time, metric, value, threshold, z_score, details, is_alerted)
        VALUES(?,?,?,?,?,?,?,?)
    `, entry.ID, formatTime(entry.EventTime), entry.Metric, entry.Value,
		entry.Threshold, entry.ZScore, details, entry.IsAlerted)
	if err != nil {
		return fmt.Errorf("insert anomaly: %w", err)
	}
	return nil
}

func (s *sqliteStore) RecentAnomalies(ctx context.Context, limit int) ([]anomaly.LogEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, event_time, metric, value, threshold, z_score, details, is_alerted
        FROM anomaly_log ORDER BY event_time DESC, id ASC LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("query anomalies: %w", err)
	}
	defer rows.Close()

	entries := []anomaly.LogEntry{}
	for rows.Next() {
		var e anomaly.LogEntry
		var ts, details string
		if err := rows.Scan(&e.ID, &ts, &e.Metric, &e.Value, &e.Threshold, &e.ZScore, &details, &e.IsAlerted); err != nil {
			return nil, err
		}
		e.EventTime, _ = parseTime(ts)
		if err := json.Unmarshal([]byte(details), &e.Details); err != nil {
			return nil, fmt.Errorf("decode anomaly %s details: %w", e.ID, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// ─── Helpers ─────────────────────────────────────────────────────────────────

const (
	// storedTimeLayout is fixed-width so lexical order matches time order.
	storedTimeLayout = "2006-01-02T15:04:05.000000000Z"
	dayLayout        = "2006-01-02"
	hourLayout       = "2006-01-02T15"
)

func formatTime(t time.Time) string {
	return t.UTC().Format(storedTimeLayout)
}

// parseTime handles the stored layout plus the formats SQLite itself writes.
func parseTime(s string) (time.Time, error) {
	layouts := []string{
		storedTimeLayout,
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999Z07:00",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
	}
	for _, l := range layouts {
		if t, err := time.Parse(l, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("cannot parse time %q", s)
}

func marshalDetails(details map[string]any) (string, error) {
	if details == nil {
		return "{}", nil
	}
	b, err := json.Marshal(details)
	if err != nil {
		return "", fmt.Errorf("encode anomaly details: %w", err)
	}
	return string(b), nil
}
