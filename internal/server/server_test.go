package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics"
	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/db"
)

// ─── Helpers ─────────────────────────────────────────────────────────────────

var testNow = time.Date(2026, 3, 11, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return testNow }

type stubPinger struct{ err error }

func (p stubPinger) Ping(context.Context) error { return p.err }

// buildServer creates a Server over an in-memory store seeded with 14 days of
// 100 credits per day ending yesterday.
func buildServer(t *testing.T) (*Server, db.Store) {
	t.Helper()
	store := db.NewMemoryStore(db.WithClock(clock))
	today := timeseries.TruncateDay(testNow)
	var rows []timeseries.MeteringEvent
	for d := 14; d >= 1; d-- {
		rows = append(rows, timeseries.MeteringEvent{
			StartTime:   today.AddDate(0, 0, -d).Add(13 * time.Hour),
			ResourceID:  "COMPUTE_WH",
			ServiceType: timeseries.DefaultServiceType,
			CreditsUsed: 100,
		})
	}
	if err := store.RecordMetering(context.Background(), rows); err != nil {
		t.Fatalf("seed metering: %v", err)
	}

	engine := analytics.NewEngine(analytics.Deps{
		Source: store, Recorder: store, Store: store, Log: store, Clock: clock,
	}, analytics.DefaultConfig())

	srv, err := NewServer(DefaultConfig(), engine, store, nil)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	return srv, store
}

// doRequest runs a request through the fully wrapped handler.
func doRequest(t *testing.T, srv *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func decode(t *testing.T, rr *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var resp map[string]interface{}
	if err := json.Unmarshal(rr.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid JSON response %q: %v", rr.Body.String(), err)
	}
	return resp
}

// ─── Lifecycle ───────────────────────────────────────────────────────────────

func TestNewServerRequiresEngine(t *testing.T) {
	if _, err := NewServer(DefaultConfig(), nil, nil, nil); err == nil {
		t.Fatal("expected error for nil engine")
	}
}

func TestServerStartStop(t *testing.T) {
	srv, _ := buildServer(t)
	srv.config.Host = "127.0.0.1"
	srv.config.Port = 0
	srv.config.GRPCPort = 0

	if err := srv.Start(); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if !srv.IsRunning() {
		t.Error("expected server to be running")
	}
	if err := srv.Start(); err == nil {
		t.Error("expected error starting twice")
	}
	if err := srv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop() error: %v", err)
	}
	if srv.IsRunning() {
		t.Error("expected server to be stopped")
	}
	if err := srv.Stop(context.Background()); err == nil {
		t.Error("expected error stopping twice")
	}
}

// ─── Health ──────────────────────────────────────────────────────────────────

func TestHealth(t *testing.T) {
	srv, _ := buildServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/health", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if decode(t, rr)["status"] != "healthy" {
		t.Errorf("unexpected body: %s", rr.Body.String())
	}
	if rr.Header().Get(requestIDHeader) == "" {
		t.Error("expected a request id header")
	}
}

func TestReadyReflectsStorePing(t *testing.T) {
	srv, _ := buildServer(t)
	if rr := doRequest(t, srv, http.MethodGet, "/ready", ""); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}

	srv.store = stubPinger{err: errors.New("database is locked")}
	rr := doRequest(t, srv, http.MethodGet, "/ready", "")
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rr.Code)
	}
	if decode(t, rr)["status"] != "not_ready" {
		t.Errorf("unexpected body: %s", rr.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := buildServer(t)
	doRequest(t, srv, http.MethodGet, "/health", "")

	rr := doRequest(t, srv, http.MethodGet, "/metrics", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "kubilitics_forecast_http_requests_total") {
		t.Error("expected HTTP request counter in metrics output")
	}
}

// ─── Forecasting ─────────────────────────────────────────────────────────────

func TestForecast(t *testing.T) {
	srv, _ := buildServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/api/v1/forecast?history_days=30&forecast_days=7", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	resp := decode(t, rr)
	if resp["success"] != true {
		t.Fatalf("expected success, got %v", resp)
	}
	forecast, _ := resp["forecast"].([]interface{})
	if len(forecast) != 7 {
		t.Errorf("expected 7 forecast points, got %d", len(forecast))
	}
	if resp["trend_direction"] != "stable" {
		t.Errorf("expected stable trend on flat usage, got %v", resp["trend_direction"])
	}
}

func TestForecastVolumeWithoutQueries(t *testing.T) {
	srv, _ := buildServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/api/v1/forecast/volume", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode(t, rr)
	if resp["success"] != false || resp["error"] == "" {
		t.Errorf("expected a not-enough-data result, got %v", resp)
	}
}

func TestBadQueryParameters(t *testing.T) {
	srv, _ := buildServer(t)
	tests := []struct {
		path string
		want string
	}{
		{"/api/v1/forecast?history_days=abc", "history_days must be an integer"},
		{"/api/v1/forecast?history_days=0", "history_days must be at least 1"},
		{"/api/v1/forecast?forecast_days=1000", "forecast_days must be at most 365"},
		{"/api/v1/budget/projection?total_budget=-5", "total_budget must be at least 0"},
		{"/api/v1/budget/projection?total_budget=lots", "total_budget must be a number"},
		{"/api/v1/budget/projection?history_days=14&total_budget=Inf", "total_budget must be a finite number"},
		{"/api/v1/budget/projection?total_budget=%2BInf", "total_budget must be a finite number"},
		{"/api/v1/anomalies?z_threshold=Inf", "z_threshold must be a finite number"},
		{"/api/v1/anomalies/above-average?multiple=NaN", "multiple must be a finite number"},
		{"/api/v1/anomalies?z_threshold=0", "z_threshold must be greater than 0"},
		{"/api/v1/anomalies/bursts?window_days=0", "window_days must be at least 1"},
		{"/api/v1/anomalies/log?limit=-1", "limit must be at least 1"},
	}
	for _, tc := range tests {
		t.Run(tc.path, func(t *testing.T) {
			rr := doRequest(t, srv, http.MethodGet, tc.path, "")
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d", rr.Code)
			}
			if got, _ := decode(t, rr)["error"].(string); !strings.Contains(got, tc.want) {
				t.Errorf("expected error containing %q, got %q", tc.want, got)
			}
		})
	}
}

func TestWriteJSONEncodeFailure(t *testing.T) {
	rr := httptest.NewRecorder()
	writeJSON(rr, http.StatusOK, map[string]float64{"remaining": math.Inf(1)})
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rr.Code)
	}
	if got, _ := decode(t, rr)["error"].(string); got != "failed to encode response" {
		t.Errorf("unexpected error %q", got)
	}
}

// ─── Budget ──────────────────────────────────────────────────────────────────

func TestBudgetProjection(t *testing.T) {
	srv, _ := buildServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/api/v1/budget/projection?total_budget=2800&history_days=14", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode(t, rr)
	if resp["success"] != true {
		t.Fatalf("expected success, got %v", resp)
	}
	if resp["risk_level"] != "HIGH" {
		t.Errorf("expected HIGH risk, got %v", resp["risk_level"])
	}
	if resp["days_remaining"] == nil {
		t.Error("expected a bounded runway")
	}
}

func TestBudgetProjectionZeroBudget(t *testing.T) {
	srv, _ := buildServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/api/v1/budget/projection?total_budget=0&history_days=14", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if pct := decode(t, rr)["percentage_used"]; pct != 0.0 {
		t.Errorf("expected 0 percentage_used, got %v", pct)
	}
}

// ─── Anomalies ───────────────────────────────────────────────────────────────

func TestAnomaliesFlatSeries(t *testing.T) {
	srv, _ := buildServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/api/v1/anomalies?history_days=30", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode(t, rr)
	if resp["success"] != true {
		t.Fatalf("expected success, got %v", resp)
	}
	if n, _ := resp["anomaly_count"].(float64); n != 0 {
		t.Errorf("expected no anomalies on a flat series, got %v", n)
	}
}

func TestSentinelAndLog(t *testing.T) {
	srv, store := buildServer(t)
	yesterday := timeseries.TruncateDay(testNow).AddDate(0, 0, -1).Add(15 * time.Hour)
	if err := store.RecordMetering(context.Background(), []timeseries.MeteringEvent{
		{StartTime: yesterday, ResourceID: "COMPUTE_WH", ServiceType: timeseries.DefaultServiceType, CreditsUsed: 300},
	}); err != nil {
		t.Fatalf("seed spike: %v", err)
	}

	rr := doRequest(t, srv, http.MethodPost, "/api/v1/anomalies/sentinel", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if resp := decode(t, rr); resp["alerted"] != true {
		t.Fatalf("expected an alert, got %v", resp)
	}

	rr = doRequest(t, srv, http.MethodGet, "/api/v1/anomalies/log?limit=5", "")
	entries, _ := decode(t, rr)["entries"].([]interface{})
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
}

func TestSentinelRequiresPost(t *testing.T) {
	srv, _ := buildServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/api/v1/anomalies/sentinel", "")
	if rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405, got %d", rr.Code)
	}
}

// ─── Capacity ────────────────────────────────────────────────────────────────

func TestCapacityRecommend(t *testing.T) {
	srv, _ := buildServer(t)
	body := `{"stats":[
		{"resource_id":"ETL","current_size":"MEDIUM","query_count":40,"avg_queue_ms":7000},
		{"resource_id":"ADHOC","current_size":"LARGE","query_count":12,"avg_queue_ms":10}
	]}`
	rr := doRequest(t, srv, http.MethodPost, "/api/v1/capacity/recommendations", body)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rr.Code, rr.Body.String())
	}
	recs, _ := decode(t, rr)["recommendations"].([]interface{})
	if len(recs) != 2 {
		t.Fatalf("expected 2 recommendations, got %d", len(recs))
	}
	first := recs[0].(map[string]interface{})
	if first["action"] != "SCALE_UP" || first["suggested_size"] != "LARGE" {
		t.Errorf("unexpected first recommendation: %v", first)
	}
	second := recs[1].(map[string]interface{})
	if second["action"] != "SCALE_DOWN" || second["suggested_size"] != "MEDIUM" {
		t.Errorf("unexpected second recommendation: %v", second)
	}
}

func TestCapacityRecommendValidation(t *testing.T) {
	srv, _ := buildServer(t)
	tests := []struct {
		name string
		body string
		want string
	}{
		{"missing stats", `{}`, "stats is required"},
		{"missing size", `{"stats":[{"resource_id":"ETL","query_count":1}]}`, "current_size is required"},
		{"negative queue", `{"stats":[{"resource_id":"ETL","current_size":"SMALL","avg_queue_ms":-1}]}`, "avg_queue_ms must be at least 0"},
		{"unknown field", `{"stats":[],"extra":true}`, "invalid JSON body"},
		{"not json", `stats`, "invalid JSON body"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rr := doRequest(t, srv, http.MethodPost, "/api/v1/capacity/recommendations", tc.body)
			if rr.Code != http.StatusBadRequest {
				t.Fatalf("expected 400, got %d: %s", rr.Code, rr.Body.String())
			}
			if got, _ := decode(t, rr)["error"].(string); !strings.Contains(got, tc.want) {
				t.Errorf("expected error containing %q, got %q", tc.want, got)
			}
		})
	}
}

func TestCapacityFromSourceEmpty(t *testing.T) {
	srv, _ := buildServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/api/v1/capacity/recommendations?history_days=30", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	resp := decode(t, rr)
	if resp["success"] != false || resp["error"] != "No warehouse usage data" {
		t.Errorf("unexpected body: %v", resp)
	}
}

// ─── Ingest and cache ────────────────────────────────────────────────────────

func TestIngestQueriesThenCapacity(t *testing.T) {
	srv, _ := buildServer(t)
	body := `{"events":[
		{"start_time":"2026-03-10T09:00:00Z","resource_id":"ETL","resource_size":"MEDIUM","queued_ms":6000,"elapsed_ms":100},
		{"start_time":"2026-03-10T10:00:00Z","resource_id":"ETL","resource_size":"MEDIUM","queued_ms":8000,"elapsed_ms":300}
	]}`
	rr := doRequest(t, srv, http.MethodPost, "/api/v1/usage/queries", body)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rr.Code, rr.Body.String())
	}
	if n := decode(t, rr)["ingested"]; n != 2.0 {
		t.Errorf("expected 2 ingested, got %v", n)
	}

	rr = doRequest(t, srv, http.MethodGet, "/api/v1/capacity/recommendations?history_days=30", "")
	recs, _ := decode(t, rr)["recommendations"].([]interface{})
	if len(recs) != 1 {
		t.Fatalf("expected 1 recommendation, got %d: %s", len(recs), rr.Body.String())
	}
	if recs[0].(map[string]interface{})["action"] != "SCALE_UP" {
		t.Errorf("expected SCALE_UP, got %v", recs[0])
	}
}

func TestIngestMeteringValidation(t *testing.T) {
	srv, _ := buildServer(t)
	rr := doRequest(t, srv, http.MethodPost, "/api/v1/usage/metering", `{"events":[{"credits_used":1}]}`)
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rr.Code)
	}
	got, _ := decode(t, rr)["error"].(string)
	if !strings.Contains(got, "start_time is required") || !strings.Contains(got, "resource_id is required") {
		t.Errorf("unexpected error: %q", got)
	}
}

func TestIngestReadOnlyEngine(t *testing.T) {
	store := db.NewMemoryStore(db.WithClock(clock))
	engine := analytics.NewEngine(analytics.Deps{Source: store, Store: store, Log: store, Clock: clock}, analytics.DefaultConfig())
	srv, err := NewServer(DefaultConfig(), engine, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	rr := doRequest(t, srv, http.MethodPost, "/api/v1/usage/metering",
		`{"events":[{"start_time":"2026-03-10T09:00:00Z","resource_id":"WH","credits_used":1}]}`)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("expected 501, got %d", rr.Code)
	}
}

func TestCacheClear(t *testing.T) {
	srv, store := buildServer(t)
	doRequest(t, srv, http.MethodGet, "/api/v1/forecast?history_days=30&forecast_days=30", "")
	if _, err := store.Read(context.Background(), "forecast_daily_30_30"); err != nil {
		t.Fatalf("expected cached forecast: %v", err)
	}

	rr := doRequest(t, srv, http.MethodDelete, "/api/v1/cache?key=forecast_daily_30_30", "")
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if _, err := store.Read(context.Background(), "forecast_daily_30_30"); err == nil {
		t.Error("expected cache entry to be cleared")
	}
}

// ─── CORS ────────────────────────────────────────────────────────────────────

func TestCORSPreflight(t *testing.T) {
	srv, _ := buildServer(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/v1/forecast", nil)
	req.Header.Set("Origin", "https://dash.example.com")
	req.Header.Set("Access-Control-Request-Method", "GET")
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)

	if got := rr.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("expected wildcard allow origin, got %q", got)
	}
}

func TestAPIRateLimit(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RateLimitPerMinute = 2
	engine := analytics.NewEngine(analytics.Deps{Source: db.NewMemoryStore(db.WithClock(clock)), Clock: clock}, analytics.DefaultConfig())
	srv, err := NewServer(cfg, engine, nil, nil)
	if err != nil {
		t.Fatalf("NewServer() error: %v", err)
	}
	defer srv.limiter.Stop()

	for i := 0; i < 2; i++ {
		if rr := doRequest(t, srv, http.MethodGet, "/api/v1/anomalies/log", ""); rr.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, rr.Code)
		}
	}
	rr := doRequest(t, srv, http.MethodGet, "/api/v1/anomalies/log", "")
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", rr.Code)
	}

	// Probes are outside /api/v1 and never limited.
	if rr := doRequest(t, srv, http.MethodGet, "/health", ""); rr.Code != http.StatusOK {
		t.Errorf("expected /health to bypass the limiter, got %d", rr.Code)
	}
}
