package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Forecast service metrics for production monitoring
var (
	// Result cache metrics
	CacheOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_forecast_cache_operations_total",
			Help: "Total number of result cache operations",
		},
		[]string{"op", "result"}, // op: get/set/clear, result: hit/miss/ok/error
	)

	// Forecast metrics
	ForecastRuns = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_forecast_runs_total",
			Help: "Total number of forecast computations",
		},
		[]string{"kind", "status"}, // kind: daily/volume, status: ok/cached/insufficient/error
	)

	ForecastDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_forecast_duration_seconds",
			Help:    "Forecast computation duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"kind"},
	)

	// Budget metrics
	BudgetDaysRemaining = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_forecast_budget_days_remaining",
			Help: "Projected days of budget runway (-1 when unbounded)",
		},
	)

	BudgetPercentageUsed = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_forecast_budget_percentage_used",
			Help: "Percentage of the budget consumed in the last projection",
		},
	)

	// Anomaly metrics
	AnomaliesFlagged = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_forecast_anomalies_flagged_total",
			Help: "Total number of points flagged as anomalous",
		},
		[]string{"detector"}, // detector: zscore/above_average/sentinel
	)

	BurstsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_forecast_bursts_total",
			Help: "Total number of hourly burst rows by severity",
		},
		[]string{"severity"},
	)

	// Capacity metrics
	Recommendations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_forecast_recommendations_total",
			Help: "Total number of sizing recommendations by action",
		},
		[]string{"action"},
	)

	// Ingest metrics
	RowsIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_forecast_rows_ingested_total",
			Help: "Total number of raw usage rows ingested",
		},
		[]string{"kind"}, // kind: metering/query
	)

	// HTTP metrics
	HTTPRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_forecast_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"route", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kubilitics_forecast_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.5s
		},
		[]string{"route"},
	)

	// WebSocket metrics
	WebSocketConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "kubilitics_forecast_websocket_connections",
			Help: "Current number of active WebSocket connections",
		},
	)

	WebSocketMessagesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kubilitics_forecast_websocket_messages_total",
			Help: "Total number of WebSocket messages",
		},
		[]string{"direction"}, // direction: inbound/outbound
	)
)
