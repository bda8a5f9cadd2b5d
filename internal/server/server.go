package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics"
	"github.com/kubilitics/kubilitics-forecast/internal/middleware"
)

// Config holds the listener and request-default settings of the API server.
type Config struct {
	Host            string
	Port            int
	GRPCPort        int // 0 disables the gRPC health listener
	AllowedOrigins  []string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration

	// RateLimitPerMinute caps /api/v1 requests per client; 0 disables it.
	RateLimitPerMinute int

	Defaults Defaults
}

// Defaults fill query parameters the caller leaves out.
type Defaults struct {
	HistoryDays          int
	ForecastDays         int
	MonthlyBudget        float64
	BudgetHistoryDays    int
	ZThreshold           float64
	AnomalyHistoryDays   int
	BurstWindowDays      int
	AboveAverageMultiple float64
	CapacityHistoryDays  int
	AlertLimit           int
}

// DefaultConfig mirrors the service configuration defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8090,
		GRPCPort:        8091,
		AllowedOrigins:  []string{"*"},
		ReadTimeout:     15 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,

		RateLimitPerMinute: 600,

		Defaults: Defaults{
			HistoryDays:          30,
			ForecastDays:         30,
			BudgetHistoryDays:    30,
			ZThreshold:           2.0,
			AnomalyHistoryDays:   30,
			BurstWindowDays:      7,
			AboveAverageMultiple: 2.0,
			CapacityHistoryDays:  30,
			AlertLimit:           50,
		},
	}
}

// Pinger reports store health for /ready and the gRPC health service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the analytics engine over HTTP, WebSocket and gRPC health.
type Server struct {
	config   Config
	engine   *analytics.Engine
	store    Pinger
	logger   *zap.Logger
	validate *validator.Validate
	upgrader websocket.Upgrader
	limiter  *middleware.RateLimiter

	handler    http.Handler
	httpServer *http.Server
	grpc       *HealthServer

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	running bool
}

// NewServer wires the router. store may be nil, in which case /ready only
// reflects whether the server is running.
func NewServer(cfg Config, engine *analytics.Engine, store Pinger, logger *zap.Logger) (*Server, error) {
	if engine == nil {
		return nil, errors.New("engine cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())

	s := &Server{
		config:   cfg,
		engine:   engine,
		store:    store,
		logger:   logger.Named("server"),
		validate: newValidator(),
		ctx:      ctx,
		cancel:   cancel,
	}
	if cfg.RateLimitPerMinute > 0 {
		s.limiter = middleware.NewRateLimiter(cfg.RateLimitPerMinute)
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     s.checkOrigin,
	}
	s.handler = s.buildHandler()
	return s, nil
}

// Handler returns the fully wrapped HTTP handler (CORS, tracing, routing).
func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) buildHandler() http.Handler {
	router := mux.NewRouter()
	s.registerRoutes(router)

	router.Use(requestIDMiddleware)
	router.Use(s.loggingMiddleware)
	router.Use(s.recoveryMiddleware)

	traced := otelhttp.NewHandler(router, "kubilitics-forecast",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			return r.Method + " " + r.URL.Path
		}),
	)

	c := cors.New(cors.Options{
		AllowedOrigins:   s.config.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Content-Type", "Authorization", requestIDHeader},
		AllowCredentials: !allowsAny(s.config.AllowedOrigins),
	})
	return c.Handler(traced)
}

func (s *Server) registerRoutes(router *mux.Router) {
	router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	router.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/ws/analytics", s.handleWebSocket).Methods(http.MethodGet)

	api := router.PathPrefix("/api/v1").Subrouter()
	if s.limiter != nil {
		api.Use(s.limiter.Middleware)
	}

	// Forecasting
	api.HandleFunc("/forecast", s.handleForecast).Methods(http.MethodGet)
	api.HandleFunc("/forecast/volume", s.handleForecastVolume).Methods(http.MethodGet)

	// Budget
	api.HandleFunc("/budget/projection", s.handleBudgetProjection).Methods(http.MethodGet)

	// Anomalies
	api.HandleFunc("/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	api.HandleFunc("/anomalies/above-average", s.handleAboveAverage).Methods(http.MethodGet)
	api.HandleFunc("/anomalies/bursts", s.handleBursts).Methods(http.MethodGet)
	api.HandleFunc("/anomalies/sentinel", s.handleSentinel).Methods(http.MethodPost)
	api.HandleFunc("/anomalies/log", s.handleAnomalyLog).Methods(http.MethodGet)

	// Capacity
	api.HandleFunc("/capacity/recommendations", s.handleCapacityFromSource).Methods(http.MethodGet)
	api.HandleFunc("/capacity/recommendations", s.handleCapacityRecommend).Methods(http.MethodPost)

	// Cache and ingest
	api.HandleFunc("/cache", s.handleCacheClear).Methods(http.MethodDelete)
	api.HandleFunc("/usage/metering", s.handleIngestMetering).Methods(http.MethodPost)
	api.HandleFunc("/usage/queries", s.handleIngestQueries).Methods(http.MethodPost)
}

// Start binds the listeners and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is already running")
	}
	s.running = true
	s.mu.Unlock()

	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.setRunning(false)
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:      s.handler,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("HTTP server error", zap.Error(err))
		}
	}()
	s.logger.Info("HTTP server listening", zap.String("addr", ln.Addr().String()))

	if s.config.GRPCPort > 0 {
		s.grpc = NewHealthServer(fmt.Sprintf("%s:%d", s.config.Host, s.config.GRPCPort), s.store, s.logger)
		if err := s.grpc.Start(s.ctx); err != nil {
			_ = s.httpServer.Close()
			s.setRunning(false)
			return err
		}
	}
	return nil
}

// Stop gracefully stops the listeners and closes open WebSocket sessions.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return fmt.Errorf("server is not running")
	}
	s.running = false
	s.mu.Unlock()

	if s.grpc != nil {
		s.grpc.Stop()
	}

	var err error
	if s.httpServer != nil {
		timeout := s.config.ShutdownTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()
		if err = s.httpServer.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("HTTP server forced to shutdown", zap.Error(err))
		}
	}

	s.cancel()
	s.wg.Wait()
	if s.limiter != nil {
		s.limiter.Stop()
	}
	s.logger.Info("Server stopped")
	return err
}

// IsRunning returns whether the server is running.
func (s *Server) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

func (s *Server) setRunning(v bool) {
	s.mu.Lock()
	s.running = v
	s.mu.Unlock()
}

func allowsAny(origins []string) bool {
	for _, o := range origins {
		if o == "*" {
			return true
		}
	}
	return false
}

// checkOrigin applies the CORS origin list to WebSocket upgrades. Requests
// without an Origin header come from non-browser clients and are allowed.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || allowsAny(s.config.AllowedOrigins) {
		return true
	}
	for _, o := range s.config.AllowedOrigins {
		if strings.EqualFold(o, origin) {
			return true
		}
	}
	return false
}
