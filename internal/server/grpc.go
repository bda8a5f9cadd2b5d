package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the gRPC health service name reported alongside "".
const ServiceName = "kubilitics.forecast.v1.Analytics"

// HealthServer is a gRPC listener carrying only the standard health and
// reflection services. Status follows the store's Ping.
type HealthServer struct {
	addr     string
	store    Pinger
	interval time.Duration
	logger   *zap.Logger

	server *grpc.Server
	health *health.Server
	ln     net.Listener

	stopOnce sync.Once
	done     chan struct{}
}

// NewHealthServer creates the gRPC health server for addr. A nil store is
// always SERVING.
func NewHealthServer(addr string, store Pinger, logger *zap.Logger) *HealthServer {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := grpc.NewServer(
		grpc.MaxRecvMsgSize(1<<20),
		grpc.ConnectionTimeout(30*time.Second),
	)
	hs := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, hs)
	reflection.Register(s)

	return &HealthServer{
		addr:     addr,
		store:    store,
		interval: 15 * time.Second,
		logger:   logger,
		server:   s,
		health:   hs,
		done:     make(chan struct{}),
	}
}

// Start listens and serves in the background, probing the store until ctx is
// done or Stop is called.
func (h *HealthServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", h.addr, err)
	}
	h.ln = ln
	h.probe(ctx)

	go func() {
		if err := h.server.Serve(ln); err != nil {
			h.logger.Error("gRPC server failed", zap.Error(err))
		}
	}()
	go h.watch(ctx)

	h.logger.Info("gRPC health server listening", zap.String("addr", ln.Addr().String()))
	return nil
}

// Addr returns the bound address, useful when listening on port 0.
func (h *HealthServer) Addr() string {
	if h.ln == nil {
		return h.addr
	}
	return h.ln.Addr().String()
}

func (h *HealthServer) watch(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.done:
			return
		case <-ticker.C:
			h.probe(ctx)
		}
	}
}

func (h *HealthServer) probe(ctx context.Context) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if h.store != nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := h.store.Ping(pingCtx)
		cancel()
		if err != nil {
			h.logger.Warn("Store ping failed", zap.Error(err))
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	h.setStatus(status)
}

func (h *HealthServer) setStatus(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	h.health.SetServingStatus("", status)
	h.health.SetServingStatus(ServiceName, status)
}

// Stop marks the service NOT_SERVING and stops gracefully, forcing after 5s.
func (h *HealthServer) Stop() {
	h.stopOnce.Do(func() {
		close(h.done)
		h.setStatus(grpc_health_v1.HealthCheckResponse_NOT_SERVING)

		stopped := make(chan struct{})
		go func() {
			h.server.GracefulStop()
			close(stopped)
		}()

		select {
		case <-stopped:
			h.logger.Info("gRPC server stopped gracefully")
		case <-time.After(5 * time.Second):
			h.logger.Warn("gRPC server forced to stop after timeout")
			h.server.Stop()
		}
	})
}
