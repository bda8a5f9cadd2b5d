package analytics

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/anomaly"
)

// SentinelChecker is the one call the scheduler drives.
type SentinelChecker interface {
	CheckSentinel(ctx context.Context) *anomaly.SentinelResult
}

// Scheduler runs the daily cost sentinel on a fixed interval.
type Scheduler struct {
	mu sync.RWMutex

	checker  SentinelChecker
	interval time.Duration
	logger   *zap.Logger

	stopOnce sync.Once
	stopCh   chan struct{}
	doneCh   chan struct{}

	last *anomaly.SentinelResult
}

// NewScheduler creates a scheduler. interval <= 0 defaults to 24h.
func NewScheduler(checker SentinelChecker, interval time.Duration, logger *zap.Logger) *Scheduler {
	if interval <= 0 {
		interval = 24 * time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		checker:  checker,
		interval: interval,
		logger:   logger,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
}

// Start runs one check immediately, then one per interval, until Stop or ctx.
func (s *Scheduler) Start(ctx context.Context) {
	go func() {
		defer close(s.doneCh)
		ticker := time.NewTicker(s.interval)
		defer ticker.Stop()

		s.run(ctx)
		for {
			select {
			case <-ticker.C:
				s.run(ctx)
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop halts the scheduler and waits for an in-flight check to finish.
// Safe to call more than once; must follow Start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() { close(s.stopCh) })
	<-s.doneCh
}

// Last returns the most recent sentinel result, or nil before the first run.
func (s *Scheduler) Last() *anomaly.SentinelResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.last
}

// ─── Internal ─────────────────────────────────────────────────────────────────

func (s *Scheduler) run(ctx context.Context) {
	res := s.checker.CheckSentinel(ctx)
	switch {
	case !res.Success:
		s.logger.Warn("Sentinel check failed", zap.String("error", res.Error))
	case res.Alerted:
		s.logger.Info("Sentinel alert recorded", zap.String("message", res.Message))
	default:
		s.logger.Debug("Sentinel check clean", zap.Time("date", res.Date))
	}

	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
}
