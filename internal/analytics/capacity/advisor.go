package capacity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/metrics"
)

// Package capacity recommends compute pool sizes from query statistics.
//
// Rules are an ordered (predicate, outcome) table; the first match wins:
//
//   1. avg_queue_ms > 5000                          → SCALE_UP one rung
//   2. query_count < 100 AND avg_queue_ms < 1000    → SCALE_DOWN one rung
//   3. otherwise                                    → MAINTAIN
//
// The size ladder is clamped at both ends. A size not on the ladder falls back
// to MEDIUM when scaling up and SMALL when scaling down, so one malformed row
// never fails the batch.

// Action is a sizing decision.
type Action string

const (
	ActionScaleUp   Action = "SCALE_UP"
	ActionScaleDown Action = "SCALE_DOWN"
	ActionMaintain  Action = "MAINTAIN"
)

// Ladder is the ordered list of pool sizes, smallest first.
var Ladder = []string{"X-SMALL", "SMALL", "MEDIUM", "LARGE", "X-LARGE", "2X-LARGE", "3X-LARGE", "4X-LARGE"}

const (
	fallbackUp   = "MEDIUM"
	fallbackDown = "SMALL"
)

func rung(size string) int {
	s := strings.ToUpper(strings.TrimSpace(size))
	for i, r := range Ladder {
		if r == s {
			return i
		}
	}
	return -1
}

// NextSize returns the rung above size, clamped at the top.
func NextSize(size string) string {
	i := rung(size)
	if i < 0 {
		return fallbackUp
	}
	return Ladder[min(i+1, len(Ladder)-1)]
}

// PrevSize returns the rung below size, clamped at the bottom.
func PrevSize(size string) string {
	i := rung(size)
	if i < 0 {
		return fallbackDown
	}
	return Ladder[max(i-1, 0)]
}

// Recommendation is the sizing advice for one resource.
type Recommendation struct {
	ResourceID    string  `json:"resource_id"`
	CurrentSize   string  `json:"current_size"`
	QueryCount    int64   `json:"query_count"`
	AvgQueueMs    float64 `json:"avg_queue_ms"`
	Action        Action  `json:"action"`
	Reason        string  `json:"reason"`
	SuggestedSize string  `json:"suggested_size"`
}

// Report wraps the recommendations of one batch.
type Report struct {
	Recommendations []Recommendation `json:"recommendations"`
	HistoryDays     int              `json:"history_days,omitempty"`
	Success         bool             `json:"success"`
	Error           string           `json:"error,omitempty"`
}

// Thresholds tunes the rule table.
type Thresholds struct {
	ScaleUpQueueMs      float64 `json:"scale_up_queue_ms"`
	ScaleDownMaxQueries int64   `json:"scale_down_max_queries"`
	ScaleDownMaxQueueMs float64 `json:"scale_down_max_queue_ms"`
}

// DefaultThresholds returns the standard rule thresholds.
func DefaultThresholds() Thresholds {
	return Thresholds{
		ScaleUpQueueMs:      5000,
		ScaleDownMaxQueries: 100,
		ScaleDownMaxQueueMs: 1000,
	}
}

type rule struct {
	action  Action
	matches func(u timeseries.ResourceUsage) bool
	reason  func(u timeseries.ResourceUsage) string
	suggest func(size string) string
}

func (t Thresholds) rules() []rule {
	return []rule{
		{
			action:  ActionScaleUp,
			matches: func(u timeseries.ResourceUsage) bool { return u.AvgQueueMs > t.ScaleUpQueueMs },
			reason: func(u timeseries.ResourceUsage) string {
				return fmt.Sprintf("High queue time (%.1fs avg)", u.AvgQueueMs/1000)
			},
			suggest: NextSize,
		},
		{
			action: ActionScaleDown,
			matches: func(u timeseries.ResourceUsage) bool {
				return u.QueryCount < t.ScaleDownMaxQueries && u.AvgQueueMs < t.ScaleDownMaxQueueMs
			},
			reason:  func(timeseries.ResourceUsage) string { return "Low usage with minimal queuing" },
			suggest: PrevSize,
		},
		{
			action:  ActionMaintain,
			matches: func(timeseries.ResourceUsage) bool { return true },
			reason:  func(timeseries.ResourceUsage) string { return "Current size appears optimal" },
			suggest: func(size string) string { return size },
		},
	}
}

// Recommend applies the rule table to every row. It performs no I/O and
// returns one recommendation per input row, in input order.
func (t Thresholds) Recommend(stats []timeseries.ResourceUsage) []Recommendation {
	rules := t.rules()
	out := make([]Recommendation, 0, len(stats))
	for _, u := range stats {
		for _, r := range rules {
			if !r.matches(u) {
				continue
			}
			out = append(out, Recommendation{
				ResourceID:    u.ResourceID,
				CurrentSize:   u.CurrentSize,
				QueryCount:    u.QueryCount,
				AvgQueueMs:    u.AvgQueueMs,
				Action:        r.action,
				Reason:        r.reason(u),
				SuggestedSize: r.suggest(u.CurrentSize),
			})
			break
		}
	}
	return out
}

// Recommend applies the default thresholds.
func Recommend(stats []timeseries.ResourceUsage) []Recommendation {
	return DefaultThresholds().Recommend(stats)
}

// Source is the slice of the Metrics Source the advisor reads.
type Source interface {
	ResourceUsage(ctx context.Context, windowDays int) ([]timeseries.ResourceUsage, error)
}

// Cache is the slice of the ResultCache the advisor uses.
type Cache interface {
	GetInto(ctx context.Context, key string, dst any) bool
	Set(ctx context.Context, key string, value any, ttl time.Duration)
}

// Advisor produces recommendations from the Metrics Source, cached.
type Advisor struct {
	source     Source
	cache      Cache
	thresholds Thresholds
	ttl        time.Duration
	logger     *zap.Logger
}

// DefaultTTL is the cache lifetime of source-driven recommendations.
const DefaultTTL = 120 * time.Minute

// NewAdvisor creates an Advisor. cache may be nil; ttl <= 0 uses DefaultTTL.
func NewAdvisor(source Source, cache Cache, thresholds Thresholds, ttl time.Duration, logger *zap.Logger) *Advisor {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Advisor{source: source, cache: cache, thresholds: thresholds, ttl: ttl, logger: logger}
}

// Recommend applies the advisor's thresholds to a caller-supplied batch.
func (a *Advisor) Recommend(stats []timeseries.ResourceUsage) *Report {
	recs := a.thresholds.Recommend(stats)
	count(recs)
	return &Report{Recommendations: recs, Success: true}
}

// RecommendFromSource recommends sizes for every resource active in the last
// historyDays.
func (a *Advisor) RecommendFromSource(ctx context.Context, historyDays int) *Report {
	fail := func(err error) *Report {
		return &Report{Recommendations: []Recommendation{}, HistoryDays: historyDays, Error: err.Error()}
	}
	if historyDays < 1 {
		return fail(fmt.Errorf("history_days must be at least 1, got %d", historyDays))
	}

	key := fmt.Sprintf("predict_warehouse_%d", historyDays)
	if a.cache != nil {
		var cached Report
		if a.cache.GetInto(ctx, key, &cached) {
			return &cached
		}
	}

	stats, err := a.source.ResourceUsage(ctx, historyDays)
	if err != nil && !errors.Is(err, timeseries.ErrNoData) {
		err = timeseries.Unavailable("metrics source", err)
		a.logger.Warn("Resource usage unavailable", zap.Int("history_days", historyDays), zap.Error(err))
		return fail(err)
	}
	if len(stats) == 0 {
		return fail(errors.New("No warehouse usage data"))
	}

	rep := a.Recommend(stats)
	rep.HistoryDays = historyDays
	if a.cache != nil {
		a.cache.Set(ctx, key, rep, a.ttl)
	}
	return rep
}

func count(recs []Recommendation) {
	for _, r := range recs {
		metrics.Recommendations.WithLabelValues(string(r.Action)).Inc()
	}
}
