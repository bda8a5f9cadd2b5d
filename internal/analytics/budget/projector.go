package budget

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/metrics"
)

// Package budget projects when a fixed credit budget runs out at the current
// burn rate.
//
// daily_burn is the total used over the lookback window divided by the window
// length. A non-positive burn, or a runway of UnboundedDays or more, is
// reported as unbounded: DaysRemaining and ExhaustionDate are nil and the risk
// tier is LOW.

// RiskLevel is the urgency tier of a projection.
type RiskLevel string

const (
	RiskLow      RiskLevel = "LOW"
	RiskMedium   RiskLevel = "MEDIUM"
	RiskHigh     RiskLevel = "HIGH"
	RiskCritical RiskLevel = "CRITICAL"
)

// UnboundedDays is the runway at or beyond which a budget is treated as never
// exhausted.
const UnboundedDays = 10000.0

// riskTiers is evaluated top to bottom; the first tier whose bound exceeds the
// runway wins.
var riskTiers = []struct {
	below float64
	level RiskLevel
}{
	{7, RiskCritical},
	{30, RiskHigh},
	{60, RiskMedium},
}

// RiskFor maps a runway in days to its tier. nil (unbounded) is LOW.
func RiskFor(daysRemaining *float64) RiskLevel {
	if daysRemaining == nil {
		return RiskLow
	}
	for _, tier := range riskTiers {
		if *daysRemaining < tier.below {
			return tier.level
		}
	}
	return RiskLow
}

// Burn sources reported in Projection.BurnSource.
const (
	BurnAverage  = "average"
	BurnForecast = "forecast"
)

// Projection is a budget-exhaustion projection.
type Projection struct {
	BudgetTotal    float64    `json:"budget_total"`
	Used           float64    `json:"used"`
	Remaining      float64    `json:"remaining"`
	DailyBurn      float64    `json:"daily_burn"`
	BurnSource     string     `json:"burn_source,omitempty"`
	HistoryDays    int        `json:"history_days"`
	DaysRemaining  *float64   `json:"days_remaining"`
	ExhaustionDate *time.Time `json:"exhaustion_date"`
	RiskLevel      RiskLevel  `json:"risk_level"`
	PercentageUsed float64    `json:"percentage_used"`
	Success        bool       `json:"success"`
	Error          string     `json:"error,omitempty"`
}

// Compute builds a projection from a known usage total and daily burn. It is
// pure and performs no I/O.
func Compute(totalBudget, used, dailyBurn float64, now time.Time) *Projection {
	p := &Projection{
		BudgetTotal: totalBudget,
		Used:        used,
		Remaining:   totalBudget - used,
		DailyBurn:   dailyBurn,
		Success:     true,
	}
	if dailyBurn > 0 {
		days := p.Remaining / dailyBurn
		if days < UnboundedDays {
			p.DaysRemaining = &days
			exhaustion := now.Add(time.Duration(days * float64(timeseries.Day)))
			p.ExhaustionDate = &exhaustion
		}
	}
	p.RiskLevel = RiskFor(p.DaysRemaining)
	if totalBudget > 0 {
		p.PercentageUsed = used / totalBudget * 100
	}
	return p
}

// Source is the slice of the Metrics Source the projector reads.
type Source interface {
	ScalarTotal(ctx context.Context, metric timeseries.Metric, windowDays int) (float64, error)
}

// BurnEstimator supplies an alternative daily burn, typically the trend
// forecaster's historical daily mean.
type BurnEstimator interface {
	HistoricalMean(ctx context.Context, historyDays int) (float64, error)
}

// Projector computes budget projections from the Metrics Source.
type Projector struct {
	source    Source
	estimator BurnEstimator
	logger    *zap.Logger
	now       func() time.Time
}

// Option configures a Projector.
type Option func(*Projector)

// WithBurnEstimator makes the projector prefer estimator's burn rate, falling
// back to the simple average when the estimator fails.
func WithBurnEstimator(estimator BurnEstimator) Option {
	return func(p *Projector) { p.estimator = estimator }
}

// WithClock overrides the clock used for exhaustion dates.
func WithClock(now func() time.Time) Option {
	return func(p *Projector) { p.now = now }
}

// New creates a Projector.
func New(source Source, logger *zap.Logger, opts ...Option) *Projector {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Projector{source: source, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Project projects totalBudget against the usage of the last historyDays.
func (p *Projector) Project(ctx context.Context, totalBudget float64, historyDays int) *Projection {
	if historyDays < 1 {
		return failed(fmt.Errorf("history_days must be at least 1, got %d", historyDays))
	}

	used, err := p.source.ScalarTotal(ctx, timeseries.MetricCredits, historyDays)
	if errors.Is(err, timeseries.ErrNoData) {
		return failed(errors.New("No usage data available"))
	}
	if err != nil {
		err = timeseries.Unavailable("metrics source", err)
		p.logger.Warn("Budget usage unavailable", zap.Int("history_days", historyDays), zap.Error(err))
		return failed(err)
	}

	burn, source := used/float64(historyDays), BurnAverage
	if p.estimator != nil {
		if mean, err := p.estimator.HistoricalMean(ctx, historyDays); err == nil {
			burn, source = mean, BurnForecast
		} else {
			p.logger.Debug("Burn estimator unavailable, using average", zap.Error(err))
		}
	}

	proj := Compute(totalBudget, used, burn, p.now())
	proj.BurnSource = source
	proj.HistoryDays = historyDays

	if proj.DaysRemaining != nil {
		metrics.BudgetDaysRemaining.Set(*proj.DaysRemaining)
	} else {
		metrics.BudgetDaysRemaining.Set(-1)
	}
	metrics.BudgetPercentageUsed.Set(proj.PercentageUsed)
	return proj
}

func failed(err error) *Projection {
	return &Projection{RiskLevel: RiskLow, Error: err.Error()}
}
