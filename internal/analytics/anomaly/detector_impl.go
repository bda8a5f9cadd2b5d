package anomaly

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
	"github.com/kubilitics/kubilitics-forecast/internal/metrics"
)

// Detector runs the anomaly scans against a Metrics Source.
type Detector struct {
	source Source
	log    LogStore
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Detector.
type Option func(*Detector)

// WithClock overrides the clock that defines "today" for the sentinel.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) { d.now = now }
}

// New creates a Detector. log may be nil, in which case sentinel alerts are
// reported but not persisted.
func New(source Source, log LogStore, logger *zap.Logger, opts ...Option) *Detector {
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Detector{source: source, log: log, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Score flags every point whose |z| exceeds threshold. It performs no I/O.
// Returns *timeseries.InsufficientDataError for fewer than 7 points.
func Score(points []timeseries.Point, threshold float64) (*Report, error) {
	pts := timeseries.Normalize(points)
	if err := timeseries.CheckLength(len(pts), timeseries.MinHistoryPoints); err != nil {
		return nil, err
	}
	vals := timeseries.Values(pts)
	mean := timeseries.Mean(vals)
	sd := timeseries.SampleStdDev(vals)

	rep := &Report{
		Records:   make([]Record, len(pts)),
		Mean:      mean,
		StdDev:    sd,
		Threshold: threshold,
		Count:     len(pts),
		Success:   true,
	}
	for i, p := range pts {
		z := timeseries.ZScore(p.Value, mean, sd)
		anomalous := math.Abs(z) > threshold
		rep.Records[i] = Record{
			Timestamp:      p.Timestamp,
			Value:          p.Value,
			BaselineMean:   mean,
			BaselineStdDev: sd,
			ZScore:         z,
			IsAnomaly:      anomalous,
		}
		if anomalous {
			rep.AnomalyCount++
		}
	}
	return rep, nil
}

// Detect scores the last historyDays of daily credits.
func (d *Detector) Detect(ctx context.Context, historyDays int, zThreshold float64) *Report {
	fail := func(err error) *Report {
		return &Report{Records: []Record{}, Threshold: zThreshold, Error: err.Error()}
	}
	if err := validate(historyDays, zThreshold, "z_threshold"); err != nil {
		return fail(err)
	}
	points, err := d.daily(ctx, historyDays)
	if err != nil {
		return fail(err)
	}
	rep, err := Score(points, zThreshold)
	if err != nil {
		return fail(err)
	}
	metrics.AnomaliesFlagged.WithLabelValues("zscore").Add(float64(rep.AnomalyCount))
	return rep
}

// DetectAboveAverage lists days in the last historyDays whose value exceeds
// mean × multiple, newest first.
func (d *Detector) DetectAboveAverage(ctx context.Context, historyDays int, multiple float64) *AboveAverageReport {
	fail := func(err error) *AboveAverageReport {
		return &AboveAverageReport{Days: []AboveAverageDay{}, Multiple: multiple, Error: err.Error()}
	}
	if err := validate(historyDays, multiple, "multiple"); err != nil {
		return fail(err)
	}
	points, err := d.daily(ctx, historyDays)
	if err != nil {
		return fail(err)
	}
	pts := timeseries.Normalize(points)
	if len(pts) == 0 {
		return fail(errors.New("No usage data available"))
	}

	vals := timeseries.Values(pts)
	mean := timeseries.Mean(vals)
	sd := timeseries.SampleStdDev(vals)
	rep := &AboveAverageReport{Days: []AboveAverageDay{}, Mean: mean, StdDev: sd, Multiple: multiple, Success: true}
	for i := len(pts) - 1; i >= 0; i-- {
		p := pts[i]
		if p.Value <= mean*multiple {
			continue
		}
		variance := 0.0
		if mean != 0 {
			variance = (p.Value - mean) / mean * 100
		}
		rep.Days = append(rep.Days, AboveAverageDay{
			Timestamp:   p.Timestamp,
			Value:       p.Value,
			Mean:        mean,
			VariancePct: variance,
			ZScore:      timeseries.ZScore(p.Value, mean, sd),
		})
	}
	metrics.AnomaliesFlagged.WithLabelValues("above_average").Add(float64(len(rep.Days)))
	return rep
}

// burstTiers is evaluated top to bottom against value / resource mean.
var burstTiers = []struct {
	above    float64
	severity Severity
}{
	{3, SeverityCritical},
	{2, SeverityWarning},
}

// Grade returns the burst severity of value against a resource mean.
func Grade(value, mean float64) Severity {
	for _, tier := range burstTiers {
		if value > mean*tier.above {
			return tier.severity
		}
	}
	return SeverityNormal
}

// DetectBursts grades every (resource, hour) of the last windowDays against
// that resource's own hourly baseline.
func (d *Detector) DetectBursts(ctx context.Context, windowDays int) *BurstReport {
	fail := func(err error) *BurstReport {
		return &BurstReport{Bursts: []Burst{}, Error: err.Error()}
	}
	if windowDays < 1 {
		return fail(fmt.Errorf("window_days must be at least 1, got %d", windowDays))
	}
	points, err := d.source.HourlySeries(ctx, timeseries.MetricCredits, windowDays)
	if err != nil && !errors.Is(err, timeseries.ErrNoData) {
		err = timeseries.Unavailable("metrics source", err)
		d.logger.Warn("Hourly series unavailable", zap.Int("window_days", windowDays), zap.Error(err))
		return fail(err)
	}
	if len(points) == 0 {
		return fail(errors.New("No usage data available"))
	}

	byResource := map[string][]timeseries.Point{}
	for _, p := range points {
		byResource[p.Label] = append(byResource[p.Label], p)
	}

	rep := &BurstReport{Bursts: make([]Burst, 0, len(points)), Success: true}
	for resource, series := range byResource {
		vals := timeseries.Values(series)
		mean := timeseries.Mean(vals)
		sd := timeseries.SampleStdDev(vals)
		for _, p := range series {
			sev := Grade(p.Value, mean)
			rep.Bursts = append(rep.Bursts, Burst{
				ResourceID: resource,
				Hour:       p.Timestamp,
				Value:      p.Value,
				Mean:       mean,
				StdDev:     sd,
				ZScore:     timeseries.ZScore(p.Value, mean, sd),
				Severity:   sev,
			})
			switch sev {
			case SeverityCritical:
				rep.CriticalCount++
			case SeverityWarning:
				rep.WarningCount++
			}
			metrics.BurstsDetected.WithLabelValues(string(sev)).Inc()
		}
	}
	sort.Slice(rep.Bursts, func(i, j int) bool {
		a, b := rep.Bursts[i], rep.Bursts[j]
		if !a.Hour.Equal(b.Hour) {
			return a.Hour.After(b.Hour)
		}
		return a.ResourceID < b.ResourceID
	})
	rep.TotalHours = len(rep.Bursts)
	return rep
}

// daily reads the credits series; an empty window is insufficient data.
func (d *Detector) daily(ctx context.Context, windowDays int) ([]timeseries.Point, error) {
	points, err := d.source.DailySeries(ctx, timeseries.MetricCredits, windowDays)
	if errors.Is(err, timeseries.ErrNoData) {
		return nil, &timeseries.InsufficientDataError{Need: timeseries.MinHistoryPoints}
	}
	if err != nil {
		err = timeseries.Unavailable("metrics source", err)
		d.logger.Warn("Daily series unavailable", zap.Int("window_days", windowDays), zap.Error(err))
		return nil, err
	}
	return points, nil
}

func validate(days int, param float64, name string) error {
	if days < 1 {
		return fmt.Errorf("history_days must be at least 1, got %d", days)
	}
	if param < 0 || math.IsNaN(param) || math.IsInf(param, 0) {
		return fmt.Errorf("%s must be a non-negative number, got %v", name, param)
	}
	return nil
}
