package timeseries

import (
	"context"
	"errors"
	"fmt"
)

// Source is the Metrics Source consumed by the analytics engine.
type Source interface {
	// DailySeries returns one point per day that has data, ordered by date.
	DailySeries(ctx context.Context, metric Metric, windowDays int) ([]Point, error)

	// HourlySeries returns one point per (resource, hour) that has data;
	// Label carries the resource id.
	HourlySeries(ctx context.Context, metric Metric, windowDays int) ([]Point, error)

	// ScalarTotal returns the sum of metric over the window.
	// Returns ErrNoData when the window contains no rows at all.
	ScalarTotal(ctx context.Context, metric Metric, windowDays int) (float64, error)

	// ResourceUsage returns per-resource query statistics for the window,
	// ordered by query count descending.
	ResourceUsage(ctx context.Context, windowDays int) ([]ResourceUsage, error)
}

// Recorder accepts raw rows for sources that own their event storage.
type Recorder interface {
	RecordMetering(ctx context.Context, events []MeteringEvent) error
	RecordQueries(ctx context.Context, events []QueryEvent) error
}

// ErrNoData is returned by a Source when a window holds no rows.
var ErrNoData = errors.New("no usage data available")

// MinHistoryPoints is the minimum series length the trend and anomaly models accept.
const MinHistoryPoints = 7

// InsufficientDataError reports a series shorter than a model's minimum.
type InsufficientDataError struct {
	Have int
	Need int
	Unit string
}

func (e *InsufficientDataError) Error() string {
	unit := e.Unit
	if unit == "" {
		unit = "days"
	}
	return fmt.Sprintf("Insufficient historical data (need at least %d %s)", e.Need, unit)
}

// CheckLength returns an *InsufficientDataError when n < need.
func CheckLength(n, need int) error {
	if n < need {
		return &InsufficientDataError{Have: n, Need: need}
	}
	return nil
}

// UnavailableError wraps a failure of an external collaborator (the Metrics
// Source or the cache store).
type UnavailableError struct {
	Collaborator string
	Err          error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Collaborator, e.Err)
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Unavailable wraps err as an *UnavailableError for the named collaborator.
// ErrNoData and nil pass through unchanged.
func Unavailable(collaborator string, err error) error {
	if err == nil || errors.Is(err, ErrNoData) {
		return err
	}
	return &UnavailableError{Collaborator: collaborator, Err: err}
}
