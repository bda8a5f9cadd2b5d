package forecasting

import (
	"math"

	"github.com/kubilitics/kubilitics-forecast/internal/analytics/timeseries"
)

// Project fits the trend and seasonality model to history and projects
// forecastDays future days. It performs no I/O and never touches the cache.
// Returns *timeseries.InsufficientDataError for fewer than 7 rows.
func Project(history []timeseries.Point, forecastDays int) (*Result, error) {
	hist := timeseries.Normalize(history)
	if err := timeseries.CheckLength(len(hist), timeseries.MinHistoryPoints); err != nil {
		return nil, err
	}
	if forecastDays < 0 {
		forecastDays = 0
	}

	vals := timeseries.Values(hist)
	mean := timeseries.Mean(vals)
	factor := WeekendFactor(hist)
	seasonal := factor < SeasonalityThreshold
	slope, intercept := timeseries.LinearRegression(vals)

	n := len(hist)
	last := hist[n-1].Timestamp
	forecast := make([]timeseries.Point, forecastDays)
	total := 0.0
	for i := range forecast {
		date := last.AddDate(0, 0, i+1)
		v := math.Max(0, slope*float64(n+i)+intercept)
		if seasonal && timeseries.IsWeekend(date) {
			v *= factor
		}
		forecast[i] = timeseries.Point{Timestamp: date, Value: v}
		total += v
	}

	reported := 1.0
	if seasonal {
		reported = factor
	}
	pct := 0.0
	if mean != 0 {
		pct = slope / mean * 100
	}

	return &Result{
		Historical:         hist,
		Forecast:           forecast,
		TrendDirection:     direction(slope),
		TrendSlope:         slope,
		TrendPctOfMean:     pct,
		AvgDaily:           mean,
		SeasonalityApplied: seasonal,
		WeekendFactor:      reported,
		TotalForecasted:    total,
		DaysForecasted:     forecastDays,
		Success:            true,
	}, nil
}

// ProjectVolume fits the trend to daily query counts and projects integer
// counts, each truncated toward zero and floored at zero.
func ProjectVolume(history []timeseries.Point, forecastDays int) (*VolumeResult, error) {
	hist := timeseries.Normalize(history)
	if err := timeseries.CheckLength(len(hist), timeseries.MinHistoryPoints); err != nil {
		return nil, err
	}
	if forecastDays < 0 {
		forecastDays = 0
	}

	vals := timeseries.Values(hist)
	slope, intercept := timeseries.LinearRegression(vals)

	n := len(hist)
	last := hist[n-1].Timestamp
	forecast := make([]VolumePoint, forecastDays)
	var total int64
	for i := range forecast {
		count := int64(slope*float64(n+i) + intercept)
		if count < 0 {
			count = 0
		}
		forecast[i] = VolumePoint{Timestamp: last.AddDate(0, 0, i+1), Queries: count}
		total += count
	}

	return &VolumeResult{
		Historical:      hist,
		Forecast:        forecast,
		AvgDailyQueries: timeseries.Mean(vals),
		Trend:           direction(slope),
		Slope:           slope,
		TotalForecasted: total,
		Success:         true,
	}, nil
}

// WeekendFactor returns mean(weekend values) / mean(weekday values), or 1
// when either bucket is empty or has a non-positive mean.
func WeekendFactor(points []timeseries.Point) float64 {
	var weekend, weekday []float64
	for _, p := range points {
		if timeseries.IsWeekend(p.Timestamp) {
			weekend = append(weekend, p.Value)
		} else {
			weekday = append(weekday, p.Value)
		}
	}
	we, wd := timeseries.Mean(weekend), timeseries.Mean(weekday)
	if len(weekend) == 0 || len(weekday) == 0 || we <= 0 || wd <= 0 {
		return 1.0
	}
	return we / wd
}

func direction(slope float64) TrendDirection {
	switch {
	case slope > 0:
		return TrendIncreasing
	case slope < 0:
		return TrendDecreasing
	}
	return TrendStable
}
