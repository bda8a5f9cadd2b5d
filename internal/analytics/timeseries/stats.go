package timeseries

import "math"

// Mean returns the arithmetic mean, 0 for an empty slice.
func Mean(vals []float64) float64 {
	if len(vals) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range vals {
		sum += v
	}
	return sum / float64(len(vals))
}

// SampleStdDev returns the sample standard deviation (n-1 denominator).
// Fewer than two values yield 0.
func SampleStdDev(vals []float64) float64 {
	n := float64(len(vals))
	if n < 2 {
		return 0
	}
	mean := Mean(vals)
	variance := 0.0
	for _, v := range vals {
		d := v - mean
		variance += d * d
	}
	return math.Sqrt(variance / (n - 1))
}

// LinearRegression fits value = slope*index + intercept by ordinary least
// squares, where index is the zero-based position in vals.
func LinearRegression(vals []float64) (slope, intercept float64) {
	n := float64(len(vals))
	if n == 0 {
		return 0, 0
	}
	if n < 2 {
		return 0, vals[0]
	}
	sumX, sumY, sumXY, sumX2 := 0.0, 0.0, 0.0, 0.0
	for i, v := range vals {
		x := float64(i)
		sumX += x
		sumY += v
		sumXY += x * v
		sumX2 += x * x
	}
	denom := n*sumX2 - sumX*sumX
	if math.Abs(denom) < 1e-12 {
		return 0, sumY / n
	}
	slope = (n*sumXY - sumX*sumY) / denom
	intercept = (sumY - slope*sumX) / n
	return slope, intercept
}

// ZScore returns (v-mean)/stddev, or 0 when stddev is 0.
func ZScore(v, mean, stddev float64) float64 {
	if stddev == 0 {
		return 0
	}
	return (v - mean) / stddev
}
