package series

import (
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Mean returns the arithmetic mean, or 0 for no values.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return stat.Mean(values, nil)
}

// StdDev returns the population standard deviation.
func StdDev(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	_, std := stat.PopMeanStdDev(values, nil)
	return std
}

// CV returns the coefficient of variation stddev/mean. It reports false
// when the mean is not positive.
func CV(values []float64) (float64, bool) {
	mean := Mean(values)
	if mean <= 0 {
		return 0, false
	}
	return StdDev(values) / mean, true
}

// Median returns the middle value of values, averaging the two middle
// values of an even-sized set.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := sortedCopy(values)
	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return stat.Mean(sorted[mid-1:mid+1], nil)
	}
	return sorted[mid]
}

// Percentile returns the empirical quantile at fraction p in [0, 1]: the
// smallest value with at least p of the values at or below it.
func Percentile(values []float64, p float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := sortedCopy(values)
	switch {
	case p <= 0:
		return sorted[0]
	case p >= 1:
		return sorted[len(sorted)-1]
	}
	return stat.Quantile(p, stat.Empirical, sorted, nil)
}

// MinMax returns the smallest and largest value.
func MinMax(values []float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	return floats.Min(values), floats.Max(values)
}

// MaxPoint returns the index of the highest-rate point, the earliest on ties.
// It returns -1 for no points.
func MaxPoint(points []Point) int {
	best := -1
	for i, p := range points {
		if p.Reset {
			continue
		}
		if best < 0 || p.Rate > points[best].Rate {
			best = i
		}
	}
	return best
}

func sortedCopy(values []float64) []float64 {
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	return sorted
}
