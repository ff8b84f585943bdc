// Package features derives fixed-width feature vectors from rate series for
// multivariate outlier detection.
package features

import (
	"math"
	"time"

	"github.com/hed1ad/pfeguard/pkg/series"
)

const (
	// Dim is the width of every feature vector.
	Dim = 6
	// Window is the number of trailing points a vector needs, itself included.
	Window = 20

	shortWindow = 5
	epsilon     = 1e-6
)

// Names lists the features in vector order.
var Names = []string{"rate", "ma5", "ma20", "std5", "rate_change", "zscore20"}

// Vector is the feature vector of one rate point.
type Vector struct {
	Time   time.Time
	Rate   float64
	Values []float64
}

// Build returns one vector per point that has Window-1 predecessors.
// Earlier points are left out rather than padded. Counter resets are
// discontinuities and are dropped before windows are formed.
func Build(points []series.Point) []Vector {
	clean := make([]series.Point, 0, len(points))
	for _, p := range points {
		if !p.Reset {
			clean = append(clean, p)
		}
	}
	if len(clean) < Window {
		return nil
	}

	rates := series.Values(clean, false)
	out := make([]Vector, 0, len(clean)-Window+1)
	for i := Window - 1; i < len(clean); i++ {
		long := rates[i-Window+1 : i+1]
		short := rates[i-shortWindow+1 : i+1]

		ma20 := series.Mean(long)
		std20 := series.StdDev(long)

		var change float64
		if dt := clean[i].Time.Sub(clean[i-1].Time).Seconds(); dt > 0 {
			change = (rates[i] - rates[i-1]) / dt
		}

		out = append(out, Vector{
			Time: clean[i].Time,
			Rate: rates[i],
			Values: []float64{
				rates[i],
				series.Mean(short),
				ma20,
				series.StdDev(short),
				change,
				(rates[i] - ma20) / math.Max(std20, epsilon),
			},
		})
	}

	return out
}

// Matrix returns the raw rows of vs for detector input.
func Matrix(vs []Vector) [][]float64 {
	rows := make([][]float64, len(vs))
	for i, v := range vs {
		rows[i] = v.Values
	}
	return rows
}
