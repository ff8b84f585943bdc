package series

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testKey = Key{Device: "mx1", Slot: "0", Exception: "bad_ipv4_hdr"}

func samplesFrom(start time.Time, step time.Duration, counts ...float64) []Sample {
	out := make([]Sample, len(counts))
	for i, c := range counts {
		out[i] = Sample{Key: testKey, Time: start.Add(time.Duration(i) * step), Count: c}
	}
	return out
}

func TestExtract(t *testing.T) {
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name      string
		samples   []Sample
		wantRates []float64
		wantReset []bool
	}{
		{
			name:      "no samples",
			samples:   nil,
			wantRates: nil,
		},
		{
			name:      "single sample",
			samples:   samplesFrom(start, time.Minute, 10),
			wantRates: nil,
		},
		{
			name:      "steady counter",
			samples:   samplesFrom(start, time.Minute, 0, 60, 180),
			wantRates: []float64{1, 2},
			wantReset: []bool{false, false},
		},
		{
			name:      "counter reset",
			samples:   samplesFrom(start, time.Minute, 600, 660, 30, 90),
			wantRates: []float64{1, 0, 1},
			wantReset: []bool{false, true, false},
		},
		{
			name:      "non uniform interval",
			samples:   []Sample{{Time: start, Count: 0}, {Time: start.Add(2 * time.Minute), Count: 240}},
			wantRates: []float64{2},
			wantReset: []bool{false},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Extract(testKey, tt.samples)
			require.Len(t, s.Points, len(tt.wantRates))
			for i, p := range s.Points {
				assert.InDelta(t, tt.wantRates[i], p.Rate, 1e-9)
				assert.Equal(t, tt.wantReset[i], p.Reset)
			}
		})
	}
}

func TestExtractNeverNegative(t *testing.T) {
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	counts := []float64{5, 3, 100, 99, 0, 0, 1000, 10, 11, 2}
	s := Extract(testKey, samplesFrom(start, 30*time.Second, counts...))

	require.Len(t, s.Points, len(counts)-1)
	for _, p := range s.Points {
		assert.GreaterOrEqual(t, p.Rate, 0.0)
	}
}

func TestExtractSortsAndDropsDuplicates(t *testing.T) {
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	samples := []Sample{
		{Time: start.Add(2 * time.Minute), Count: 240},
		{Time: start, Count: 0},
		{Time: start.Add(time.Minute), Count: 60},
		{Time: start.Add(time.Minute), Count: 70},
	}

	s := Extract(testKey, samples)
	require.Len(t, s.Points, 2)
	assert.Equal(t, start.Add(time.Minute), s.Points[0].Time)
	assert.InDelta(t, 1.0, s.Points[0].Rate, 1e-9)
	assert.InDelta(t, 3.0, s.Points[1].Rate, 1e-9)
}

func TestWindows(t *testing.T) {
	start := time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)
	s := Extract(testKey, samplesFrom(start, time.Minute, 0, 1, 2, 3, 4, 5))
	cut := start.Add(3 * time.Minute)

	assert.Len(t, s.Before(cut), 2)
	assert.Len(t, s.Since(cut), 3)
	assert.Len(t, s.Between(start.Add(2*time.Minute), start.Add(4*time.Minute)), 2)
	assert.Empty(t, s.Between(cut, start))
}

func TestHourly(t *testing.T) {
	start := time.Date(2024, 3, 4, 10, 30, 0, 0, time.UTC)
	points := []Point{
		{Time: start, Rate: 2},
		{Time: start.Add(10 * time.Minute), Rate: 4},
		{Time: start.Add(20 * time.Minute), Rate: 100, Reset: true},
		{Time: start.Add(40 * time.Minute), Rate: 10},
	}

	hourly := Hourly(points)
	require.Len(t, hourly, 2)
	assert.Equal(t, time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC), hourly[0].Time)
	assert.InDelta(t, 3.0, hourly[0].Rate, 1e-9)
	assert.InDelta(t, 10.0, hourly[1].Rate, 1e-9)
}

func TestGroup(t *testing.T) {
	a := Key{Device: "b", Slot: "1", Exception: "x"}
	b := Key{Device: "a", Slot: "0", Exception: "y"}
	keys, grouped := Group([]Sample{{Key: a}, {Key: b}, {Key: a}})

	assert.Equal(t, []Key{b, a}, keys)
	assert.Len(t, grouped[a], 2)
}

func TestNormalizeException(t *testing.T) {
	tests := map[string]string{
		"Bad IPv4 Hdr Exceptions":    "bad_ipv4_hdr",
		"  sw error  exception ":     "sw_error",
		"firewall discard":           "firewall_discard",
		"DISCARD_ROUTE":              "discard_route",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeException(in), in)
	}
}

func TestStats(t *testing.T) {
	values := []float64{2, 45, 1, 38, 5, 42, 3, 40}

	assert.InDelta(t, 22.0, Mean(values), 1e-9)
	assert.InDelta(t, 19.3649, StdDev(values), 1e-3)

	cv, ok := CV(values)
	require.True(t, ok)
	assert.InDelta(t, 0.88, cv, 0.01)

	_, ok = CV([]float64{0, 0})
	assert.False(t, ok)

	assert.InDelta(t, 21.5, Median(values), 1e-9)
	assert.Equal(t, 45.0, Percentile(values, 0.95))

	lo, hi := MinMax(values)
	assert.Equal(t, 1.0, lo)
	assert.Equal(t, 45.0, hi)

	assert.Equal(t, []float64{2, 45, 1, 38, 5, 42, 3, 40}, values, "input left unsorted")

	assert.Equal(t, -1, MaxPoint(nil))
	assert.Equal(t, 1, MaxPoint([]Point{{Rate: 1}, {Rate: 5}, {Rate: 5}, {Rate: 9, Reset: true}}))
}

func TestPercentileEmpirical(t *testing.T) {
	values := []float64{10, 40, 20, 30}

	tests := []struct {
		p    float64
		want float64
	}{
		{p: -1, want: 10},
		{p: 0, want: 10},
		{p: 0.2, want: 10},
		{p: 0.3, want: 20},
		{p: 0.6, want: 30},
		{p: 0.74, want: 30},
		{p: 0.95, want: 40},
		{p: 1, want: 40},
		{p: 2, want: 40},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, Percentile(values, tt.p), "p=%v", tt.p)
	}

	assert.Zero(t, Percentile(nil, 0.5))
	assert.Zero(t, Median(nil))
	assert.Equal(t, 7.0, Median([]float64{9, 7, 1}))
	assert.Zero(t, StdDev([]float64{4}))
}
