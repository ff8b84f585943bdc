// Package series turns cumulative PFE exception counters into rate series.
package series

import (
	"errors"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrInsufficientData marks a computation that had too few points to run.
// It is informational and never surfaces to callers of a detection run.
var ErrInsufficientData = errors.New("insufficient data")

// Key identifies one counter: a device, a line-card slot and an exception type.
type Key struct {
	Device    string `json:"device"`
	Slot      string `json:"slot"`
	Exception string `json:"exception"`
}

// String renders the key as device/slot/exception.
func (k Key) String() string {
	return k.Device + "/" + k.Slot + "/" + k.Exception
}

// Sample is one observed cumulative counter value.
type Sample struct {
	Key   Key
	Time  time.Time
	Count float64
}

// Point is a single rate observation in exceptions per second.
type Point struct {
	Time time.Time `json:"time"`
	Rate float64   `json:"rate"`
	// Reset is set when the counter went backwards over this interval.
	Reset bool `json:"reset,omitempty"`
}

// RateSeries is the time-ordered rate history of one key.
type RateSeries struct {
	Key    Key
	Points []Point
}

// Query selects samples in [Start, End] from a time-series collaborator.
// Empty fields match every value.
type Query struct {
	Device    string
	Slot      string
	Exception string
	Start     time.Time
	End       time.Time
}

// Matches reports whether k is selected by q.
func (q Query) Matches(k Key) bool {
	if q.Device != "" && q.Device != k.Device {
		return false
	}
	if q.Slot != "" && q.Slot != k.Slot {
		return false
	}
	if q.Exception != "" && q.Exception != k.Exception {
		return false
	}
	return true
}

// Extract converts cumulative samples of one key into a rate series.
// Samples are sorted by time; duplicate timestamps keep the first value.
// A counter decrease yields a zero-rate point flagged as Reset.
func Extract(key Key, samples []Sample) RateSeries {
	out := RateSeries{Key: key}
	if len(samples) < 2 {
		return out
	}

	sorted := make([]Sample, len(samples))
	copy(sorted, samples)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Time.Before(sorted[j].Time)
	})

	out.Points = make([]Point, 0, len(sorted)-1)
	prev := sorted[0]
	for _, cur := range sorted[1:] {
		dt := cur.Time.Sub(prev.Time).Seconds()
		if dt <= 0 {
			continue
		}

		p := Point{Time: cur.Time}
		if cur.Count < prev.Count {
			p.Reset = true
		} else {
			p.Rate = (cur.Count - prev.Count) / dt
		}
		out.Points = append(out.Points, p)
		prev = cur
	}

	return out
}

// Group splits mixed samples by key. Keys come back sorted.
func Group(samples []Sample) ([]Key, map[Key][]Sample) {
	grouped := make(map[Key][]Sample)
	for _, s := range samples {
		grouped[s.Key] = append(grouped[s.Key], s)
	}

	keys := make([]Key, 0, len(grouped))
	for k := range grouped {
		keys = append(keys, k)
	}
	SortKeys(keys)

	return keys, grouped
}

// SortKeys orders keys by device, slot and exception.
func SortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool {
		a, b := keys[i], keys[j]
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		if a.Slot != b.Slot {
			return a.Slot < b.Slot
		}
		return a.Exception < b.Exception
	})
}

// Len returns the number of rate points.
func (s RateSeries) Len() int {
	return len(s.Points)
}

// Before returns the points strictly before t.
func (s RateSeries) Before(t time.Time) []Point {
	i := sort.Search(len(s.Points), func(i int) bool {
		return !s.Points[i].Time.Before(t)
	})
	return s.Points[:i]
}

// Between returns the points in [start, end).
func (s RateSeries) Between(start, end time.Time) []Point {
	lo := sort.Search(len(s.Points), func(i int) bool {
		return !s.Points[i].Time.Before(start)
	})
	hi := sort.Search(len(s.Points), func(i int) bool {
		return !s.Points[i].Time.Before(end)
	})
	if hi < lo {
		return nil
	}
	return s.Points[lo:hi]
}

// Since returns the points at or after t.
func (s RateSeries) Since(t time.Time) []Point {
	i := sort.Search(len(s.Points), func(i int) bool {
		return !s.Points[i].Time.Before(t)
	})
	return s.Points[i:]
}

// Values extracts the rates of points, skipping counter resets when
// skipResets is set.
func Values(points []Point, skipResets bool) []float64 {
	out := make([]float64, 0, len(points))
	for _, p := range points {
		if skipResets && p.Reset {
			continue
		}
		out = append(out, p.Rate)
	}
	return out
}

// Hourly averages points into one point per wall-clock hour, stamped with
// the start of the hour.
func Hourly(points []Point) []Point {
	var out []Point
	var sum float64
	var n int
	var bucket time.Time

	flush := func() {
		if n > 0 {
			out = append(out, Point{Time: bucket, Rate: sum / float64(n)})
		}
	}

	for _, p := range points {
		if p.Reset {
			continue
		}
		h := p.Time.Truncate(time.Hour)
		if n > 0 && !h.Equal(bucket) {
			flush()
			sum, n = 0, 0
		}
		bucket = h
		sum += p.Rate
		n++
	}
	flush()

	return out
}

var (
	exceptionWord = regexp.MustCompile(`exceptions?`)
	whitespace    = regexp.MustCompile(`\s+`)
)

// NormalizeException turns a raw exception description such as
// "Bad IPv4 Hdr Exceptions" into the tag form "bad_ipv4_hdr".
func NormalizeException(raw string) string {
	exc := strings.ToLower(strings.TrimSpace(raw))
	exc = exceptionWord.ReplaceAllString(exc, "")
	exc = strings.TrimSpace(exc)
	return whitespace.ReplaceAllString(exc, "_")
}
