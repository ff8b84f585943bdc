// Package baseline computes context-aware expected exception rates.
//
// A baseline is always computed at an evaluation instant and only ever looks
// at points strictly before it. Nothing is cached between calls.
package baseline

import (
	"fmt"
	"math"
	"time"

	"github.com/hed1ad/pfeguard/pkg/series"
)

const week = 7 * 24 * time.Hour

// Window names.
const (
	Short  = "short"
	Medium = "medium"
	Long   = "long"
	Weekly = "weekly"
)

// Config holds baseline engine parameters.
type Config struct {
	// Alpha is the EWMA smoothing factor in (0, 1].
	Alpha float64 `mapstructure:"alpha"`

	ShortWindow  time.Duration `mapstructure:"short_window"`
	MediumWindow time.Duration `mapstructure:"medium_window"`
	LongWindow   time.Duration `mapstructure:"long_window"`

	// Minimum sample floors per window.
	ShortMinSamples  int `mapstructure:"short_min_samples"`
	MediumMinSamples int `mapstructure:"medium_min_samples"`
	LongMinSamples   int `mapstructure:"long_min_samples"`

	// ContextHours is the hour-of-day tolerance when matching samples to the
	// evaluation instant's time-of-day bucket.
	ContextHours int `mapstructure:"context_hours"`

	// Regime change detection.
	RegimeThreshold  float64 `mapstructure:"regime_threshold"`
	RegimeSustained  float64 `mapstructure:"regime_sustained"`
	RegimeMinSamples int     `mapstructure:"regime_min_samples"`
}

// DefaultConfig returns the standard window layout: 2h, 24h and 7d.
func DefaultConfig() Config {
	return Config{
		Alpha:            0.3,
		ShortWindow:      2 * time.Hour,
		MediumWindow:     24 * time.Hour,
		LongWindow:       week,
		ShortMinSamples:  5,
		MediumMinSamples: 10,
		LongMinSamples:   20,
		ContextHours:     2,
		RegimeThreshold:  2.0,
		RegimeSustained:  0.7,
		RegimeMinSamples: 20,
	}
}

// Validate checks the configuration for values the engine cannot run with.
func (c Config) Validate() error {
	switch {
	case c.Alpha <= 0 || c.Alpha > 1:
		return fmt.Errorf("alpha must be in (0, 1], got %v", c.Alpha)
	case c.ShortWindow <= 0 || c.MediumWindow <= 0 || c.LongWindow <= 0:
		return fmt.Errorf("windows must be positive")
	case c.ShortWindow > c.MediumWindow || c.MediumWindow > c.LongWindow:
		return fmt.Errorf("windows must satisfy short <= medium <= long")
	case c.ShortMinSamples < 1 || c.MediumMinSamples < 1 || c.LongMinSamples < 1:
		return fmt.Errorf("minimum samples must be at least 1")
	case c.ContextHours < 0 || c.ContextHours > 12:
		return fmt.Errorf("context_hours must be in [0, 12], got %d", c.ContextHours)
	case c.RegimeSustained <= 0 || c.RegimeSustained > 1:
		return fmt.Errorf("regime_sustained must be in (0, 1], got %v", c.RegimeSustained)
	}
	return nil
}

// Estimate is the baseline derived from a single window.
type Estimate struct {
	Window  string `json:"window"`
	OK      bool   `json:"ok"`
	Samples int    `json:"samples"`

	EWMA    float64 `json:"ewma"`
	EWMAStd float64 `json:"ewma_std"`
	Upper   float64 `json:"upper_bound"`
	Lower   float64 `json:"lower_bound"`

	Mean   float64 `json:"mean"`
	Median float64 `json:"median"`
	StdDev float64 `json:"std"`
	Min    float64 `json:"min"`
	Max    float64 `json:"max"`
	P95    float64 `json:"p95"`

	// Quality in (0, 1] grows with sample count and stability.
	Quality    float64 `json:"quality"`
	Contextual bool    `json:"contextual"`
	Context    string  `json:"context,omitempty"`
}

// Weights are the normalized blend weights of the three windows.
type Weights struct {
	Short  float64 `json:"short"`
	Medium float64 `json:"medium"`
	Long   float64 `json:"long"`
}

// Bundle is the full baseline of one key at one instant.
type Bundle struct {
	At      time.Time `json:"at"`
	Short   Estimate  `json:"short"`
	Medium  Estimate  `json:"medium"`
	Long    Estimate  `json:"long"`
	Weights Weights   `json:"weights"`
	// Value is the quality-weighted blend of the window EWMAs.
	Value float64 `json:"value"`
	// OK is false when no window met its sample floor.
	OK bool `json:"ok"`
}

// Engine computes baselines. It is stateless and safe for concurrent use.
type Engine struct {
	cfg Config
}

// New creates an engine for cfg.
func New(cfg Config) *Engine {
	return &Engine{cfg: cfg}
}

// Config returns the engine configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Compute returns the blended baseline of s at instant at.
func (e *Engine) Compute(s series.RateSeries, at time.Time) Bundle {
	history := s.Before(at)

	b := Bundle{
		At:     at,
		Short:  e.window(history, at, Short, e.cfg.ShortWindow, e.cfg.ShortMinSamples, false),
		Medium: e.window(history, at, Medium, e.cfg.MediumWindow, e.cfg.MediumMinSamples, true),
		Long:   e.window(history, at, Long, e.cfg.LongWindow, e.cfg.LongMinSamples, true),
	}

	var total float64
	for _, est := range []Estimate{b.Short, b.Medium, b.Long} {
		if est.OK {
			total += est.Quality
		}
	}
	if total <= 0 {
		return b
	}

	b.Weights = Weights{
		Short:  weight(b.Short, total),
		Medium: weight(b.Medium, total),
		Long:   weight(b.Long, total),
	}
	b.Value = b.Weights.Short*b.Short.EWMA + b.Weights.Medium*b.Medium.EWMA + b.Weights.Long*b.Long.EWMA
	b.OK = true

	return b
}

// Window returns a plain, non-contextual baseline over [at-span, at).
func (e *Engine) Window(s series.RateSeries, at time.Time, span time.Duration, minSamples int) Estimate {
	return e.window(s.Before(at), at, span.String(), span, minSamples, false)
}

// Guarded is Window with points above mean+sigma·stddev removed before the
// estimate is formed. It also returns that guard level.
func (e *Engine) Guarded(s series.RateSeries, at time.Time, span time.Duration, minSamples int, sigma float64) (Estimate, float64) {
	values := series.Values(sliceSince(s.Before(at), at.Add(-span)), true)
	if len(values) == 0 {
		return Estimate{Window: span.String()}, 0
	}

	guard := series.Mean(values) + sigma*series.StdDev(values)
	kept := values[:0:0]
	for _, v := range values {
		if v <= guard {
			kept = append(kept, v)
		}
	}

	return e.estimate(kept, span.String(), minSamples), guard
}

// Weekly returns the baseline of the same window one week earlier:
// [at-7d, at-7d+span).
func (e *Engine) Weekly(s series.RateSeries, at time.Time, span time.Duration) Estimate {
	from := at.Add(-week)
	to := from.Add(span)
	if to.After(at) {
		to = at
	}
	est := e.estimate(series.Values(s.Between(from, to), true), Weekly, e.cfg.ShortMinSamples)
	est.Context = fmt.Sprintf("%s..%s", from.Format(time.RFC3339), to.Format(time.RFC3339))
	return est
}

// RegimeChange reports whether recent behaviour has settled at a new level
// relative to hist. It also returns the fraction of deviating samples.
func (e *Engine) RegimeChange(recent []float64, hist Estimate) (bool, float64) {
	if !hist.OK || len(recent) < e.cfg.RegimeMinSamples {
		return false, 0
	}

	upper := hist.Mean + e.cfg.RegimeThreshold*hist.StdDev
	lower := hist.Mean * 0.5
	mean := series.Mean(recent)
	if mean <= upper && mean >= lower {
		return false, 0
	}

	var deviating int
	for _, v := range recent {
		if v > upper || v < lower {
			deviating++
		}
	}
	frac := float64(deviating) / float64(len(recent))
	return frac >= e.cfg.RegimeSustained, frac
}

func (e *Engine) window(history []series.Point, at time.Time, name string, span time.Duration, minSamples int, contextual bool) Estimate {
	in := sliceSince(history, at.Add(-span))

	if contextual {
		var matched []float64
		for _, p := range in {
			if !p.Reset && e.sameContext(p.Time, at) {
				matched = append(matched, p.Rate)
			}
		}
		if len(matched) >= minSamples {
			est := e.estimate(matched, name, minSamples)
			est.Contextual = true
			est.Context = e.describeContext(at)
			return est
		}
	}

	return e.estimate(series.Values(in, true), name, minSamples)
}

func (e *Engine) estimate(values []float64, name string, minSamples int) Estimate {
	est := Estimate{Window: name, Samples: len(values)}
	if len(values) == 0 {
		return est
	}

	est.EWMA, est.EWMAStd = EWMA(values, e.cfg.Alpha)
	est.Upper = est.EWMA + 3*est.EWMAStd
	est.Lower = math.Max(0, est.EWMA-3*est.EWMAStd)
	est.Mean = series.Mean(values)
	est.Median = series.Median(values)
	est.StdDev = series.StdDev(values)
	est.Min, est.Max = series.MinMax(values)
	est.P95 = series.Percentile(values, 0.95)

	if len(values) >= minSamples {
		est.OK = true
		est.Quality = quality(len(values), minSamples, est.Mean, est.StdDev)
	}

	return est
}

// sameContext matches hour-of-day within ContextHours and the same day class
// (weekday or weekend).
func (e *Engine) sameContext(t, at time.Time) bool {
	t = t.In(at.Location())
	diff := t.Hour() - at.Hour()
	if diff < 0 {
		diff = -diff
	}
	if diff > 12 {
		diff = 24 - diff
	}
	return diff <= e.cfg.ContextHours && weekend(t) == weekend(at)
}

func (e *Engine) describeContext(at time.Time) string {
	day := "weekday"
	if weekend(at) {
		day = "weekend"
	}
	return fmt.Sprintf("hour=%d±%dh, %s", at.Hour(), e.cfg.ContextHours, day)
}

// EWMA returns the exponentially weighted moving average of values seeded
// with the first value, and the EWMA deviation around it.
func EWMA(values []float64, alpha float64) (float64, float64) {
	if len(values) == 0 {
		return 0, 0
	}
	ewma := values[0]
	for _, v := range values[1:] {
		ewma = alpha*v + (1-alpha)*ewma
	}

	var variance float64
	for _, v := range values {
		d := v - ewma
		variance = alpha*d*d + (1-alpha)*variance
	}
	return ewma, math.Sqrt(variance)
}

// quality combines a saturating sample-count term with a saturating
// inverse-CV stability term.
func quality(n, minSamples int, mean, std float64) float64 {
	count := float64(n) / float64(n+minSamples)
	var cv float64
	if mean > 0 {
		cv = std / mean
	}
	return count / (1 + cv)
}

func weight(est Estimate, total float64) float64 {
	if !est.OK {
		return 0
	}
	return est.Quality / total
}

func weekend(t time.Time) bool {
	return t.Weekday() == time.Saturday || t.Weekday() == time.Sunday
}

func sliceSince(points []series.Point, from time.Time) []series.Point {
	for i, p := range points {
		if !p.Time.Before(from) {
			return points[i:]
		}
	}
	return nil
}
