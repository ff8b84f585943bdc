// Package rules holds the bank of independent anomaly detectors that run
// over one key's rate series and baselines.
package rules

import (
	"fmt"
	"strings"
	"time"

	"github.com/hed1ad/pfeguard/pkg/series"
)

// Severity ranks candidates. Higher is worse.
type Severity int

// Severity levels.
const (
	Low Severity = iota + 1
	Medium
	High
	Critical
)

func (s Severity) String() string {
	switch s {
	case Low:
		return "LOW"
	case Medium:
		return "MEDIUM"
	case High:
		return "HIGH"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the severity by name.
func (s Severity) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText decodes a severity name.
func (s *Severity) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "LOW":
		*s = Low
	case "MEDIUM":
		*s = Medium
	case "HIGH":
		*s = High
	case "CRITICAL":
		*s = Critical
	default:
		return fmt.Errorf("unknown severity %q", b)
	}
	return nil
}

// ID identifies a rule.
type ID int

// Rule identifiers.
const (
	NewException ID = iota + 1
	Spike
	SustainedChange
	WeeklyAnomaly
	RateOfChange
	Volatility
	Correlation
	Multivariate
)

var ruleNames = map[ID]string{
	NewException:    "new_exception",
	Spike:           "spike",
	SustainedChange: "sustained_change",
	WeeklyAnomaly:   "weekly_anomaly",
	RateOfChange:    "rate_of_change",
	Volatility:      "volatility",
	Correlation:     "multi_exception_correlation",
	Multivariate:    "ml_multivariate",
}

// String returns the rule name.
func (id ID) String() string {
	if name, ok := ruleNames[id]; ok {
		return name
	}
	return fmt.Sprintf("rule_%d", int(id))
}

// MarshalText encodes the rule by name.
func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

// Candidate is one rule's finding for one key, before aggregation.
type Candidate struct {
	Key         series.Key         `json:"key"`
	Rule        ID                 `json:"rule"`
	Severity    Severity           `json:"severity"`
	DetectedAt  time.Time          `json:"detected_at"`
	Metrics     map[string]float64 `json:"metrics"`
	Explanation string             `json:"explanation"`
	// Related lists the keys a correlation candidate was built from.
	Related []series.Key `json:"related,omitempty"`
}

// Config holds rule thresholds.
type Config struct {
	// ZeroBaseline is the rate under which a baseline counts as zero.
	ZeroBaseline float64 `mapstructure:"zero_baseline"`

	NewExceptionRate float64 `mapstructure:"new_exception_rate"`

	SpikeWindow     time.Duration `mapstructure:"spike_window"`
	SpikeMinSamples int           `mapstructure:"spike_min_samples"`
	SpikeCritical   float64       `mapstructure:"spike_critical"`
	SpikeHigh       float64       `mapstructure:"spike_high"`
	SpikeSigma      float64       `mapstructure:"spike_sigma"`

	SustainedRatio    float64 `mapstructure:"sustained_ratio"`
	SustainedFraction float64 `mapstructure:"sustained_fraction"`

	WeeklyRatio float64 `mapstructure:"weekly_ratio"`

	ROCRatio       float64       `mapstructure:"roc_ratio"`
	ROCConfirm     int           `mapstructure:"roc_confirm"`
	ROCMinLookback time.Duration `mapstructure:"roc_min_lookback"`
	ROCMinHistory  int           `mapstructure:"roc_min_history"`

	VolatilityCV         float64 `mapstructure:"volatility_cv"`
	VolatilityMinSamples int     `mapstructure:"volatility_min_samples"`

	CorrelationWindow time.Duration `mapstructure:"correlation_window"`
	CorrelationMin    int           `mapstructure:"correlation_min"`

	// MLTrainingWindow bounds the history the multivariate model trains on.
	MLTrainingWindow time.Duration `mapstructure:"ml_training_window"`
}

// DefaultConfig returns the standard rule thresholds.
func DefaultConfig() Config {
	return Config{
		ZeroBaseline:         0.01,
		NewExceptionRate:     1.0,
		SpikeWindow:          48 * time.Hour,
		SpikeMinSamples:      10,
		SpikeCritical:        2.0,
		SpikeHigh:            1.5,
		SpikeSigma:           3.0,
		SustainedRatio:       1.5,
		SustainedFraction:    0.7,
		WeeklyRatio:          2.0,
		ROCRatio:             2.0,
		ROCConfirm:           4,
		ROCMinLookback:       6 * time.Hour,
		ROCMinHistory:        6,
		VolatilityCV:         1.5,
		VolatilityMinSamples: 5,
		CorrelationWindow:    5 * time.Minute,
		CorrelationMin:       3,
		MLTrainingWindow:     24 * time.Hour,
	}
}

// Validate checks c for unusable values.
func (c Config) Validate() error {
	switch {
	case c.ZeroBaseline < 0:
		return fmt.Errorf("zero_baseline must not be negative")
	case c.NewExceptionRate <= 0:
		return fmt.Errorf("new_exception_rate must be positive")
	case c.SpikeWindow <= 0 || c.SpikeMinSamples < 1:
		return fmt.Errorf("spike window and min samples must be positive")
	case c.SpikeHigh <= 1 || c.SpikeCritical < c.SpikeHigh:
		return fmt.Errorf("spike ratios must satisfy 1 < high <= critical")
	case c.SpikeSigma < 0:
		return fmt.Errorf("spike_sigma must not be negative")
	case c.SustainedRatio <= 1:
		return fmt.Errorf("sustained_ratio must be above 1")
	case c.SustainedFraction <= 0 || c.SustainedFraction > 1:
		return fmt.Errorf("sustained_fraction must be in (0, 1]")
	case c.WeeklyRatio <= 1 || c.ROCRatio <= 0:
		return fmt.Errorf("weekly_ratio must be above 1 and roc_ratio positive")
	case c.ROCConfirm < 1 || c.ROCMinHistory < 1 || c.ROCMinLookback <= 0:
		return fmt.Errorf("rate-of-change confirmation, history and lookback must be positive")
	case c.VolatilityCV <= 0 || c.VolatilityMinSamples < 2:
		return fmt.Errorf("volatility_cv must be positive and volatility_min_samples at least 2")
	case c.CorrelationWindow <= 0 || c.CorrelationMin < 2:
		return fmt.Errorf("correlation window must be positive and correlation_min at least 2")
	case c.MLTrainingWindow <= 0:
		return fmt.Errorf("ml_training_window must be positive")
	}
	return nil
}
