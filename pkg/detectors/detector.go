// Package detectors provides unsupervised anomaly detection over feature
// vectors and the per-key multivariate scorer built on top of it.
package detectors

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotTrained is returned when scoring before a successful Fit.
	ErrNotTrained = errors.New("model not trained")
	// ErrDegenerateData is returned when every training row is identical, so
	// no split can isolate anything.
	ErrDegenerateData = errors.New("degenerate training data")
	// ErrInactive is returned when the series shows no exception activity
	// worth modelling.
	ErrInactive = errors.New("no activity")
)

// Detector is the common interface for anomaly detection algorithms.
type Detector interface {
	// Fit trains the detector on data, one row per sample.
	Fit(ctx context.Context, data [][]float64) error

	// Predict returns anomaly scores in [0, 1] for the given samples.
	// Higher values indicate anomalies.
	Predict(data [][]float64) ([]float64, error)

	// PredictOne returns the anomaly score for a single sample.
	PredictOne(sample []float64) (float64, error)

	// Threshold returns the contamination-derived score cut-off learned by Fit.
	Threshold() float64
}

// Factory builds a fresh, untrained detector.
type Factory func(cfg Config) Detector

// Score represents an anomaly detection result.
type Score struct {
	// Value is the anomaly score in [0, 1].
	Value float64
	// IsAnomaly indicates if the score exceeds the threshold.
	IsAnomaly bool
	// Features contains the original input features.
	Features []float64
}

// Config holds detector configuration.
type Config struct {
	// Contamination is the expected proportion of anomalies in training data.
	Contamination float64 `mapstructure:"contamination"`
	// Threshold is the score above which a point is anomalous.
	Threshold float64 `mapstructure:"threshold"`
	// Estimators is the number of trees in the ensemble.
	Estimators int `mapstructure:"estimators"`
	// MaxSamples is the subsample size per tree.
	MaxSamples int `mapstructure:"max_samples"`
	// MinSamples is the number of feature vectors needed to train at all.
	MinSamples int `mapstructure:"min_samples"`
	// MinActivity skips series whose peak rate stays below it.
	MinActivity float64 `mapstructure:"min_activity"`
	// RandomSeed for reproducibility.
	RandomSeed int64 `mapstructure:"random_seed"`
}

// DefaultConfig returns sensible defaults for detector configuration.
func DefaultConfig() Config {
	return Config{
		Contamination: 0.1,
		Threshold:     0.6,
		Estimators:    100,
		MaxSamples:    256,
		MinSamples:    20,
		MinActivity:   0.1,
		RandomSeed:    42,
	}
}

// Validate checks c for unusable values.
func (c Config) Validate() error {
	switch {
	case c.Contamination < 0 || c.Contamination >= 0.5:
		return fmt.Errorf("contamination must be in [0, 0.5), got %v", c.Contamination)
	case c.Threshold <= 0 || c.Threshold >= 1:
		return fmt.Errorf("threshold must be in (0, 1), got %v", c.Threshold)
	case c.Estimators < 1:
		return fmt.Errorf("estimators must be positive, got %d", c.Estimators)
	case c.MaxSamples < 2:
		return fmt.Errorf("max_samples must be at least 2, got %d", c.MaxSamples)
	case c.MinSamples < 2:
		return fmt.Errorf("min_samples must be at least 2, got %d", c.MinSamples)
	case c.MinActivity < 0:
		return fmt.Errorf("min_activity must not be negative, got %v", c.MinActivity)
	}
	return nil
}
