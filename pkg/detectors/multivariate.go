package detectors

import (
	"context"
	"fmt"
	"time"

	"github.com/hed1ad/pfeguard/pkg/features"
	"github.com/hed1ad/pfeguard/pkg/series"
)

// Result is the outcome of scoring one key's recent feature vectors.
type Result struct {
	// Score is the highest score among the scored vectors.
	Score     float64
	At        time.Time
	Rate      float64
	Anomalous bool

	Trained int
	Scored  int
	// Outliers counts training vectors above the contamination cut-off.
	Outliers      int
	Contamination float64
	// NormalMean is the mean rate of training vectors under the cut-off.
	NormalMean float64
}

// Scorer trains a fresh detector per call and scores the newest vectors.
// No model outlives a call.
type Scorer struct {
	cfg     Config
	factory Factory
}

// NewScorer creates a scorer that builds detectors with factory.
func NewScorer(cfg Config, factory Factory) *Scorer {
	return &Scorer{cfg: cfg, factory: factory}
}

// Config returns the scorer configuration.
func (s *Scorer) Config() Config {
	return s.cfg
}

// Score trains on vs and scores every vector at or after from.
func (s *Scorer) Score(ctx context.Context, vs []features.Vector, from time.Time) (Result, error) {
	if len(vs) < s.cfg.MinSamples {
		return Result{}, fmt.Errorf("%d feature vectors, need %d: %w", len(vs), s.cfg.MinSamples, series.ErrInsufficientData)
	}

	var peak float64
	first := -1
	for i, v := range vs {
		if v.Rate > peak {
			peak = v.Rate
		}
		if first < 0 && !v.Time.Before(from) {
			first = i
		}
	}
	if first < 0 {
		return Result{}, fmt.Errorf("no vectors to score: %w", series.ErrInsufficientData)
	}
	if peak < s.cfg.MinActivity {
		return Result{}, ErrInactive
	}

	data := features.Matrix(vs)
	det := s.factory(s.cfg)
	if err := det.Fit(ctx, data); err != nil {
		return Result{}, fmt.Errorf("fit: %w", err)
	}

	scores, err := det.Predict(data)
	if err != nil {
		return Result{}, fmt.Errorf("predict: %w", err)
	}

	res := Result{
		Trained:       len(vs),
		Scored:        len(vs) - first,
		Contamination: det.Threshold(),
		Score:         -1,
	}

	var normal []float64
	for i, score := range scores {
		if score > res.Contamination {
			res.Outliers++
		} else {
			normal = append(normal, vs[i].Rate)
		}
		if i >= first && score > res.Score {
			res.Score = score
			res.At = vs[i].Time
			res.Rate = vs[i].Rate
		}
	}
	res.NormalMean = series.Mean(normal)
	res.Anomalous = res.Score > s.cfg.Threshold

	return res, nil
}
