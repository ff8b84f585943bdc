package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/hed1ad/pfeguard/pkg/baseline"
	"github.com/hed1ad/pfeguard/pkg/detectors"
	"github.com/hed1ad/pfeguard/pkg/features"
	"github.com/hed1ad/pfeguard/pkg/series"
)

// Input is one key's data for a single evaluation.
type Input struct {
	Series series.RateSeries
	// Now is the evaluation instant. Points after it are ignored.
	Now time.Time
	// WindowStart opens the recent window [WindowStart, Now].
	WindowStart    time.Time
	MinConsecutive int
}

// Outcome is what the per-key rules produced.
type Outcome struct {
	Candidates []Candidate
	// Baseline is the blended baseline at the window start.
	Baseline baseline.Bundle
	// Inapplicable maps rules that could not run to the reason.
	Inapplicable map[ID]string
	// FitErr is set when the multivariate model could not be trained.
	FitErr error
}

// Evaluator runs rules 1 to 6 and 8 over one key. Rule 7 spans keys and
// runs in Correlate.
type Evaluator struct {
	cfg    Config
	engine *baseline.Engine
	scorer *detectors.Scorer
	logger *zap.Logger
}

// NewEvaluator creates an evaluator. A nil scorer disables the
// multivariate rule.
func NewEvaluator(cfg Config, engine *baseline.Engine, scorer *detectors.Scorer, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{cfg: cfg, engine: engine, scorer: scorer, logger: logger}
}

// Evaluate runs every per-key rule. Missing data never produces an error;
// the only error is the context ending.
func (e *Evaluator) Evaluate(ctx context.Context, in Input) (Outcome, error) {
	if in.MinConsecutive < 1 {
		in.MinConsecutive = 1
	}

	out := Outcome{
		Baseline:     e.engine.Compute(in.Series, in.WindowStart),
		Inapplicable: make(map[ID]string),
	}
	recent := upTo(in.Series.Since(in.WindowStart), in.Now)

	checks := []struct {
		id  ID
		run func(Input, baseline.Bundle, []series.Point) (Candidate, string)
	}{
		{NewException, e.newException},
		{Spike, e.spike},
		{SustainedChange, e.sustained},
		{WeeklyAnomaly, e.weekly},
		{RateOfChange, e.rateOfChange},
		{Volatility, e.volatility},
	}

	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		cand, reason := c.run(in, out.Baseline, recent)
		switch {
		case reason != "":
			out.Inapplicable[c.id] = reason
		case cand.Rule != 0:
			cand.Key = in.Series.Key
			out.Candidates = append(out.Candidates, cand)
		}
	}

	cand, reason, err := e.multivariate(ctx, in)
	switch {
	case err != nil && ctx.Err() != nil:
		return out, ctx.Err()
	case err != nil:
		out.FitErr = err
		out.Inapplicable[Multivariate] = reason
		e.logger.Warn("multivariate model fit failed",
			zap.String("device", in.Series.Key.Device),
			zap.String("slot", in.Series.Key.Slot),
			zap.String("exception", in.Series.Key.Exception),
			zap.Error(err))
	case reason != "":
		out.Inapplicable[Multivariate] = reason
	case cand.Rule != 0:
		cand.Key = in.Series.Key
		out.Candidates = append(out.Candidates, cand)
	}

	return out, nil
}

// Rule 1: a key with a zero baseline starts reporting a sustained rate.
func (e *Evaluator) newException(in Input, b baseline.Bundle, recent []series.Point) (Candidate, string) {
	if !b.OK {
		return Candidate{}, "insufficient baseline"
	}
	if b.Value > e.cfg.ZeroBaseline {
		return Candidate{}, ""
	}

	start, n := firstRun(recent, in.MinConsecutive, func(p series.Point) bool {
		return !p.Reset && p.Rate >= e.cfg.NewExceptionRate
	})
	if start < 0 {
		return Candidate{}, ""
	}

	run := series.Values(recent[start:start+n], true)
	_, peak := series.MinMax(run)
	return Candidate{
		Rule:       NewException,
		Severity:   High,
		DetectedAt: recent[start].Time,
		Metrics: map[string]float64{
			"baseline":   b.Value,
			"run_length": float64(n),
			"mean_rate":  series.Mean(run),
			"peak_rate":  peak,
		},
		Explanation: fmt.Sprintf("new exception: baseline %.3f exc/s, %d consecutive samples at or above %.1f exc/s (peak %.2f)",
			b.Value, n, e.cfg.NewExceptionRate, peak),
	}, ""
}

// Rule 2: the recent peak is far above an outlier-trimmed 48h baseline.
func (e *Evaluator) spike(in Input, _ baseline.Bundle, recent []series.Point) (Candidate, string) {
	est, guard := e.engine.Guarded(in.Series, in.WindowStart, e.cfg.SpikeWindow, e.cfg.SpikeMinSamples, e.cfg.SpikeSigma)
	if !est.OK {
		return Candidate{}, "insufficient spike baseline"
	}
	if est.Mean <= e.cfg.ZeroBaseline {
		return Candidate{}, ""
	}

	idx := series.MaxPoint(recent)
	if idx < 0 {
		return Candidate{}, ""
	}
	peak := recent[idx].Rate
	ratio := peak / est.Mean
	if peak <= guard || ratio <= e.cfg.SpikeHigh {
		return Candidate{}, ""
	}

	sev := High
	if ratio > e.cfg.SpikeCritical {
		sev = Critical
	}
	return Candidate{
		Rule:       Spike,
		Severity:   sev,
		DetectedAt: recent[idx].Time,
		Metrics: map[string]float64{
			"baseline": est.Mean,
			"guard":    guard,
			"peak":     peak,
			"ratio":    ratio,
			"samples":  float64(est.Samples),
		},
		Explanation: fmt.Sprintf("spike: peak %.2f exc/s is %.1fx the %s baseline %.2f (guard %.2f)",
			peak, ratio, e.cfg.SpikeWindow, est.Mean, guard),
	}, ""
}

// Rule 3: most of the recent window sits well above the blended baseline.
func (e *Evaluator) sustained(in Input, b baseline.Bundle, recent []series.Point) (Candidate, string) {
	if !b.OK {
		return Candidate{}, "insufficient baseline"
	}
	if b.Value <= e.cfg.ZeroBaseline {
		return Candidate{}, ""
	}

	threshold := e.cfg.SustainedRatio * b.Value
	above := func(p series.Point) bool { return !p.Reset && p.Rate > threshold }

	values := series.Values(recent, true)
	if len(values) == 0 {
		return Candidate{}, ""
	}
	var over int
	for _, v := range values {
		if v > threshold {
			over++
		}
	}
	frac := float64(over) / float64(len(values))
	if frac < e.cfg.SustainedFraction {
		return Candidate{}, ""
	}

	start, n := firstRun(recent, in.MinConsecutive, above)
	if start < 0 {
		return Candidate{}, ""
	}

	hist := b.Medium
	if !hist.OK {
		hist = b.Short
	}
	regime, deviating := e.engine.RegimeChange(values, hist)

	metrics := map[string]float64{
		"baseline":         b.Value,
		"threshold":        threshold,
		"fraction_above":   frac,
		"run_length":       float64(n),
		"recent_mean":      series.Mean(values),
		"regime_deviation": deviating,
		"regime_change":    0,
	}
	if regime {
		metrics["regime_change"] = 1
	}
	return Candidate{
		Rule:       SustainedChange,
		Severity:   Medium,
		DetectedAt: recent[start].Time,
		Metrics:    metrics,
		Explanation: fmt.Sprintf("sustained change: %.0f%% of recent samples above %.2f exc/s (%.1fx baseline %.2f)",
			frac*100, threshold, e.cfg.SustainedRatio, b.Value),
	}, ""
}

// Rule 4: the recent mean is far above the same window one week earlier.
func (e *Evaluator) weekly(in Input, _ baseline.Bundle, recent []series.Point) (Candidate, string) {
	est := e.engine.Weekly(in.Series, in.WindowStart, in.Now.Sub(in.WindowStart))
	if !est.OK {
		return Candidate{}, "no data for the same window last week"
	}
	values := series.Values(recent, true)
	if len(values) == 0 || est.EWMA <= e.cfg.ZeroBaseline {
		return Candidate{}, ""
	}

	mean := series.Mean(values)
	ratio := mean / est.EWMA
	if ratio <= e.cfg.WeeklyRatio {
		return Candidate{}, ""
	}

	return Candidate{
		Rule:       WeeklyAnomaly,
		Severity:   Medium,
		DetectedAt: in.WindowStart,
		Metrics: map[string]float64{
			"weekly_baseline": est.EWMA,
			"recent_mean":     mean,
			"ratio":           ratio,
		},
		Explanation: fmt.Sprintf("weekly anomaly: recent mean %.2f exc/s is %.1fx last week's %.2f (%s)",
			mean, ratio, est.EWMA, est.Context),
	}, ""
}

// Rule 5: hourly growth outpaces the historical hour-to-hour change.
func (e *Evaluator) rateOfChange(in Input, _ baseline.Bundle, recent []series.Point) (Candidate, string) {
	if lookback := in.Now.Sub(in.WindowStart); lookback < e.cfg.ROCMinLookback {
		return Candidate{}, fmt.Sprintf("lookback %s shorter than %s", lookback, e.cfg.ROCMinLookback)
	}

	var histROC []float64
	for _, d := range hourlyDerivatives(series.Hourly(in.Series.Before(in.WindowStart))) {
		if d.Reset {
			continue
		}
		if d.Rate < 0 {
			d.Rate = -d.Rate
		}
		histROC = append(histROC, d.Rate)
	}
	if len(histROC) < e.cfg.ROCMinHistory {
		return Candidate{}, "insufficient hourly history"
	}

	base := series.Mean(histROC)
	if base < e.cfg.ZeroBaseline {
		base = e.cfg.ZeroBaseline
	}
	limit := e.cfg.ROCRatio * base

	derivs := hourlyDerivatives(series.Hourly(recent))
	start, n := firstRun(derivs, e.cfg.ROCConfirm, func(p series.Point) bool {
		return p.Rate > limit
	})
	if start < 0 {
		return Candidate{}, ""
	}

	run := series.Values(derivs[start:start+n], false)
	return Candidate{
		Rule:       RateOfChange,
		Severity:   High,
		DetectedAt: derivs[start+n-1].Time,
		Metrics: map[string]float64{
			"historical_roc": base,
			"mean_roc":       series.Mean(run),
			"run_length":     float64(n),
			"ratio":          series.Mean(run) / base,
		},
		Explanation: fmt.Sprintf("rate of change: %d consecutive hourly increases above %.2f exc/s per hour (historical %.2f)",
			n, limit, base),
	}, ""
}

// Rule 6: the recent window is erratic.
func (e *Evaluator) volatility(in Input, _ baseline.Bundle, recent []series.Point) (Candidate, string) {
	values := series.Values(recent, true)
	if len(values) < e.cfg.VolatilityMinSamples {
		return Candidate{}, "too few recent samples"
	}
	cv, ok := series.CV(values)
	if !ok || cv <= e.cfg.VolatilityCV {
		return Candidate{}, ""
	}

	mean := series.Mean(values)
	return Candidate{
		Rule:       Volatility,
		Severity:   Medium,
		DetectedAt: in.Now,
		Metrics: map[string]float64{
			"cv":     cv,
			"mean":   mean,
			"stddev": series.StdDev(values),
		},
		Explanation: fmt.Sprintf("volatility: coefficient of variation %.2f above %.2f (mean %.2f exc/s)",
			cv, e.cfg.VolatilityCV, mean),
	}, ""
}

// Rule 8: an isolation forest trained on the key's own recent history
// isolates a recent feature vector.
func (e *Evaluator) multivariate(ctx context.Context, in Input) (Candidate, string, error) {
	if e.scorer == nil {
		return Candidate{}, "disabled", nil
	}

	history := upTo(in.Series.Since(in.WindowStart.Add(-e.cfg.MLTrainingWindow)), in.Now)
	res, err := e.scorer.Score(ctx, features.Build(history), in.WindowStart)
	switch {
	case errors.Is(err, series.ErrInsufficientData):
		return Candidate{}, "too few feature vectors", nil
	case errors.Is(err, detectors.ErrInactive):
		return Candidate{}, "no activity", nil
	case err != nil:
		return Candidate{}, "model fit failed", err
	}
	if !res.Anomalous {
		return Candidate{}, "", nil
	}

	metrics := map[string]float64{
		"score":       res.Score,
		"threshold":   e.scorer.Config().Threshold,
		"rate":        res.Rate,
		"normal_mean": res.NormalMean,
	}
	if res.Trained > 0 {
		metrics["outlier_fraction"] = float64(res.Outliers) / float64(res.Trained)
	}
	factor := ""
	if res.NormalMean > 0 {
		metrics["severity_factor"] = res.Rate / res.NormalMean
		factor = fmt.Sprintf(", %.1fx normal", res.Rate/res.NormalMean)
	}

	return Candidate{
		Rule:       Multivariate,
		Severity:   Medium,
		DetectedAt: res.At,
		Metrics:    metrics,
		Explanation: fmt.Sprintf("ml anomaly: score %.2f at %.2f exc/s (normal mean %.2f%s), %d of %d training points outlying",
			res.Score, res.Rate, res.NormalMean, factor, res.Outliers, res.Trained),
	}, "", nil
}

// firstRun finds the first run of at least min consecutive points matching
// ok and returns its start and full length, or -1.
func firstRun(points []series.Point, minLen int, ok func(series.Point) bool) (int, int) {
	start, n := -1, 0
	for i, p := range points {
		if ok(p) {
			if n == 0 {
				start = i
			}
			n++
			continue
		}
		if n >= minLen {
			return start, n
		}
		start, n = -1, 0
	}
	if n > 0 && n >= minLen {
		return start, n
	}
	return -1, 0
}

// hourlyDerivatives returns the per-hour change between hourly points that
// are exactly one hour apart, stamped with the later point.
func hourlyDerivatives(hourly []series.Point) []series.Point {
	var out []series.Point
	for i := 1; i < len(hourly); i++ {
		if hourly[i].Time.Sub(hourly[i-1].Time) != time.Hour {
			// A gap breaks the run of consecutive hours.
			out = append(out, series.Point{Time: hourly[i].Time, Reset: true})
			continue
		}
		out = append(out, series.Point{Time: hourly[i].Time, Rate: hourly[i].Rate - hourly[i-1].Rate})
	}
	return out
}

func upTo(points []series.Point, now time.Time) []series.Point {
	for i := len(points); i > 0; i-- {
		if !points[i-1].Time.After(now) {
			return points[:i]
		}
	}
	return nil
}
