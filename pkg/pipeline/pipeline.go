// Package pipeline runs a detection pass: discover keys, evaluate each key in
// a bounded worker pool, correlate and rank.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/hed1ad/pfeguard/pkg/aggregate"
	"github.com/hed1ad/pfeguard/pkg/inventory"
	pfeio "github.com/hed1ad/pfeguard/pkg/io"
	"github.com/hed1ad/pfeguard/pkg/metrics"
	"github.com/hed1ad/pfeguard/pkg/rules"
	"github.com/hed1ad/pfeguard/pkg/series"
)

// Errors reported for skipped keys and rejected requests.
var (
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrAnalysisIncomplete  = errors.New("analysis incomplete")
	ErrInvalidRequest      = errors.New("invalid request")
)

// Skip reasons.
const (
	ReasonUpstream   = "upstream_unavailable"
	ReasonIncomplete = "analysis_incomplete"
)

// Config holds pipeline parameters.
type Config struct {
	// Workers bounds the number of keys evaluated at once.
	Workers int `mapstructure:"workers"`
	// KeyTimeout bounds fetching and evaluating one key.
	KeyTimeout time.Duration `mapstructure:"key_timeout"`
	// History is how far before the window start samples are fetched.
	History time.Duration `mapstructure:"history"`
	// HistoryPad adds room for the sample preceding the first rate.
	HistoryPad time.Duration `mapstructure:"history_pad"`

	DefaultLookback       time.Duration `mapstructure:"default_lookback"`
	MaxLookback           time.Duration `mapstructure:"max_lookback"`
	DefaultMinConsecutive int           `mapstructure:"default_min_consecutive"`
}

// DefaultConfig returns the standard pipeline parameters.
func DefaultConfig() Config {
	return Config{
		Workers:               8,
		KeyTimeout:            30 * time.Second,
		History:               7 * 24 * time.Hour,
		HistoryPad:            10 * time.Minute,
		DefaultLookback:       time.Hour,
		MaxLookback:           7 * 24 * time.Hour,
		DefaultMinConsecutive: 3,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	switch {
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1")
	case c.KeyTimeout <= 0:
		return fmt.Errorf("key_timeout must be positive")
	case c.History <= 0 || c.HistoryPad < 0:
		return fmt.Errorf("history must be positive and history_pad not negative")
	case c.DefaultLookback <= 0 || c.MaxLookback < c.DefaultLookback:
		return fmt.Errorf("lookbacks must satisfy 0 < default_lookback <= max_lookback")
	case c.DefaultMinConsecutive < 1:
		return fmt.Errorf("default_min_consecutive must be at least 1")
	}
	return nil
}

// Request is one detection call. Zero values take the configured defaults.
type Request struct {
	// Devices limits the run. Empty means every known device.
	Devices        []string      `json:"devices,omitempty"`
	Lookback       time.Duration `json:"lookback"`
	MinConsecutive int           `json:"min_consecutive"`
}

// Skip records a key, or a whole device, that could not be evaluated.
type Skip struct {
	Key    series.Key `json:"key"`
	Reason string     `json:"reason"`
	Error  string     `json:"error"`
}

// Report is the result of one detection call.
type Report struct {
	GeneratedAt time.Time         `json:"generated_at"`
	WindowStart time.Time         `json:"window_start"`
	Alerts      []aggregate.Alert `json:"alerts"`
	Skipped     []Skip            `json:"skipped"`
	Evaluated   int               `json:"evaluated"`
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithInventory resolves "all devices" from inv instead of the source.
func WithInventory(inv *inventory.Inventory) Option {
	return func(p *Pipeline) {
		p.inventory = inv
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline evaluates every key of the requested devices. It keeps no state
// between calls and is safe for concurrent use.
type Pipeline struct {
	cfg        Config
	source     pfeio.Source
	evaluator  *rules.Evaluator
	aggregator *aggregate.Aggregator
	inventory  *inventory.Inventory
	logger     *zap.Logger
	now        func() time.Time
}

// New creates a pipeline.
func New(cfg Config, source pfeio.Source, evaluator *rules.Evaluator, aggregator *aggregate.Aggregator, opts ...Option) *Pipeline {
	p := &Pipeline{
		cfg:        cfg,
		source:     source,
		evaluator:  evaluator,
		aggregator: aggregator,
		logger:     zap.NewNop(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

type keyResult struct {
	outcome rules.Outcome
	err     error
}

// Detect runs one detection pass. Per-key failures are reported in
// Report.Skipped; an error is returned only for a bad request, a failed
// device listing, or a canceled context.
func (p *Pipeline) Detect(ctx context.Context, req Request) (Report, error) {
	start := time.Now()
	report, err := p.detect(ctx, req)
	metrics.RecordRun(err == nil, time.Since(start).Seconds())
	return report, err
}

func (p *Pipeline) detect(ctx context.Context, req Request) (Report, error) {
	if req.Lookback == 0 {
		req.Lookback = p.cfg.DefaultLookback
	}
	if req.MinConsecutive == 0 {
		req.MinConsecutive = p.cfg.DefaultMinConsecutive
	}
	if req.Lookback < 0 || req.Lookback > p.cfg.MaxLookback {
		return Report{}, fmt.Errorf("%w: lookback %s outside (0, %s]", ErrInvalidRequest, req.Lookback, p.cfg.MaxLookback)
	}
	if req.MinConsecutive < 0 {
		return Report{}, fmt.Errorf("%w: min_consecutive %d", ErrInvalidRequest, req.MinConsecutive)
	}

	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	now := p.now().UTC()
	ws := now.Add(-req.Lookback)
	report := Report{GeneratedAt: now, WindowStart: ws, Alerts: []aggregate.Alert{}, Skipped: []Skip{}}

	devices, err := p.devices(ctx, req, ws, now)
	if err != nil {
		return Report{}, err
	}

	keys, skipped := p.discover(ctx, devices, ws, now)
	report.Skipped = append(report.Skipped, skipped...)
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	results := make([]keyResult, len(keys))
	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for i, key := range keys {
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			out, err := p.evaluateKey(ctx, key, ws, now, req.MinConsecutive)
			results[i] = keyResult{outcome: out, err: err}
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}

	var cands []rules.Candidate
	for i, r := range results {
		key := keys[i]
		if r.err != nil {
			report.Skipped = append(report.Skipped, skip(key, r.err))
			continue
		}
		report.Evaluated++
		metrics.KeysEvaluated.Inc()
		if r.outcome.FitErr != nil {
			metrics.MLFitFailures.Inc()
		}
		for _, c := range r.outcome.Candidates {
			metrics.RecordCandidate(c.Rule.String(), c.Severity.String())
			if c.Rule == rules.SustainedChange && c.Metrics["regime_change"] == 1 {
				p.logger.Info("regime change",
					zap.String("device", key.Device),
					zap.String("slot", key.Slot),
					zap.String("exception", key.Exception),
					zap.Float64("baseline", c.Metrics["baseline"]),
					zap.Float64("recent_mean", c.Metrics["recent_mean"]))
			}
		}
		cands = append(cands, r.outcome.Candidates...)
	}

	report.Alerts = p.aggregator.Aggregate(cands, aggregate.Window{Start: ws, End: now})
	for _, a := range report.Alerts {
		if a.Rule == rules.Correlation {
			metrics.RecordCandidate(a.Rule.String(), a.Severity.String())
		}
	}
	sortSkips(report.Skipped)

	p.logger.Info("detection complete",
		zap.Int("devices", len(devices)),
		zap.Int("keys", len(keys)),
		zap.Int("evaluated", report.Evaluated),
		zap.Int("skipped", len(report.Skipped)),
		zap.Int("alerts", len(report.Alerts)),
		zap.Duration("lookback", req.Lookback))

	return report, nil
}

func (p *Pipeline) devices(ctx context.Context, req Request, ws, now time.Time) ([]string, error) {
	switch {
	case len(req.Devices) > 0:
		out := append([]string(nil), req.Devices...)
		sort.Strings(out)
		return compact(out), nil
	case p.inventory != nil:
		return p.inventory.Devices(), nil
	}
	devices, err := p.source.Devices(ctx, ws, now)
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrUpstreamUnavailable, err)
	}
	return devices, nil
}

// discover lists the keys with samples in the recent window, one query per
// device, in parallel.
func (p *Pipeline) discover(ctx context.Context, devices []string, ws, now time.Time) ([]series.Key, []Skip) {
	var (
		mu      sync.Mutex
		keys    []series.Key
		skipped []Skip
	)

	var g errgroup.Group
	g.SetLimit(p.cfg.Workers)
	for _, device := range devices {
		g.Go(func() error {
			dctx, cancel := context.WithTimeout(ctx, p.cfg.KeyTimeout)
			defer cancel()

			samples, err := p.source.Query(dctx, series.Query{Device: device, Start: ws, End: now})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if ctx.Err() == nil {
					skipped = append(skipped, skip(series.Key{Device: device}, p.fetchErr(dctx, err)))
				}
				return nil
			}
			found, _ := series.Group(samples)
			keys = append(keys, found...)
			return nil
		})
	}
	_ = g.Wait()

	series.SortKeys(keys)
	return keys, skipped
}

func (p *Pipeline) evaluateKey(ctx context.Context, key series.Key, ws, now time.Time, minConsecutive int) (rules.Outcome, error) {
	kctx, cancel := context.WithTimeout(ctx, p.cfg.KeyTimeout)
	defer cancel()

	samples, err := p.source.Query(kctx, series.Query{
		Device:    key.Device,
		Slot:      key.Slot,
		Exception: key.Exception,
		Start:     ws.Add(-p.cfg.History - p.cfg.HistoryPad),
		End:       now,
	})
	if err != nil {
		return rules.Outcome{}, p.fetchErr(kctx, err)
	}

	out, err := p.evaluator.Evaluate(kctx, rules.Input{
		Series:         series.Extract(key, samples),
		Now:            now,
		WindowStart:    ws,
		MinConsecutive: minConsecutive,
	})
	if err != nil {
		return rules.Outcome{}, fmt.Errorf("%w: %v", ErrAnalysisIncomplete, err)
	}
	return out, nil
}

// fetchErr classifies a source error: a key whose own deadline expired is
// incomplete, anything else is an upstream failure.
func (p *Pipeline) fetchErr(kctx context.Context, err error) error {
	if errors.Is(kctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrAnalysisIncomplete, err)
	}
	return fmt.Errorf("%w: %v", ErrUpstreamUnavailable, err)
}

func skip(key series.Key, err error) Skip {
	reason := ReasonUpstream
	if errors.Is(err, ErrAnalysisIncomplete) {
		reason = ReasonIncomplete
	}
	metrics.RecordSkip(reason)
	return Skip{Key: key, Reason: reason, Error: err.Error()}
}

func sortSkips(skips []Skip) {
	sort.SliceStable(skips, func(i, j int) bool {
		a, b := skips[i].Key, skips[j].Key
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		if a.Slot != b.Slot {
			return a.Slot < b.Slot
		}
		return a.Exception < b.Exception
	})
}

func compact(sorted []string) []string {
	out := sorted[:0]
	for i, s := range sorted {
		if s == "" || (i > 0 && s == sorted[i-1]) {
			continue
		}
		out = append(out, s)
	}
	return out
}
