// Package iforest implements the Isolation Forest algorithm for anomaly detection.
package iforest

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"

	"github.com/hed1ad/pfeguard/pkg/detectors"
)

// eulerGamma is the Euler-Mascheroni constant.
const eulerGamma = 0.5772156649

// IsolationForest implements unsupervised anomaly detection using isolation trees.
type IsolationForest struct {
	mu sync.RWMutex

	// Configuration
	nTrees        int
	sampleSize    int
	contamination float64
	seed          int64

	// Trained model
	trees     []*node
	nFeatures int
	trained   bool
	threshold float64

	// c(ψ) for the effective subsample size
	avgPathLength float64
}

// node is a node in an isolation tree.
type node struct {
	// Split parameters (for internal nodes)
	splitFeature int
	splitValue   float64

	// Children
	left  *node
	right *node

	// Leaf information
	size int // number of samples that reached this leaf
}

func (n *node) leaf() bool {
	return n.left == nil && n.right == nil
}

// Option configures an IsolationForest.
type Option func(*IsolationForest)

// WithTrees sets the number of isolation trees.
func WithTrees(n int) Option {
	return func(f *IsolationForest) {
		f.nTrees = n
	}
}

// WithSampleSize sets the subsample size for each tree.
func WithSampleSize(n int) Option {
	return func(f *IsolationForest) {
		f.sampleSize = n
	}
}

// WithContamination sets the expected proportion of anomalies.
func WithContamination(c float64) Option {
	return func(f *IsolationForest) {
		f.contamination = c
	}
}

// WithSeed sets the random seed for reproducibility.
func WithSeed(seed int64) Option {
	return func(f *IsolationForest) {
		f.seed = seed
	}
}

// New creates a new IsolationForest with the given options.
func New(opts ...Option) *IsolationForest {
	f := &IsolationForest{
		nTrees:        100,
		sampleSize:    256,
		contamination: 0.1,
		seed:          42,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// FromConfig builds a forest from detector configuration. It satisfies
// detectors.Factory.
func FromConfig(cfg detectors.Config) detectors.Detector {
	return New(
		WithTrees(cfg.Estimators),
		WithSampleSize(cfg.MaxSamples),
		WithContamination(cfg.Contamination),
		WithSeed(cfg.RandomSeed),
	)
}

// Fit trains the forest on data. Every call starts from the configured seed,
// so identical input yields an identical model.
func (f *IsolationForest) Fit(ctx context.Context, data [][]float64) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(data) == 0 {
		return errors.New("empty training data")
	}

	nFeatures := len(data[0])
	if nFeatures == 0 {
		return errors.New("training data has no features")
	}
	for i, row := range data {
		if len(row) != nFeatures {
			return fmt.Errorf("row %d has %d features, want %d", i, len(row), nFeatures)
		}
	}
	if len(data) > 1 && degenerate(data) {
		return detectors.ErrDegenerateData
	}

	rng := rand.New(rand.NewSource(f.seed))
	sampleSize := min(f.sampleSize, len(data))
	maxDepth := int(math.Ceil(math.Log2(float64(max(sampleSize, 2)))))

	trees := make([]*node, f.nTrees)
	for i := range trees {
		if err := ctx.Err(); err != nil {
			return err
		}

		// Sample without replacement
		indices := rng.Perm(len(data))[:sampleSize]
		sample := make([][]float64, sampleSize)
		for j, idx := range indices {
			sample[j] = data[idx]
		}

		trees[i] = buildNode(rng, sample, nFeatures, 0, maxDepth)
	}

	f.trees = trees
	f.nFeatures = nFeatures
	f.avgPathLength = averagePathLength(float64(sampleSize))
	f.trained = true
	f.threshold = 0.5

	// Set threshold based on contamination
	if f.contamination > 0 {
		scores := f.predict(data)
		f.threshold = percentile(scores, 1-f.contamination)
	}

	return nil
}

func buildNode(rng *rand.Rand, data [][]float64, nFeatures, depth, maxDepth int) *node {
	n := len(data)

	// Terminal conditions
	if depth >= maxDepth || n <= 1 {
		return &node{size: n}
	}

	// Pick among features that can still be split
	var candidates []int
	for feature := 0; feature < nFeatures; feature++ {
		lo, hi := bounds(data, feature)
		if lo < hi {
			candidates = append(candidates, feature)
		}
	}
	if len(candidates) == 0 {
		return &node{size: n}
	}

	feature := candidates[rng.Intn(len(candidates))]
	minVal, maxVal := bounds(data, feature)
	splitValue := minVal + rng.Float64()*(maxVal-minVal)

	var left, right [][]float64
	for _, row := range data {
		if row[feature] < splitValue {
			left = append(left, row)
		} else {
			right = append(right, row)
		}
	}

	return &node{
		splitFeature: feature,
		splitValue:   splitValue,
		left:         buildNode(rng, left, nFeatures, depth+1, maxDepth),
		right:        buildNode(rng, right, nFeatures, depth+1, maxDepth),
	}
}

// Predict returns anomaly scores for the given samples.
func (f *IsolationForest) Predict(data [][]float64) ([]float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return nil, detectors.ErrNotTrained
	}
	for i, row := range data {
		if len(row) != f.nFeatures {
			return nil, fmt.Errorf("row %d has %d features, want %d", i, len(row), f.nFeatures)
		}
	}

	return f.predict(data), nil
}

// PredictOne returns the anomaly score for a single sample.
func (f *IsolationForest) PredictOne(sample []float64) (float64, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.trained {
		return 0, detectors.ErrNotTrained
	}
	if len(sample) != f.nFeatures {
		return 0, fmt.Errorf("sample has %d features, want %d", len(sample), f.nFeatures)
	}

	return f.score(sample), nil
}

// Threshold returns the contamination-derived anomaly threshold.
func (f *IsolationForest) Threshold() float64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.threshold
}

func (f *IsolationForest) predict(data [][]float64) []float64 {
	scores := make([]float64, len(data))
	for i, sample := range data {
		scores[i] = f.score(sample)
	}
	return scores
}

// score is 2^(-E[h(x)] / c(ψ)); higher is more anomalous.
func (f *IsolationForest) score(sample []float64) float64 {
	if f.avgPathLength == 0 {
		return 0.5
	}

	var total float64
	for _, tree := range f.trees {
		total += pathLength(sample, tree, 0)
	}
	avg := total / float64(len(f.trees))

	return math.Pow(2, -avg/f.avgPathLength)
}

// pathLength calculates the path length for a sample in a tree.
func pathLength(sample []float64, n *node, depth int) float64 {
	for !n.leaf() {
		if sample[n.splitFeature] < n.splitValue {
			n = n.left
		} else {
			n = n.right
		}
		depth++
	}
	// Leaf node: add expected path length for remaining isolation
	return float64(depth) + averagePathLength(float64(n.size))
}

// averagePathLength returns the average path length of unsuccessful search in BST.
func averagePathLength(n float64) float64 {
	switch {
	case n <= 1:
		return 0
	case n == 2:
		return 1
	}
	// c(n) = 2*H(n-1) - 2*(n-1)/n, H(i) ≈ ln(i) + γ
	return 2*(math.Log(n-1)+eulerGamma) - 2*(n-1)/n
}

func bounds(data [][]float64, feature int) (float64, float64) {
	lo, hi := data[0][feature], data[0][feature]
	for _, row := range data[1:] {
		if row[feature] < lo {
			lo = row[feature]
		}
		if row[feature] > hi {
			hi = row[feature]
		}
	}
	return lo, hi
}

func degenerate(data [][]float64) bool {
	for feature := range data[0] {
		if lo, hi := bounds(data, feature); lo < hi {
			return false
		}
	}
	return true
}

// percentile returns the value at fraction p of the sorted data.
func percentile(data []float64, p float64) float64 {
	if len(data) == 0 {
		return 0
	}

	sorted := make([]float64, len(data))
	copy(sorted, data)
	sort.Float64s(sorted)

	idx := int(float64(len(sorted)-1) * p)
	return sorted[idx]
}
