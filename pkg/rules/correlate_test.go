package rules

import (
	"encoding/json"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/pfeguard/pkg/series"
)

func flagged(slot, exc string, id ID, sev Severity, at time.Time) Candidate {
	return Candidate{
		Key:        series.Key{Device: "mx1", Slot: slot, Exception: exc},
		Rule:       id,
		Severity:   sev,
		DetectedAt: at,
	}
}

func TestCorrelate(t *testing.T) {
	cands := []Candidate{
		flagged("0", "sw_error", Spike, Critical, now.Add(4*time.Minute)),
		flagged("0", "bad_ipv4_hdr", SustainedChange, Medium, now),
		flagged("0", "ttl_expired", Volatility, Medium, now.Add(2*time.Minute)),
		flagged("0", "bad_ipv4_hdr", Spike, High, now.Add(time.Minute)),
	}

	out := Correlate(DefaultConfig(), cands)
	require.Len(t, out, 1)

	c := out[0]
	assert.Equal(t, Correlation, c.Rule)
	assert.Equal(t, High, c.Severity)
	assert.Equal(t, now, c.DetectedAt)
	assert.Equal(t, "mx1", c.Key.Device)
	assert.Equal(t, "0", c.Key.Slot)
	assert.Equal(t, "bad_ipv4_hdr,sw_error,ttl_expired", c.Key.Exception)
	assert.Len(t, c.Related, 3)
	assert.Equal(t, 3.0, c.Metrics["exceptions"])
	assert.Equal(t, 240.0, c.Metrics["span_seconds"])
	assert.Equal(t, float64(Critical), c.Metrics["worst_related"])

	// input order is preserved
	assert.Equal(t, "sw_error", cands[0].Key.Exception)
}

func TestCorrelateNoCluster(t *testing.T) {
	tests := []struct {
		name  string
		cands []Candidate
	}{
		{
			name: "two exception types",
			cands: []Candidate{
				flagged("0", "a", Spike, High, now),
				flagged("0", "b", Spike, High, now.Add(time.Minute)),
				flagged("0", "a", Volatility, Medium, now.Add(2*time.Minute)),
			},
		},
		{
			name: "different slots",
			cands: []Candidate{
				flagged("0", "a", Spike, High, now),
				flagged("1", "b", Spike, High, now),
				flagged("2", "c", Spike, High, now),
			},
		},
		{
			name: "spread out",
			cands: []Candidate{
				flagged("0", "a", Spike, High, now),
				flagged("0", "b", Spike, High, now.Add(3*time.Minute)),
				flagged("0", "c", Spike, High, now.Add(9*time.Minute)),
			},
		},
		{
			name: "correlations are not correlated again",
			cands: []Candidate{
				flagged("0", "a", Spike, High, now),
				flagged("0", "b", Spike, High, now),
				flagged("0", "b,c,d", Correlation, High, now),
			},
		},
		{name: "empty"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Empty(t, Correlate(DefaultConfig(), tt.cands))
		})
	}
}

func TestCorrelateWorstCoversWholeCluster(t *testing.T) {
	cands := []Candidate{
		flagged("0", "a", Volatility, Medium, now),
		flagged("0", "a", Spike, Critical, now),
		flagged("0", "b", Spike, High, now.Add(time.Minute)),
		flagged("0", "c", SustainedChange, Medium, now.Add(2*time.Minute)),
	}

	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 100; i++ {
		shuffled := append([]Candidate(nil), cands...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		out := Correlate(DefaultConfig(), shuffled)
		require.Len(t, out, 1)
		assert.Equal(t, float64(Critical), out[0].Metrics["worst_related"], "order %d", i)
		assert.Equal(t, "a,b,c", out[0].Key.Exception)
		assert.Equal(t, []series.Key{
			{Device: "mx1", Slot: "0", Exception: "a"},
			{Device: "mx1", Slot: "0", Exception: "b"},
			{Device: "mx1", Slot: "0", Exception: "c"},
		}, out[0].Related)
	}
}

func TestCorrelateSlidingAnchor(t *testing.T) {
	cands := []Candidate{
		flagged("0", "a", Spike, High, now),
		flagged("0", "b", Spike, High, now.Add(6*time.Minute)),
		flagged("0", "c", Spike, High, now.Add(8*time.Minute)),
		flagged("0", "d", Spike, High, now.Add(10*time.Minute)),
	}

	out := Correlate(DefaultConfig(), cands)
	require.Len(t, out, 1)
	assert.Equal(t, now.Add(6*time.Minute), out[0].DetectedAt)
	assert.Equal(t, "b,c,d", out[0].Key.Exception)
}

func TestSeverityText(t *testing.T) {
	for _, sev := range []Severity{Low, Medium, High, Critical} {
		b, err := sev.MarshalText()
		require.NoError(t, err)

		var got Severity
		require.NoError(t, got.UnmarshalText(b))
		assert.Equal(t, sev, got)
	}
	assert.True(t, Critical > High && High > Medium && Medium > Low)

	var s Severity
	assert.Error(t, s.UnmarshalText([]byte("fatal")))
}

func TestCandidateJSON(t *testing.T) {
	c := flagged("0", "sw_error", Spike, Critical, now)
	b, err := json.Marshal(c)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"rule":"spike"`)
	assert.Contains(t, string(b), `"severity":"CRITICAL"`)
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{name: "spike ratios inverted", mutate: func(c *Config) { c.SpikeCritical = 1.2 }},
		{name: "fraction above one", mutate: func(c *Config) { c.SustainedFraction = 1.5 }},
		{name: "no confirmation", mutate: func(c *Config) { c.ROCConfirm = 0 }},
		{name: "correlation of one", mutate: func(c *Config) { c.CorrelationMin = 1 }},
		{name: "negative zero baseline", mutate: func(c *Config) { c.ZeroBaseline = -1 }},
	}

	require.NoError(t, DefaultConfig().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
