package aggregate

import (
	"math/rand"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hed1ad/pfeguard/pkg/dashboard"
	"github.com/hed1ad/pfeguard/pkg/rules"
	"github.com/hed1ad/pfeguard/pkg/series"
)

var now = time.Date(2024, 3, 6, 14, 0, 0, 0, time.UTC)

func cand(dev, slot, exc string, id rules.ID, sev rules.Severity, at time.Time) rules.Candidate {
	return rules.Candidate{
		Key:        series.Key{Device: dev, Slot: slot, Exception: exc},
		Rule:       id,
		Severity:   sev,
		DetectedAt: at,
		Metrics:    map[string]float64{"x": 1},
	}
}

func newAggregator() *Aggregator {
	return New(dashboard.NewGrafana(dashboard.DefaultConfig()), rules.DefaultConfig())
}

func TestAggregateOrdering(t *testing.T) {
	cands := []rules.Candidate{
		cand("mx2", "0", "a", rules.Volatility, rules.Medium, now.Add(-10*time.Minute)),
		cand("mx1", "1", "b", rules.Spike, rules.Critical, now.Add(-5*time.Minute)),
		cand("mx1", "0", "c", rules.NewException, rules.High, now.Add(-20*time.Minute)),
		cand("mx1", "0", "a", rules.RateOfChange, rules.High, now.Add(-20*time.Minute)),
		cand("mx1", "0", "a", rules.Spike, rules.High, now.Add(-30*time.Minute)),
	}

	alerts := newAggregator().Aggregate(cands, Window{Start: now.Add(-time.Hour), End: now})
	require.Len(t, alerts, 5)

	assert.Equal(t, rules.Critical, alerts[0].Severity)
	assert.Equal(t, "b", alerts[0].Exception)

	assert.Equal(t, rules.Spike, alerts[1].Rule)
	assert.Equal(t, now.Add(-30*time.Minute), alerts[1].DetectedAt)

	// alerts of one key stay together
	assert.Equal(t, "a", alerts[2].Exception)
	assert.Equal(t, rules.RateOfChange, alerts[2].Rule)
	assert.Equal(t, "c", alerts[3].Exception)

	assert.Equal(t, rules.Medium, alerts[4].Severity)
}

func TestAggregateDedup(t *testing.T) {
	cands := []rules.Candidate{
		cand("mx1", "0", "a", rules.Spike, rules.High, now.Add(-5*time.Minute)),
		cand("mx1", "0", "a", rules.Spike, rules.Critical, now.Add(-2*time.Minute)),
		cand("mx1", "0", "a", rules.Spike, rules.Critical, now.Add(-3*time.Minute)),
		cand("mx1", "0", "a", rules.Volatility, rules.Medium, now),
	}

	alerts := newAggregator().Aggregate(cands, Window{Start: now.Add(-time.Hour), End: now})
	require.Len(t, alerts, 2)
	assert.Equal(t, rules.Critical, alerts[0].Severity)
	assert.Equal(t, now.Add(-3*time.Minute), alerts[0].DetectedAt)
	assert.Equal(t, rules.Volatility, alerts[1].Rule)
}

func TestAggregateCorrelation(t *testing.T) {
	cands := []rules.Candidate{
		cand("mx1", "0", "a", rules.Spike, rules.High, now.Add(-4*time.Minute)),
		cand("mx1", "0", "b", rules.Spike, rules.High, now.Add(-3*time.Minute)),
		cand("mx1", "0", "c", rules.Volatility, rules.Medium, now),
	}

	alerts := newAggregator().Aggregate(cands, Window{Start: now.Add(-time.Hour), End: now})
	require.Len(t, alerts, 4)

	var corr *Alert
	for i := range alerts {
		if alerts[i].Rule == rules.Correlation {
			corr = &alerts[i]
		}
	}
	require.NotNil(t, corr)
	assert.Equal(t, "a,b,c", corr.Exception)
	assert.Equal(t, now.Add(-4*time.Minute), corr.DetectedAt)
	assert.Len(t, corr.Related, 3)
	assert.Equal(t, rules.Correlation, alerts[1].Rule, "group ties on time break by key")
}

func TestAggregateCorrelationWorstStable(t *testing.T) {
	cands := []rules.Candidate{
		cand("mx1", "0", "a", rules.Volatility, rules.Medium, now),
		cand("mx1", "0", "a", rules.Spike, rules.Critical, now),
		cand("mx1", "0", "b", rules.Spike, rules.High, now.Add(time.Minute)),
		cand("mx1", "0", "c", rules.Volatility, rules.Medium, now.Add(2*time.Minute)),
	}
	w := Window{Start: now.Add(-time.Hour), End: now.Add(time.Hour)}
	want := newAggregator().Aggregate(cands, w)

	rng := rand.New(rand.NewSource(1))
	for i := 0; i < 200; i++ {
		shuffled := append([]rules.Candidate(nil), cands...)
		rng.Shuffle(len(shuffled), func(a, b int) { shuffled[a], shuffled[b] = shuffled[b], shuffled[a] })

		got := newAggregator().Aggregate(shuffled, w)
		require.Equal(t, want, got, "run %d", i)

		var corr *Alert
		for j := range got {
			if got[j].Rule == rules.Correlation {
				corr = &got[j]
			}
		}
		require.NotNil(t, corr, "run %d", i)
		require.Equal(t, float64(rules.Critical), corr.Metrics["worst_related"], "run %d", i)
	}
}

func TestSortGroupsByKey(t *testing.T) {
	alerts := []Alert{
		{Device: "mx1", Slot: "0", Exception: "y", Rule: rules.Spike, Severity: rules.High, DetectedAt: now.Add(-30 * time.Minute)},
		{Device: "mx1", Slot: "0", Exception: "x", Rule: rules.Volatility, Severity: rules.Medium, DetectedAt: now.Add(-50 * time.Minute)},
		{Device: "mx1", Slot: "0", Exception: "x", Rule: rules.Spike, Severity: rules.Critical, DetectedAt: now.Add(-5 * time.Minute)},
		{Device: "mx2", Slot: "0", Exception: "z", Rule: rules.Spike, Severity: rules.High, DetectedAt: now.Add(-30 * time.Minute)},
	}
	Sort(alerts)

	got := make([]string, 0, len(alerts))
	for _, a := range alerts {
		got = append(got, a.Device+"/"+a.Exception+"/"+a.Severity.String())
	}
	assert.Equal(t, []string{
		"mx1/x/CRITICAL",
		"mx1/x/MEDIUM",
		"mx1/y/HIGH",
		"mx2/z/HIGH",
	}, got)
}

func TestAggregateLinks(t *testing.T) {
	w := Window{Start: now.Add(-time.Hour), End: now}
	alerts := newAggregator().Aggregate([]rules.Candidate{
		cand("mx1", "0", "sw_error", rules.Spike, rules.High, now),
	}, w)
	require.Len(t, alerts, 1)

	u, err := url.Parse(alerts[0].DashboardURL)
	require.NoError(t, err)
	assert.Equal(t, "mx1", u.Query().Get("var-device"))
	assert.Equal(t, []string{"sw_error"}, u.Query()["var-exception"])
	assert.Equal(t, "1709726400000", u.Query().Get("from"))

	noLinks := New(nil, rules.DefaultConfig()).Aggregate([]rules.Candidate{
		cand("mx1", "0", "sw_error", rules.Spike, rules.High, now),
	}, w)
	assert.Empty(t, noLinks[0].DashboardURL)
}

func TestAggregateCorrelationLink(t *testing.T) {
	alerts := newAggregator().Aggregate([]rules.Candidate{
		cand("mx1", "0", "a", rules.Spike, rules.High, now.Add(-4*time.Minute)),
		cand("mx1", "0", "b", rules.Spike, rules.High, now.Add(-3*time.Minute)),
		cand("mx1", "0", "c", rules.Volatility, rules.Medium, now),
	}, Window{Start: now.Add(-time.Hour), End: now})

	var corr *Alert
	for i := range alerts {
		if alerts[i].Rule == rules.Correlation {
			corr = &alerts[i]
		}
	}
	require.NotNil(t, corr)

	u, err := url.Parse(corr.DashboardURL)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, u.Query()["var-exception"])
	assert.NotContains(t, corr.DashboardURL, "a%2Cb%2Cc")
}

func TestAggregateIdempotent(t *testing.T) {
	cands := []rules.Candidate{
		cand("mx1", "0", "a", rules.Spike, rules.High, now),
		cand("mx1", "1", "b", rules.Spike, rules.High, now),
		cand("mx2", "0", "a", rules.Volatility, rules.Medium, now),
	}
	w := Window{Start: now.Add(-time.Hour), End: now}

	first := newAggregator().Aggregate(cands, w)
	reversed := []rules.Candidate{cands[2], cands[1], cands[0]}
	second := newAggregator().Aggregate(reversed, w)
	assert.Equal(t, first, second)
}

func TestID(t *testing.T) {
	k := series.Key{Device: "mx1", Slot: "0", Exception: "a"}
	id := ID(k, rules.Spike, now)
	assert.Len(t, id, 36)
	assert.Equal(t, id, ID(k, rules.Spike, now.In(time.FixedZone("x", 3600))))
	assert.NotEqual(t, id, ID(k, rules.Volatility, now))
	assert.NotEqual(t, id, ID(k, rules.Spike, now.Add(time.Second)))
}

func TestAggregateEmpty(t *testing.T) {
	alerts := newAggregator().Aggregate(nil, Window{Start: now.Add(-time.Hour), End: now})
	assert.NotNil(t, alerts)
	assert.Empty(t, alerts)
}
