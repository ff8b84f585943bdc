// Package aggregate folds rule candidates into ranked, linked alerts.
package aggregate

import (
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/hed1ad/pfeguard/pkg/dashboard"
	"github.com/hed1ad/pfeguard/pkg/rules"
	"github.com/hed1ad/pfeguard/pkg/series"
)

// alertNamespace scopes alert IDs so the same finding always gets the
// same ID.
var alertNamespace = uuid.NewSHA1(uuid.NameSpaceURL, []byte("https://github.com/hed1ad/pfeguard/alerts"))

// DashboardLead is how far before the window a dashboard link starts.
const DashboardLead = time.Hour

// Alert is a deduplicated, ranked finding.
type Alert struct {
	ID           string             `json:"id"`
	Device       string             `json:"device"`
	Slot         string             `json:"slot"`
	Exception    string             `json:"exception"`
	Rule         rules.ID           `json:"rule"`
	Severity     rules.Severity     `json:"severity"`
	DetectedAt   time.Time          `json:"detected_at"`
	Metrics      map[string]float64 `json:"metrics"`
	Explanation  string             `json:"explanation"`
	Related      []series.Key       `json:"related,omitempty"`
	DashboardURL string             `json:"dashboard_url,omitempty"`
}

// Key returns the alert's series key.
func (a Alert) Key() series.Key {
	return series.Key{Device: a.Device, Slot: a.Slot, Exception: a.Exception}
}

// Window is the evaluated time range.
type Window struct {
	Start time.Time
	End   time.Time
}

// Aggregator deduplicates candidates, runs correlation over them and ranks
// the result.
type Aggregator struct {
	linker dashboard.Linker
	rules  rules.Config
}

// New creates an aggregator. A nil linker leaves dashboard links empty.
func New(linker dashboard.Linker, cfg rules.Config) *Aggregator {
	return &Aggregator{linker: linker, rules: cfg}
}

// Aggregate returns one alert per key and rule, grouped by key and most
// severe first. See Sort.
func (a *Aggregator) Aggregate(cands []rules.Candidate, w Window) []Alert {
	type dedupKey struct {
		key  series.Key
		rule rules.ID
	}

	best := make(map[dedupKey]rules.Candidate, len(cands))
	for _, c := range cands {
		k := dedupKey{c.Key, c.Rule}
		if cur, ok := best[k]; !ok || outranks(c, cur) {
			best[k] = c
		}
	}

	deduped := make([]rules.Candidate, 0, len(best)+1)
	for _, c := range best {
		deduped = append(deduped, c)
	}
	sort.Slice(deduped, func(i, j int) bool {
		if deduped[i].Key != deduped[j].Key {
			return keyLess(deduped[i].Key, deduped[j].Key)
		}
		return deduped[i].Rule < deduped[j].Rule
	})
	// Correlation runs over the deduplicated set so that one exception
	// flagged by several rules counts once.
	for _, c := range rules.Correlate(a.rules, deduped) {
		k := dedupKey{c.Key, c.Rule}
		if _, ok := best[k]; !ok {
			best[k] = c
			deduped = append(deduped, c)
		}
	}

	alerts := make([]Alert, 0, len(deduped))
	for _, c := range deduped {
		alerts = append(alerts, a.alert(c, w))
	}
	Sort(alerts)
	return alerts
}

func (a *Aggregator) alert(c rules.Candidate, w Window) Alert {
	alert := Alert{
		ID:          ID(c.Key, c.Rule, c.DetectedAt),
		Device:      c.Key.Device,
		Slot:        c.Key.Slot,
		Exception:   c.Key.Exception,
		Rule:        c.Rule,
		Severity:    c.Severity,
		DetectedAt:  c.DetectedAt,
		Metrics:     c.Metrics,
		Explanation: c.Explanation,
		Related:     c.Related,
	}
	if a.linker != nil {
		alert.DashboardURL = a.linker.Link(c.Key.Device, w.Start.Add(-DashboardLead), w.End, linkExceptions(c)...)
	}
	return alert
}

// linkExceptions lists the exceptions a dashboard link should show. A
// correlation shows each related exception rather than the joined name.
func linkExceptions(c rules.Candidate) []string {
	if len(c.Related) == 0 {
		return []string{c.Key.Exception}
	}
	out := make([]string, 0, len(c.Related))
	for _, k := range c.Related {
		out = append(out, k.Exception)
	}
	return out
}

// ID derives a stable alert ID from what was found and when.
func ID(key series.Key, rule rules.ID, at time.Time) string {
	name := fmt.Sprintf("%s|%d|%s", key, int(rule), at.UTC().Format(time.RFC3339Nano))
	return uuid.NewSHA1(alertNamespace, []byte(name)).String()
}

// Sort groups alerts by key. Within a group alerts run worst first, then
// by detection time and rule. Groups are ranked by their first alert on
// severity and time, ties broken by key, so the order is total.
func Sort(alerts []Alert) {
	heads := make(map[series.Key]Alert)
	for _, a := range alerts {
		if h, ok := heads[a.Key()]; !ok || before(a, h) {
			heads[a.Key()] = a
		}
	}

	sort.Slice(alerts, func(i, j int) bool {
		a, b := alerts[i], alerts[j]
		ka, kb := a.Key(), b.Key()
		if ka == kb {
			return before(a, b)
		}
		ha, hb := heads[ka], heads[kb]
		switch {
		case ha.Severity != hb.Severity:
			return ha.Severity > hb.Severity
		case !ha.DetectedAt.Equal(hb.DetectedAt):
			return ha.DetectedAt.Before(hb.DetectedAt)
		default:
			return keyLess(ka, kb)
		}
	})
}

// before ranks by severity (worst first), then detection time, then rule.
func before(a, b Alert) bool {
	switch {
	case a.Severity != b.Severity:
		return a.Severity > b.Severity
	case !a.DetectedAt.Equal(b.DetectedAt):
		return a.DetectedAt.Before(b.DetectedAt)
	default:
		return a.Rule < b.Rule
	}
}

func keyLess(a, b series.Key) bool {
	switch {
	case a.Device != b.Device:
		return a.Device < b.Device
	case a.Slot != b.Slot:
		return a.Slot < b.Slot
	default:
		return a.Exception < b.Exception
	}
}

// outranks prefers the more severe candidate, then the earlier one.
func outranks(c, cur rules.Candidate) bool {
	if c.Severity != cur.Severity {
		return c.Severity > cur.Severity
	}
	return c.DetectedAt.Before(cur.DetectedAt)
}
