package rules

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/hed1ad/pfeguard/pkg/series"
)

type slotKey struct {
	device string
	slot   string
}

// Correlate runs rule 7 over the candidates of every key in a run. It
// returns only the correlation candidates; the input is left untouched.
//
// Candidates of one device and slot are walked in time order. Each
// unclaimed candidate anchors a cluster of everything flagged within
// CorrelationWindow after it; a cluster naming at least CorrelationMin
// distinct exception types becomes one candidate.
func Correlate(cfg Config, cands []Candidate) []Candidate {
	groups := make(map[slotKey][]Candidate)
	for _, c := range cands {
		if c.Rule == Correlation {
			continue
		}
		k := slotKey{c.Key.Device, c.Key.Slot}
		groups[k] = append(groups[k], c)
	}

	keys := make([]slotKey, 0, len(groups))
	for k := range groups {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].device != keys[j].device {
			return keys[i].device < keys[j].device
		}
		return keys[i].slot < keys[j].slot
	})

	var out []Candidate
	for _, k := range keys {
		group := groups[k]
		sort.SliceStable(group, func(i, j int) bool {
			if !group[i].DetectedAt.Equal(group[j].DetectedAt) {
				return group[i].DetectedAt.Before(group[j].DetectedAt)
			}
			if group[i].Key.Exception != group[j].Key.Exception {
				return group[i].Key.Exception < group[j].Key.Exception
			}
			return group[i].Rule < group[j].Rule
		})

		for i := 0; i < len(group); {
			anchor := group[i].DetectedAt
			related := make(map[string]Candidate)
			worst := Low
			j := i
			for ; j < len(group) && group[j].DetectedAt.Sub(anchor) <= cfg.CorrelationWindow; j++ {
				if _, seen := related[group[j].Key.Exception]; !seen {
					related[group[j].Key.Exception] = group[j]
				}
				worst = max(worst, group[j].Severity)
			}
			if len(related) < cfg.CorrelationMin {
				i++
				continue
			}
			out = append(out, correlated(k, anchor, group[j-1].DetectedAt, worst, related))
			i = j
		}
	}

	return out
}

// correlated builds the cluster candidate. worst covers every member of
// the cluster, not only the first candidate kept per exception.
func correlated(k slotKey, first, last time.Time, worst Severity, related map[string]Candidate) Candidate {
	names := make([]string, 0, len(related))
	for name := range related {
		names = append(names, name)
	}
	sort.Strings(names)

	keys := make([]series.Key, 0, len(names))
	for _, name := range names {
		keys = append(keys, related[name].Key)
	}

	return Candidate{
		Key:        series.Key{Device: k.device, Slot: k.slot, Exception: strings.Join(names, ",")},
		Rule:       Correlation,
		Severity:   High,
		DetectedAt: first,
		Metrics: map[string]float64{
			"exceptions":    float64(len(names)),
			"span_seconds":  last.Sub(first).Seconds(),
			"worst_related": float64(worst),
		},
		Related: keys,
		Explanation: fmt.Sprintf("correlated exceptions: %d types flagged on %s slot %s within %s: %s",
			len(names), k.device, k.slot, last.Sub(first), strings.Join(names, ", ")),
	}
}
