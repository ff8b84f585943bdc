// Package metrics holds the Prometheus collectors for detection runs.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DetectRunsTotal counts Detect calls by outcome (ok, error).
	DetectRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfeguard_detect_runs_total",
			Help: "Total number of detection runs",
		},
		[]string{"status"},
	)

	DetectDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "pfeguard_detect_duration_seconds",
			Help:    "Detection run duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
	)

	KeysEvaluated = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pfeguard_keys_evaluated_total",
			Help: "Total number of device/slot/exception keys evaluated",
		},
	)

	KeysSkipped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfeguard_keys_skipped_total",
			Help: "Total number of keys skipped, by reason",
		},
		[]string{"reason"},
	)

	CandidatesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "pfeguard_candidates_total",
			Help: "Total number of anomaly candidates, by rule and severity",
		},
		[]string{"rule", "severity"},
	)

	MLFitFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "pfeguard_ml_fit_failures_total",
			Help: "Total number of multivariate model fits that failed",
		},
	)
)

// RecordRun records a finished Detect call.
func RecordRun(ok bool, seconds float64) {
	status := "ok"
	if !ok {
		status = "error"
	}
	DetectRunsTotal.WithLabelValues(status).Inc()
	DetectDuration.Observe(seconds)
}

// RecordCandidate counts one candidate.
func RecordCandidate(rule, severity string) {
	CandidatesTotal.WithLabelValues(rule, severity).Inc()
}

// RecordSkip counts one skipped key.
func RecordSkip(reason string) {
	KeysSkipped.WithLabelValues(reason).Inc()
}
