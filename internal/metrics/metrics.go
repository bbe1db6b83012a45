// Package metrics provides Prometheus metrics for the duplicate finder.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Fingerprint metrics
	digestsComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dupfinder_digests_computed_total",
			Help: "Number of fingerprint computations by target depth",
		},
		[]string{"level"},
	)

	bytesHashed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dupfinder_bytes_hashed_total",
			Help: "Bytes read while computing fingerprints",
		},
	)

	fingerprintErrors = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dupfinder_fingerprint_errors_total",
			Help: "Fingerprint computations that failed with an I/O error",
		},
	)

	byteComparisons = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dupfinder_byte_comparisons_total",
			Help: "Byte-for-byte file comparisons by outcome",
		},
		[]string{"outcome"},
	)

	// Verification cache metrics
	cacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dupfinder_verification_cache_lookups_total",
			Help: "Verification cache lookups by verdict",
		},
		[]string{"verdict"},
	)

	// Grouping metrics
	analysisDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "dupfinder_analysis_duration_seconds",
			Help:    "Time to re-run the grouping engine",
			Buckets: prometheus.DefBuckets,
		},
	)

	duplicateGroups = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dupfinder_duplicate_groups",
			Help: "Number of duplicate groups after the last analysis",
		},
	)

	inconsistentChains = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dupfinder_inconsistent_chains_total",
			Help: "Same-size chains abandoned after a consistency failure",
		},
	)

	// Scheduler metrics
	jobsProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dupfinder_escalation_jobs_total",
			Help: "Escalation jobs run to completion",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dupfinder_escalation_queue_depth",
			Help: "Escalation jobs waiting or running",
		},
	)
)

// RecordDigest records one fingerprint computation.
func RecordDigest(level string, bytes int64) {
	digestsComputed.WithLabelValues(level).Inc()
	if bytes > 0 {
		bytesHashed.Add(float64(bytes))
	}
}

// RecordFingerprintError records a failed fingerprint computation.
func RecordFingerprintError() {
	fingerprintErrors.Inc()
}

// RecordComparison records a byte-for-byte comparison outcome.
func RecordComparison(identical bool, err error) {
	outcome := "different"
	switch {
	case err != nil:
		outcome = "error"
	case identical:
		outcome = "identical"
	}
	byteComparisons.WithLabelValues(outcome).Inc()
}

// RecordCacheLookup records a verification cache verdict.
func RecordCacheLookup(verdict string) {
	cacheLookups.WithLabelValues(verdict).Inc()
}

// RecordAnalysis records one grouping pass.
func RecordAnalysis(d time.Duration, groups int) {
	analysisDuration.Observe(d.Seconds())
	duplicateGroups.Set(float64(groups))
}

// RecordInconsistentChain records an abandoned chain.
func RecordInconsistentChain() {
	inconsistentChains.Inc()
}

// RecordJob records a completed escalation job.
func RecordJob() {
	jobsProcessed.Inc()
}

// SetQueueDepth updates the escalation queue depth gauge.
func SetQueueDepth(n int) {
	queueDepth.Set(float64(n))
}
