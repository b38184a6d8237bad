package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	PacketsIngested = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_packets_ingested_total",
			Help: "Packets normalized into events, by ingestion driver",
		},
		[]string{"driver"},
	)

	PacketsSkipped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_packets_skipped_total",
			Help: "Packets that produced no event (non-IP or malformed)",
		},
		[]string{"driver"},
	)

	ActiveSources = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_active_sources",
			Help: "Sources with at least one buffered event at the last aggregation cycle",
		},
	)

	WindowsComputed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_windows_computed_total",
			Help: "Feature vectors produced by the window aggregator",
		},
	)

	SourcesEvicted = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_sources_evicted_total",
			Help: "Source buffers dropped after the idle timeout",
		},
	)

	AggregationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowguard_aggregation_cycle_seconds",
			Help:    "Time spent in one aggregation cycle",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		},
	)

	SubmissionsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_submissions_dropped_total",
			Help: "Feature vectors dropped because the dispatch queue was full",
		},
	)

	SubmissionsFailed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_submissions_failed_total",
			Help: "Feature vectors that could not be delivered",
		},
	)

	Detections = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_detections_total",
			Help: "Detection verdicts by outcome and attack type",
		},
		[]string{"verdict", "attack_type"},
	)

	ClassifierErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "flowguard_classifier_errors_total",
			Help: "Classifier invocations that failed",
		},
	)

	BlocksActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "flowguard_blocks_active",
			Help: "Blocks pending expiry in the mitigation scheduler",
		},
	)

	BlockTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_block_transitions_total",
			Help: "Block state transitions by kind (block, duplicate, unblock, expire)",
		},
		[]string{"kind"},
	)

	EnforcementFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowguard_enforcement_failures_total",
			Help: "Best-effort enforcement calls that failed or were refused",
		},
		[]string{"op", "reason"},
	)
)

func init() {
	prometheus.MustRegister(
		PacketsIngested,
		PacketsSkipped,
		ActiveSources,
		WindowsComputed,
		SourcesEvicted,
		AggregationDuration,
		SubmissionsDropped,
		SubmissionsFailed,
		Detections,
		ClassifierErrors,
		BlocksActive,
		BlockTransitions,
		EnforcementFailures,
	)
}
