// Package metrics exposes Prometheus collectors for inbound processing,
// spam verdicts, DKIM outcomes, outbound delivery and thread-stats
// recomputation latency (SPEC_FULL.md §4.18), grounded on the teacher's own
// prometheus/client_golang usage in internal/msgpipeline/metrics.go and
// internal/target/remote/metrics.go: package-level CounterVec/HistogramVec
// values registered once in init(), no wrapper struct.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	InboundProcessed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mdc",
			Subsystem: "inbound",
			Name:      "processed_total",
			Help:      "Number of inbound messages that completed Phase 2 processing.",
		},
		[]string{"result"}, // "delivered" | "failed"
	)

	SpamVerdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mdc",
			Subsystem: "spam",
			Name:      "verdicts_total",
			Help:      "Spam classification verdicts.",
		},
		[]string{"verdict"}, // "spam" | "ham"
	)

	DKIMOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mdc",
			Subsystem: "dkim",
			Name:      "outcomes_total",
			Help:      "DKIM sign/verify outcomes.",
		},
		[]string{"operation", "result"}, // operation: "sign"|"verify"; result: "ok"|"error"|"fail"
	)

	OutboundAttempts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "mdc",
			Subsystem: "outbound",
			Name:      "attempts_total",
			Help:      "Per-recipient outbound delivery attempts by transport and resulting status.",
		},
		[]string{"transport", "status"}, // transport: "internal"|"relay"|"direct"; status: DeliveryStatus value
	)

	ThreadRecomputeSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "mdc",
			Subsystem: "thread",
			Name:      "recompute_stats_seconds",
			Help:      "Latency of Thread.RecomputeStats calls.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{},
	)
)

func init() {
	prometheus.MustRegister(InboundProcessed)
	prometheus.MustRegister(SpamVerdicts)
	prometheus.MustRegister(DKIMOutcomes)
	prometheus.MustRegister(OutboundAttempts)
	prometheus.MustRegister(ThreadRecomputeSeconds)
}
