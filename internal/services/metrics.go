// Prometheus collectors for the settlement core. Label cardinality is kept
// bounded: outcomes and gateway operations are small fixed sets, never ids.
package services

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// contributionsTotal counts contribution submissions by outcome
	// (completed, pending_authorization, failed, rejected).
	contributionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tanda_contributions_total",
			Help: "Total contribution submissions by outcome.",
		},
		[]string{"outcome"},
	)

	// roundsSettledTotal counts successfully disbursed rounds.
	roundsSettledTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tanda_rounds_settled_total",
			Help: "Total rounds settled (pool disbursed to recipient).",
		},
	)

	// gatewayLatency records gateway call duration by operation
	// (transfer, continue, payout).
	gatewayLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "tanda_gateway_call_duration_seconds",
			Help:    "Duration of payment gateway calls in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"op"},
	)

	// settlementsInflight gauges settlements currently holding a tanda lock
	// across a payout call.
	settlementsInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tanda_settlements_inflight",
			Help: "Number of round settlements currently in progress.",
		},
	)

	// invariantViolationsTotal counts detected invariant violations; any
	// nonzero value warrants operator attention.
	invariantViolationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "tanda_invariant_violations_total",
			Help: "Total invariant violations that halted a tanda.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		contributionsTotal,
		roundsSettledTotal,
		gatewayLatency,
		settlementsInflight,
		invariantViolationsTotal,
	)
}
