package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueLength = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "marblerun_queue_length",
			Help: "Current number of items in a public queue",
		},
		[]string{"queue"},
	)

	ClaimsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marblerun_claims_total",
			Help: "Claim attempts by outcome (claimed|empty|busy|error|throttled)",
		},
		[]string{"queue", "outcome"},
	)

	ReleasesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marblerun_releases_total",
			Help: "Total number of leases released by their worker",
		},
	)

	HeartbeatsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marblerun_heartbeats_total",
			Help: "Lease heartbeats sent by outcome (ok|error)",
		},
		[]string{"outcome"},
	)

	ActiveLeases = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "marblerun_active_leases",
			Help: "Leases currently watched by this reaper",
		},
	)

	LeasesReapedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marblerun_leases_reaped_total",
			Help: "Leases retired by the reaper (outcome=completed|recovered)",
		},
		[]string{"queue", "outcome"},
	)

	LeaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "marblerun_lease_duration_seconds",
			Help:    "Time from claim until the reaper retired the lease",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	PrivateQueueViolations = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "marblerun_private_queue_violations_total",
			Help: "Private queues found holding more than one item",
		},
	)

	ElevatorForwardedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marblerun_elevator_forwarded_total",
			Help: "Items forwarded to the upstream broker",
		},
		[]string{"queue"},
	)

	ElevatorRollbacksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "marblerun_elevator_rollbacks_total",
			Help: "Flush batches returned to the local buffer after an upstream failure",
		},
		[]string{"queue"},
	)
)

// ObserveLeaseRetired records how long a lease lived and how it ended.
func ObserveLeaseRetired(queue, outcome string, claimedAt time.Time) {
	LeasesReapedTotal.WithLabelValues(queue, outcome).Inc()
	LeaseDuration.WithLabelValues(queue).Observe(time.Since(claimedAt).Seconds())
}
