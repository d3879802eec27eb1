package store

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	// FlowboardOpsApplied counts change operations applied to a replica
	FlowboardOpsApplied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowboard_ops_applied_total",
			Help: "Total number of change operations applied to a replica",
		},
		[]string{"collection", "type", "origin"},
	)

	// FlowboardMergeConflicts counts adds that collided on an existing id
	FlowboardMergeConflicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowboard_merge_conflicts_total",
			Help: "Total number of adds resolved by last-write-wins on a colliding id",
		},
		[]string{"collection"},
	)

	// FlowboardBroadcasts counts envelope publish attempts
	FlowboardBroadcasts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "flowboard_broadcasts_total",
			Help: "Total number of envelope publish attempts",
		},
		[]string{"result"},
	)

	// FlowboardBroadcastOps tracks how many ops the debounce coalesces per envelope
	FlowboardBroadcastOps = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "flowboard_broadcast_ops",
			Help:    "Number of operations per published envelope",
			Buckets: prometheus.ExponentialBuckets(1, 2, 8),
		},
	)

	// FlowboardDanglingEdges tracks edges whose endpoints are missing
	FlowboardDanglingEdges = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "flowboard_dangling_edges",
			Help: "Current number of edges referencing a missing node",
		},
		[]string{"room"},
	)
)

func init() {
	// Register metrics with the default registry
	prometheus.MustRegister(FlowboardOpsApplied)
	prometheus.MustRegister(FlowboardMergeConflicts)
	prometheus.MustRegister(FlowboardBroadcasts)
	prometheus.MustRegister(FlowboardBroadcastOps)
	prometheus.MustRegister(FlowboardDanglingEdges)
}
