package reconciler

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	reconcileDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridjobs_reconcile_duration_seconds",
			Help:    "Duration of reconcile passes in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"variant"},
	)

	reconcileTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridjobs_reconcile_total",
			Help: "Total number of reconcile passes by result",
		},
		[]string{"result"},
	)

	statusTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridjobs_status_transitions_total",
			Help: "Total number of job status transitions",
		},
		[]string{"from", "to"},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "gridjobs_reconcile_queue_depth",
			Help: "Number of jobs waiting in the reconcile queue",
		},
	)
)
