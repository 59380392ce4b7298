package translator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ensureDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "gridjobs_translator_ensure_duration_seconds",
			Help:    "Time taken to converge a native workload",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 30},
		},
		[]string{"kind"}, // Job, CronJob, Deployment
	)

	ensureTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridjobs_translator_ensure_total",
			Help: "Total number of ensure calls by kind and result code",
		},
		[]string{"kind", "result"},
	)
)
