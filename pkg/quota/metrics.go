package quota

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	quotaAdmissions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridjobs_quota_admissions_total",
			Help: "Total number of admitted job creations",
		},
		[]string{"variant"},
	)

	quotaDenials = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "gridjobs_quota_denials_total",
			Help: "Total number of job creations denied by quota",
		},
		[]string{"variant"},
	)

	leaseWait = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "gridjobs_admission_lease_wait_seconds",
			Help:    "Time spent waiting for an owner's admission lease",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
		},
	)
)
