package engine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	cnserrors "github.com/gridjobs/engine/pkg/errors"
)

var operationsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Name: "gridjobs_engine_operations_total",
		Help: "Total number of engine operations by result code",
	},
	[]string{"operation", "result"},
)

func observe(op string, err error) {
	result := "ok"
	if err != nil {
		result = string(cnserrors.CodeOf(err))
	}
	operationsTotal.WithLabelValues(op, result).Inc()
}
