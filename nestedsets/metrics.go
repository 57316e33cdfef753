package nestedsets

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var operationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nestedsets_operations_total",
	Help: "The total number of tree operations, by outcome",
}, []string{"op", "result"})

var operationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
	Name:    "nestedsets_operation_duration_seconds",
	Help:    "Duration of tree operations, including the transaction commit",
	Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
}, []string{"op"})

var rowsShifted = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "nestedsets_rows_shifted_total",
	Help: "The total number of rows whose boundaries were renumbered by committed operations",
}, []string{"op"})

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNodeNotFound):
		return "not_found"
	case errors.Is(err, ErrInvariantViolation):
		return "invariant"
	default:
		return "error"
	}
}
