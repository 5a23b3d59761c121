package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// DispatchTotal counts finished dispatches by operation and outcome kind
	DispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_dispatch_total",
			Help: "Total number of dispatched operation requests by operation and result kind",
		},
		[]string{"operation", "kind"},
	)

	// DispatchDuration tracks end-to-end dispatch latency
	DispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Time taken to dispatch an operation request",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// ComputeDuration tracks external engine run time
	ComputeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_compute_duration_seconds",
			Help:    "Time taken by external compute engines",
			Buckets: []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		},
		[]string{"operation", "outcome"},
	)

	// PartialFailuresTotal counts requests whose compute succeeded but
	// whose outputs could not all be persisted
	PartialFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_partial_failures_total",
			Help: "Total number of requests where compute succeeded but persistence failed",
		},
		[]string{"operation"},
	)

	// StorageOperationsTotal counts storage calls by provider, operation and status
	StorageOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "relay_storage_operations_total",
			Help: "Total number of storage operations by provider, type and status",
		},
		[]string{"provider", "operation", "status"},
	)

	// StorageOperationDuration tracks the duration of storage calls
	StorageOperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "relay_storage_operation_duration_seconds",
			Help:    "Time taken to process storage operations",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)
)

// Recorder wraps the relay metrics
type Recorder struct{}

// NewRecorder creates a new Recorder
func NewRecorder() *Recorder {
	return &Recorder{}
}

// RecordDispatch records a finished dispatch
func (r *Recorder) RecordDispatch(operation, kind string, seconds float64) {
	if kind == "" {
		kind = "success"
	}
	DispatchTotal.WithLabelValues(operation, kind).Inc()
	DispatchDuration.WithLabelValues(operation).Observe(seconds)
}

// RecordCompute records one engine run
func (r *Recorder) RecordCompute(operation, outcome string, seconds float64) {
	ComputeDuration.WithLabelValues(operation, outcome).Observe(seconds)
}

// RecordPartialFailure increments the partial failure counter
func (r *Recorder) RecordPartialFailure(operation string) {
	PartialFailuresTotal.WithLabelValues(operation).Inc()
}

// RecordStorage records one storage call
func (r *Recorder) RecordStorage(provider, operation, status string, seconds float64) {
	StorageOperationsTotal.WithLabelValues(provider, operation, status).Inc()
	StorageOperationDuration.WithLabelValues(provider, operation).Observe(seconds)
}
