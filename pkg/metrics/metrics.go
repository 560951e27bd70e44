// Package metrics provides Prometheus instrumentation for the dispatcher.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackendLatency tracks the latency of single backend calls in seconds.
	BackendLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "backend_call_latency_seconds",
			Help:    "Latency of single backend calls in seconds.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		},
		[]string{"backend", "mode", "status"}, // status: "ok", "too_large", "error"
	)

	// BatchesTotal counts sub-batches handed to the backend, splits included.
	BatchesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_batches_total",
			Help: "Total number of batches sent to a backend.",
		},
		[]string{"backend", "mode"},
	)

	// SplitsTotal counts batches halved after a batch-too-large rejection.
	SplitsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_splits_total",
			Help: "Total number of batches split after a batch-too-large rejection.",
		},
		[]string{"backend", "mode"},
	)

	// RetriesTotal counts transient failures that were retried.
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_retries_total",
			Help: "Total number of retried backend calls.",
		},
		[]string{"backend"},
	)

	// ItemsTotal counts request items dispatched.
	ItemsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "dispatch_items_total",
			Help: "Total number of request items dispatched.",
		},
		[]string{"backend", "mode"},
	)

	// CacheLookupsTotal counts log-prob cache lookups by result.
	CacheLookupsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cache_lookups_total",
			Help: "Total number of log-prob cache lookups.",
		},
		[]string{"result"}, // "hit", "miss", "error"
	)

	// CircuitBreakerState tracks the current state of each circuit breaker.
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "circuit_breaker_state",
			Help: "Current circuit breaker state: 0=closed, 1=open, 2=half-open.",
		},
		[]string{"backend"},
	)

	// ActiveDispatches tracks the number of dispatch calls in flight.
	ActiveDispatches = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "active_dispatches",
			Help: "Number of dispatch calls currently in flight.",
		},
	)
)

// RecordCacheLookup records one cache lookup result.
func RecordCacheLookup(result string) {
	CacheLookupsTotal.WithLabelValues(result).Inc()
}

var (
	// RequestsTotal counts RPCs by method and status code.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rpc_requests_total",
			Help: "Total number of RPC requests.",
		},
		[]string{"method", "code"},
	)

	// RequestLatency tracks RPC latency in seconds.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rpc_request_latency_seconds",
			Help:    "End-to-end RPC latency in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 300, 900},
		},
		[]string{"method"},
	)
)

// ActiveRequests tracks the number of RPCs in flight.
var ActiveRequests = promauto.NewGauge(
	prometheus.GaugeOpts{
		Name: "rpc_active_requests",
		Help: "Number of RPCs currently being processed.",
	},
)
