package store

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// BackendSwitches counts failover transitions.
	// Labels: from, to (backend names)
	BackendSwitches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "learnd",
			Subsystem: "store",
			Name:      "backend_switches_total",
			Help:      "Total number of switches between primary and fallback backends",
		},
		[]string{"from", "to"},
	)

	// OperationDuration tracks backend call latency.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "learnd",
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Duration of backend operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// HealthStatus indicates backend health (1=healthy, 0=unhealthy).
	HealthStatus = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "learnd",
			Subsystem: "store",
			Name:      "health_status",
			Help:      "Current backend health status (1=healthy, 0=unhealthy)",
		},
		[]string{"backend"},
	)
)

// observe records the duration of an operation started at start.
func observe(backend, operation string, start time.Time) {
	OperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}

func setHealth(backend string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1
	}
	HealthStatus.WithLabelValues(backend).Set(v)
}
