package recall

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseDuration tracks the latency of each recall phase.
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "learnd",
			Subsystem: "recall",
			Name:      "phase_duration_seconds",
			Help:      "Duration of recall phases",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"phase"},
	)

	// CacheRequests counts recall cache lookups.
	CacheRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "learnd",
			Subsystem: "recall",
			Name:      "cache_requests_total",
			Help:      "Recall cache lookups by result",
		},
		[]string{"result"},
	)

	// RequestsTotal counts recalls by mode and whether they degraded.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "learnd",
			Subsystem: "recall",
			Name:      "requests_total",
			Help:      "Recall requests by mode and degradation",
		},
		[]string{"mode", "degraded"},
	)
)

func observePhase(phase string, start time.Time) {
	PhaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}
