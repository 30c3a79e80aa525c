package chain

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PhaseDuration tracks phase wall-clock time.
	// Labels: phase, outcome (succeeded, failed, cancelled)
	PhaseDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devchain",
			Subsystem: "chain",
			Name:      "phase_duration_seconds",
			Help:      "Duration of chain phases in seconds",
			Buckets:   []float64{0.1, 1, 5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"phase", "outcome"},
	)

	// PhaseFailures counts failed phases by cause.
	// Labels: phase, kind
	PhaseFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devchain",
			Subsystem: "chain",
			Name:      "phase_failures_total",
			Help:      "Total number of failed phases by cause",
		},
		[]string{"phase", "kind"},
	)
)
