package roleplay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TurnDuration tracks successful turn latency including retries.
	// Labels: side (assistant, user)
	TurnDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devchain",
			Subsystem: "roleplay",
			Name:      "turn_duration_seconds",
			Help:      "Duration of dialogue turns in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		},
		[]string{"side"},
	)

	// TurnRetries counts retried transient agent failures.
	TurnRetries = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devchain",
			Subsystem: "roleplay",
			Name:      "turn_retries_total",
			Help:      "Total number of retried dialogue turns",
		},
	)

	// SessionsTotal counts finished dialogues.
	// Labels: reason (marker, max_turns, cancelled, failed)
	SessionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devchain",
			Subsystem: "roleplay",
			Name:      "sessions_total",
			Help:      "Total number of finished dialogues by reason",
		},
		[]string{"reason"},
	)
)
