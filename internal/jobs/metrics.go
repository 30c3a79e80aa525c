package jobs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsFinished counts jobs reaching a terminal status.
	// Labels: status (succeeded, failed, cancelled)
	JobsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devchain",
			Subsystem: "jobs",
			Name:      "finished_total",
			Help:      "Total number of finished jobs by terminal status",
		},
		[]string{"status"},
	)

	// JobsActive tracks non-terminal jobs.
	// Labels: status (pending, running)
	JobsActive = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "devchain",
			Subsystem: "jobs",
			Name:      "active",
			Help:      "Number of pending and running jobs",
		},
		[]string{"status"},
	)

	// JobDuration tracks time from start to terminal status.
	// Labels: status
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devchain",
			Subsystem: "jobs",
			Name:      "duration_seconds",
			Help:      "Duration of jobs from start to finish in seconds",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600},
		},
		[]string{"status"},
	)

	// EventPublishFailures counts events that could not be delivered.
	EventPublishFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "devchain",
			Subsystem: "jobs",
			Name:      "event_publish_failures_total",
			Help:      "Total number of job events that failed to publish",
		},
	)
)
