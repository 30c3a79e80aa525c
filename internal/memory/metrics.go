package memory

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationDuration tracks store call latency.
	// Labels: provider, operation (add, query, delete)
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devchain",
			Subsystem: "memory",
			Name:      "operation_duration_seconds",
			Help:      "Duration of memory store operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"provider", "operation"},
	)

	// OperationErrors counts failed store calls.
	// Labels: provider, operation
	OperationErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devchain",
			Subsystem: "memory",
			Name:      "operation_errors_total",
			Help:      "Total number of failed memory store operations",
		},
		[]string{"provider", "operation"},
	)
)

type instrumented struct {
	Store
	provider string
}

// Instrument records latency and error metrics around s.
func Instrument(s Store, provider string) Store {
	return &instrumented{Store: s, provider: provider}
}

func (s *instrumented) observe(op string, start time.Time, err error) {
	OperationDuration.WithLabelValues(s.provider, op).Observe(time.Since(start).Seconds())
	if err != nil {
		OperationErrors.WithLabelValues(s.provider, op).Inc()
	}
}

func (s *instrumented) Add(ctx context.Context, item Item) error {
	start := time.Now()
	err := s.Store.Add(ctx, item)
	s.observe("add", start, err)
	return err
}

func (s *instrumented) Query(ctx context.Context, vector []float32, k int, filter Filter) ([]Match, error) {
	start := time.Now()
	matches, err := s.Store.Query(ctx, vector, k, filter)
	s.observe("query", start, err)
	return matches, err
}

func (s *instrumented) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := s.Store.Delete(ctx, key)
	s.observe("delete", start, err)
	return err
}
