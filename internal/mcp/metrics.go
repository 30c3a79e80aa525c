package mcp

import (
	"context"
	"errors"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/devchain/internal/jobs"
)

const instrumentationName = "github.com/fyrsmithlabs/devchain/internal/mcp"

// Failure reasons attached to devchain.mcp.tool.errors_total.
const (
	reasonInvalid     = "invalid_task"
	reasonNotFound    = "not_found"
	reasonNotTerminal = "not_terminal"
	reasonShutdown    = "shutting_down"
	reasonCanceled    = "canceled"
	reasonTimeout     = "timeout"
	reasonInternal    = "internal"
)

// Metrics counts job tool calls. A nil instrument is skipped, so a meter
// that fails to register degrades to partial metrics.
type Metrics struct {
	calls    metric.Int64Counter
	failures metric.Int64Counter
	latency  metric.Float64Histogram
	inFlight metric.Int64UpDownCounter
}

// NewMetrics registers tool metrics on the global meter provider.
func NewMetrics(logger *zap.Logger) *Metrics {
	return newMetrics(otel.Meter(instrumentationName), logger)
}

func newMetrics(meter metric.Meter, logger *zap.Logger) *Metrics {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Metrics{}
	var errs []error
	var err error

	m.calls, err = meter.Int64Counter("devchain.mcp.tool.invocations_total",
		metric.WithDescription("Job tool calls by tool"),
		metric.WithUnit("{invocation}"))
	errs = append(errs, err)

	m.failures, err = meter.Int64Counter("devchain.mcp.tool.errors_total",
		metric.WithDescription("Failed job tool calls by tool and reason"),
		metric.WithUnit("{error}"))
	errs = append(errs, err)

	// job_status with wait_seconds can block for up to five minutes.
	m.latency, err = meter.Float64Histogram("devchain.mcp.tool.duration_seconds",
		metric.WithDescription("Job tool call latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.01, 0.05, 0.25, 1, 5, 30, 120, 300))
	errs = append(errs, err)

	m.inFlight, err = meter.Int64UpDownCounter("devchain.mcp.tool.active_requests",
		metric.WithDescription("Job tool calls in progress"),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		logger.Warn("some mcp metrics are unavailable", zap.Error(err))
	}
	return m
}

// Begin marks a tool call as started. The returned func ends it and must be
// called exactly once with the call's error.
func (m *Metrics) Begin(ctx context.Context, tool string) func(error) {
	start := time.Now()
	toolAttr := metric.WithAttributes(attribute.String("tool", tool))
	if m.inFlight != nil {
		m.inFlight.Add(ctx, 1, toolAttr)
	}
	return func(err error) {
		if m.inFlight != nil {
			m.inFlight.Add(ctx, -1, toolAttr)
		}
		m.record(ctx, tool, time.Since(start), err)
	}
}

func (m *Metrics) record(ctx context.Context, tool string, took time.Duration, err error) {
	toolAttr := metric.WithAttributes(attribute.String("tool", tool))
	if m.calls != nil {
		m.calls.Add(ctx, 1, toolAttr)
	}
	if m.latency != nil {
		m.latency.Record(ctx, took.Seconds(), toolAttr)
	}
	if err == nil || m.failures == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("tool", tool),
		attribute.String("reason", failureReason(err)),
	))
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, jobs.ErrInvalidTask):
		return reasonInvalid
	case errors.Is(err, jobs.ErrNotFound):
		return reasonNotFound
	case errors.Is(err, jobs.ErrNotTerminal):
		return reasonNotTerminal
	case errors.Is(err, jobs.ErrShutdown):
		return reasonShutdown
	case errors.Is(err, context.Canceled):
		return reasonCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return reasonTimeout
	default:
		return reasonInternal
	}
}
