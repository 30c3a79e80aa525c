package http

import (
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const httpInstrumentationName = "github.com/fyrsmithlabs/devchain/internal/http"

// unmatchedRoute labels requests that hit no registered route, so that
// arbitrary URLs cannot blow up label cardinality.
const unmatchedRoute = "unmatched"

// HTTPMetrics records per-route request metrics. Instruments that fail to
// register are left nil and skipped.
type HTTPMetrics struct {
	requests    metric.Int64Counter
	duration    metric.Float64Histogram
	size        metric.Int64Histogram
	inFlight    metric.Int64UpDownCounter
	submissions metric.Int64Counter
}

// NewHTTPMetrics registers the instruments on the global meter provider.
func NewHTTPMetrics(logger *zap.Logger) *HTTPMetrics {
	return newHTTPMetrics(otel.Meter(httpInstrumentationName), logger)
}

func newHTTPMetrics(meter metric.Meter, logger *zap.Logger) *HTTPMetrics {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		m    HTTPMetrics
		errs []error
		err  error
	)
	m.requests, err = meter.Int64Counter("devchain.http.requests_total",
		metric.WithDescription("HTTP requests by method, route and status code"),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	m.duration, err = meter.Float64Histogram("devchain.http.request_duration_seconds",
		metric.WithDescription("HTTP request latency by method, route and status code"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	errs = append(errs, err)

	m.size, err = meter.Int64Histogram("devchain.http.response_size_bytes",
		metric.WithDescription("HTTP response body size; job results with many files are the large ones"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(128, 512, 2048, 8192, 32768, 131072, 524288))
	errs = append(errs, err)

	m.inFlight, err = meter.Int64UpDownCounter("devchain.http.active_requests",
		metric.WithDescription("HTTP requests currently being served"),
		metric.WithUnit("{request}"))
	errs = append(errs, err)

	m.submissions, err = meter.Int64Counter("devchain.http.job_submissions_total",
		metric.WithDescription("POST /api/v1/jobs outcomes: accepted or rejected"),
		metric.WithUnit("{job}"))
	errs = append(errs, err)

	if err := errors.Join(errs...); err != nil {
		logger.Warn("some http metrics are unavailable", zap.Error(err))
	}
	return &m
}

// MetricsMiddleware returns an Echo middleware that records HTTP metrics.
// It must run outside the middleware that renders handler errors, so that
// the final status code is seen.
func (m *HTTPMetrics) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			start := time.Now()
			if m.inFlight != nil {
				m.inFlight.Add(ctx, 1)
				defer m.inFlight.Add(ctx, -1)
			}

			err := next(c)

			route := routeLabel(c.Path())
			method := c.Request().Method
			status := c.Response().Status
			attrs := metric.WithAttributes(
				attribute.String("method", method),
				attribute.String("endpoint", route),
				attribute.Int("status", status),
			)
			if m.requests != nil {
				m.requests.Add(ctx, 1, attrs)
			}
			if m.duration != nil {
				m.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			}
			if m.size != nil {
				m.size.Record(ctx, c.Response().Size, attrs)
			}
			if m.submissions != nil && method == http.MethodPost && route == "/api/v1/jobs" {
				outcome := "accepted"
				if status != http.StatusAccepted {
					outcome = "rejected"
				}
				m.submissions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
			}
			return err
		}
	}
}

// routeLabel returns the matched route template, which already holds
// placeholders such as :id.
func routeLabel(path string) string {
	if path == "" || path == "/*" {
		return unmatchedRoute
	}
	return path
}
