package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/ehr/dashboard/internal/platform/telemetry"

// Provider holds the tracer and instruments used by the server middleware
// and the booking service.
type Provider struct {
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator

	requests  metric.Int64Counter
	duration  metric.Float64Histogram
	active    metric.Int64UpDownCounter
	decisions metric.Int64Counter
}

// NewProvider builds instruments from tp and mp. Pass otel.GetTracerProvider()
// and otel.GetMeterProvider() after Setup.
func NewProvider(tp trace.TracerProvider, mp metric.MeterProvider) (*Provider, error) {
	meter := mp.Meter(instrumentationName)

	requests, err := meter.Int64Counter("http.server.request.count",
		metric.WithDescription("Number of HTTP requests"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("http.server.request.duration",
		metric.WithDescription("HTTP request duration"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64UpDownCounter("http.server.active_requests",
		metric.WithDescription("In-flight HTTP requests"))
	if err != nil {
		return nil, err
	}
	decisions, err := meter.Int64Counter("dashboard.booking.decisions",
		metric.WithDescription("Appointment submissions by probe outcome and action"))
	if err != nil {
		return nil, err
	}

	return &Provider{
		tracer:     tp.Tracer(instrumentationName),
		propagator: otel.GetTextMapPropagator(),
		requests:   requests,
		duration:   duration,
		active:     active,
		decisions:  decisions,
	}, nil
}

// TracingMiddleware starts a server span per request, continuing any trace
// context sent by the browser or a proxy.
func (p *Provider) TracingMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			route := routeOf(c)

			ctx := p.propagator.Extract(req.Context(), propagation.HeaderCarrier(req.Header))
			ctx, span := p.tracer.Start(ctx, "HTTP "+req.Method+" "+route,
				trace.WithSpanKind(trace.SpanKindServer),
				trace.WithAttributes(
					semconv.HTTPRequestMethodKey.String(req.Method),
					semconv.HTTPRoute(route),
					semconv.URLPath(req.URL.Path),
				),
			)
			defer span.End()
			c.SetRequest(req.WithContext(ctx))

			err := next(c)

			status := statusOf(c, err)
			span.SetAttributes(semconv.HTTPResponseStatusCode(status))
			if err != nil {
				span.RecordError(err)
			}
			if status >= http.StatusInternalServerError {
				span.SetStatus(codes.Error, http.StatusText(status))
			}
			return err
		}
	}
}

// MetricsMiddleware records request count, latency and in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			ctx := c.Request().Context()
			p.active.Add(ctx, 1)
			defer p.active.Add(ctx, -1)

			start := time.Now()
			err := next(c)

			attrs := metric.WithAttributes(
				semconv.HTTPRequestMethodKey.String(c.Request().Method),
				semconv.HTTPRoute(routeOf(c)),
				semconv.HTTPResponseStatusCode(statusOf(c, err)),
			)
			p.requests.Add(ctx, 1, attrs)
			p.duration.Record(ctx, time.Since(start).Seconds(), attrs)
			return err
		}
	}
}

// RecordDecision counts one booking submission.
func (p *Provider) RecordDecision(ctx context.Context, mode, outcome, action string) {
	p.decisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("booking.mode", mode),
		attribute.String("booking.outcome", outcome),
		attribute.String("booking.action", action),
	))
}

func routeOf(c echo.Context) string {
	if r := c.Path(); r != "" {
		return r
	}
	return c.Request().URL.Path
}

// statusOf reports the status the client will see, including errors that
// echo has not rendered yet.
func statusOf(c echo.Context, err error) int {
	if err == nil {
		return c.Response().Status
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}
