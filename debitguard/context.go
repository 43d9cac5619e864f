package debitguard

import (
	"context"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// InstrumentationName is the tracer and meter scope used by every component.
const InstrumentationName = "github.com/LerianStudio/lib-debitguard"

type trackingKey struct{}

// tracking holds the request-scoped facilities attached to a context.
type tracking struct {
	logger  log.Logger
	tracer  trace.Tracer
	metrics *metrics.Factory
	request string
}

func trackingFrom(ctx context.Context) tracking {
	if ctx == nil {
		return tracking{}
	}

	if t, ok := ctx.Value(trackingKey{}).(tracking); ok {
		return t
	}

	return tracking{}
}

// ContextWithLogger returns a copy of ctx carrying logger.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	t := trackingFrom(ctx)
	t.logger = logger

	return context.WithValue(ctx, trackingKey{}, t)
}

// ContextWithTracer returns a copy of ctx carrying tracer.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	t := trackingFrom(ctx)
	t.tracer = tracer

	return context.WithValue(ctx, trackingKey{}, t)
}

// ContextWithMetrics returns a copy of ctx carrying the metrics factory.
func ContextWithMetrics(ctx context.Context, factory *metrics.Factory) context.Context {
	t := trackingFrom(ctx)
	t.metrics = factory

	return context.WithValue(ctx, trackingKey{}, t)
}

// ContextWithRequestID returns a copy of ctx carrying a correlation id.
func ContextWithRequestID(ctx context.Context, requestID string) context.Context {
	t := trackingFrom(ctx)
	t.request = requestID

	return context.WithValue(ctx, trackingKey{}, t)
}

// RequestIDFromContext returns the correlation id, or an empty string.
func RequestIDFromContext(ctx context.Context) string {
	return trackingFrom(ctx).request
}

// NewTrackingFromContext extracts the logger, tracer and metrics factory from
// ctx. Missing components fall back to a Nop logger, the global tracer and a
// Nop metrics factory.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, *metrics.Factory) {
	t := trackingFrom(ctx)

	logger := t.logger
	if logger == nil {
		logger = log.NewNop()
	}

	tracer := t.tracer
	if tracer == nil {
		tracer = otel.Tracer(InstrumentationName)
	}

	factory := t.metrics
	if factory == nil {
		factory = metrics.NewNopFactory()
	}

	if t.request != "" {
		logger = logger.With(log.String("request_id", t.request))
	}

	return logger, tracer, factory
}
