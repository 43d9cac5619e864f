//go:build unit

package debitguard

import (
	"context"
	"testing"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"
)

func TestNewTrackingFromContextFallbacks(t *testing.T) {
	t.Parallel()

	logger, tracer, factory := NewTrackingFromContext(context.Background())

	assert.IsType(t, &log.NopLogger{}, logger)
	assert.NotNil(t, tracer)
	assert.NotNil(t, factory)
}

func TestNewTrackingFromContextKeepsComponents(t *testing.T) {
	t.Parallel()

	rec := log.NewRecorder()
	tracer := noop.NewTracerProvider().Tracer("test")
	factory := metrics.NewNopFactory()

	ctx := ContextWithLogger(context.Background(), rec)
	ctx = ContextWithTracer(ctx, tracer)
	ctx = ContextWithMetrics(ctx, factory)
	ctx = ContextWithRequestID(ctx, "req-1")

	logger, gotTracer, gotFactory := NewTrackingFromContext(ctx)

	assert.Equal(t, tracer, gotTracer)
	assert.Same(t, factory, gotFactory)
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))

	logger.Log(ctx, log.LevelInfo, "hello")

	entries := rec.Entries()
	require.Len(t, entries, 1)

	v, ok := entries[0].Field("request_id")
	require.True(t, ok)
	assert.Equal(t, "req-1", v)
}

func TestContextHelpersDoNotLeakIntoParent(t *testing.T) {
	t.Parallel()

	parent := ContextWithRequestID(context.Background(), "parent")
	_ = ContextWithRequestID(parent, "child")

	assert.Equal(t, "parent", RequestIDFromContext(parent))
}
