//go:build unit

package zap

import (
	"context"
	"errors"
	"testing"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func newObserved(t *testing.T, level zapcore.Level) (*Logger, *observer.ObservedLogs) {
	t.Helper()

	core, logs := observer.New(level)

	return Wrap(zap.New(core)), logs
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		cfg  Config
		err  string
	}{
		{name: "missing library", cfg: Config{Environment: EnvironmentLocal}, err: "OTelLibraryName"},
		{name: "bad environment", cfg: Config{Environment: "moon", OTelLibraryName: "dg"}, err: "invalid environment"},
		{name: "bad level", cfg: Config{Environment: EnvironmentProduction, Level: "loud", OTelLibraryName: "dg"}, err: "invalid level"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			_, _, err := New(tt.cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.err)
		})
	}
}

func TestNewDefaults(t *testing.T) {
	t.Parallel()

	logger, level, err := New(Config{Environment: EnvironmentLocal, OTelLibraryName: "debitguard"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, level.Level())
	assert.True(t, logger.Enabled(log.LevelDebug))

	prod, level, err := New(Config{Environment: EnvironmentProduction, OTelLibraryName: "debitguard"})
	require.NoError(t, err)
	assert.Equal(t, zapcore.InfoLevel, level.Level())
	assert.False(t, prod.Enabled(log.LevelDebug))
}

func TestLogWritesFields(t *testing.T) {
	t.Parallel()

	logger, logs := newObserved(t, zapcore.DebugLevel)

	logger.With(log.String("component", "guard")).
		Log(context.Background(), log.LevelWarn, "lock\ncontention", log.Int("tries", 5), log.Err(errors.New("busy")))

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
	assert.Equal(t, `lock\ncontention`, entries[0].Message)

	ctx := entries[0].ContextMap()
	assert.Equal(t, "guard", ctx["component"])
	assert.EqualValues(t, 5, ctx["tries"])
	assert.Equal(t, "busy", ctx["error"])
}

func TestLogAddsTraceCorrelation(t *testing.T) {
	t.Parallel()

	logger, logs := newObserved(t, zapcore.InfoLevel)

	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1, 2, 3},
		SpanID:     trace.SpanID{4, 5, 6},
		TraceFlags: trace.FlagsSampled,
	})
	ctx := trace.ContextWithSpanContext(context.Background(), sc)

	logger.Log(ctx, log.LevelInfo, "settled")

	fields := logs.All()[0].ContextMap()
	assert.Equal(t, sc.TraceID().String(), fields["trace_id"])
	assert.Equal(t, sc.SpanID().String(), fields["span_id"])
}

func TestLevelFiltering(t *testing.T) {
	t.Parallel()

	logger, logs := newObserved(t, zapcore.WarnLevel)

	logger.Log(context.Background(), log.LevelInfo, "dropped")
	logger.Log(context.Background(), log.LevelError, "kept")

	require.Equal(t, 1, logs.Len())
	assert.Equal(t, "kept", logs.All()[0].Message)
}

func TestNilLoggerIsSafe(t *testing.T) {
	t.Parallel()

	var logger *Logger

	assert.NotPanics(t, func() {
		logger.Log(context.Background(), log.LevelError, "nothing")
	})
	assert.NoError(t, logger.Sync(context.Background()))
}

func TestSyncHonoursCancelledContext(t *testing.T) {
	t.Parallel()

	logger, _ := newObserved(t, zapcore.InfoLevel)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	assert.ErrorIs(t, logger.Sync(ctx), context.Canceled)
}
