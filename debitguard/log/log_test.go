//go:build unit

package log

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: "INFO", want: LevelInfo},
		{in: " warning ", want: LevelWarn},
		{in: "warn", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "fatal", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			t.Parallel()

			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				require.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLevelString(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "debug", LevelDebug.String())
	assert.Equal(t, "info", LevelInfo.String())
	assert.Equal(t, "warn", LevelWarn.String())
	assert.Equal(t, "error", LevelError.String())
	assert.Equal(t, "unknown", Level(42).String())
}

func TestFields(t *testing.T) {
	t.Parallel()

	assert.Equal(t, Field{Key: "k", Value: `a\nb`}, String("k", "a\nb"))
	assert.Equal(t, Field{Key: "amount", Value: "25.00"}, Amount("amount", decimal.NewFromInt(25)))

	err := errors.New("boom")
	assert.Equal(t, Field{Key: "error", Value: err}, Err(err))
}

func TestSafeKey(t *testing.T) {
	t.Parallel()

	long := make([]byte, 200)
	for i := range long {
		long[i] = 'a'
	}

	got := SafeKey(string(long))
	assert.Len(t, got, 128+len("...(truncated)"))
	assert.Equal(t, `lock:invoice:x\ny`, SafeKey("lock:invoice:x\ny"))
}

func TestNopLogger(t *testing.T) {
	t.Parallel()

	logger := NewNop()
	logger.Log(context.Background(), LevelError, "ignored")

	assert.False(t, logger.Enabled(LevelError))
	assert.Same(t, logger, logger.With(String("a", "b")))
	assert.NoError(t, logger.Sync(context.Background()))
	assert.NotNil(t, OrNop(nil))
	assert.Same(t, logger, OrNop(logger))
}

func TestRecorder(t *testing.T) {
	t.Parallel()

	rec := NewRecorder()
	child := rec.With(String("component", "guard"))

	child.Log(context.Background(), LevelWarn, "lock contention", String("key", "lock:invoice:1"))
	rec.Log(context.Background(), LevelInfo, "done")

	entries := rec.Entries()
	require.Len(t, entries, 2)

	v, ok := entries[0].Field("component")
	require.True(t, ok)
	assert.Equal(t, "guard", v)
	assert.Equal(t, []string{"lock contention"}, rec.Messages(LevelWarn))
	assert.Equal(t, []string{"done"}, rec.Messages(LevelInfo))
}
