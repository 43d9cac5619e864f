//go:build unit

package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() Config {
	return Config{MaxRequests: 1, Interval: time.Minute, Timeout: time.Hour, ConsecutiveFailures: 2, FailureRatio: 1, MinRequests: 100}
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()

	rec := log.NewRecorder()
	m := NewManager(rec)
	b := m.GetOrCreate("bank-feed", testConfig())
	boom := errors.New("feed down")

	fail := func(context.Context) (int, error) { return 0, boom }

	for range 2 {
		_, err := Execute(context.Background(), b, fail)
		require.ErrorIs(t, err, boom)
	}

	assert.Equal(t, StateOpen, b.State())

	calls := 0
	_, err := Execute(context.Background(), b, func(context.Context) (int, error) {
		calls++
		return 1, nil
	})
	require.ErrorIs(t, err, ErrOpen)
	assert.Zero(t, calls)
	assert.Equal(t, StateOpen, m.States()["bank-feed"])
	assert.NotEmpty(t, rec.Messages(log.LevelWarn))
}

func TestExecuteReturnsValue(t *testing.T) {
	t.Parallel()

	b := NewManager(nil).GetOrCreate("bank-feed", DefaultConfig())

	got, err := Execute(context.Background(), b, func(context.Context) ([]string, error) {
		return []string{"T1"}, nil
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"T1"}, got)
	assert.Equal(t, StateClosed, b.State())
}

func TestCancellationDoesNotTrip(t *testing.T) {
	t.Parallel()

	b := NewManager(nil).GetOrCreate("bank-feed", testConfig())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	for range 3 {
		_, err := Execute(ctx, b, func(ctx context.Context) (int, error) { return 0, ctx.Err() })
		require.ErrorIs(t, err, context.Canceled)
	}

	assert.Equal(t, StateClosed, b.State())
	assert.Zero(t, b.ConsecutiveFailures())
}

func TestGetOrCreateIsCached(t *testing.T) {
	t.Parallel()

	m := NewManager(nil)
	assert.Same(t, m.GetOrCreate("a", DefaultConfig()), m.GetOrCreate("a", testConfig()))
}
