//go:build unit

package server

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunRequiresSomething(t *testing.T) {
	t.Parallel()

	assert.ErrorIs(t, NewManager(nil).Run(), ErrNothingToRun)
}

func TestRunStopsWorkersAndClosesInReverseOrder(t *testing.T) {
	t.Parallel()

	shutdown := make(chan struct{})

	var (
		stopped atomic.Bool
		order   []string
	)

	m := NewManager(log.NewRecorder()).
		WithShutdownChannel(shutdown).
		WithShutdownTimeout(2*time.Second).
		WithWorker("job", func(ctx context.Context) error {
			<-ctx.Done()
			stopped.Store(true)

			return nil
		}).
		WithCloser("postgres", func(context.Context) error { order = append(order, "postgres"); return nil }).
		WithCloser("redis", func(context.Context) error { order = append(order, "redis"); return nil })

	done := make(chan error, 1)
	go func() { done <- m.Run() }()

	<-m.Started()
	close(shutdown)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}

	assert.True(t, stopped.Load())
	assert.Equal(t, []string{"redis", "postgres"}, order)
}

func TestRunReturnsWorkerFailure(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")

	m := NewManager(nil).
		WithShutdownChannel(make(chan struct{})).
		WithWorker("bad", func(context.Context) error { return boom })

	assert.ErrorIs(t, m.Run(), boom)
}

func TestRunRecoversWorkerPanic(t *testing.T) {
	t.Parallel()

	logs := log.NewRecorder()

	m := NewManager(logs).
		WithShutdownChannel(make(chan struct{})).
		WithWorker("panics", func(context.Context) error { panic("kaboom") })

	err := m.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")
	assert.Contains(t, logs.Messages(log.LevelError), "worker panicked")
}

func TestRunJoinsCloserErrors(t *testing.T) {
	t.Parallel()

	shutdown := make(chan struct{})
	close(shutdown)

	m := NewManager(nil).
		WithShutdownChannel(shutdown).
		WithWorker("idle", func(ctx context.Context) error { <-ctx.Done(); return nil }).
		WithCloser("bolt", func(context.Context) error { return errors.New("file busy") })

	err := m.Run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "close bolt")
}
