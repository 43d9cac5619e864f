//go:build integration

package redis

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/backoff"
	"github.com/LerianStudio/lib-debitguard/debitguard/lock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func setupRedisContainer(t *testing.T) *Client {
	t.Helper()

	ctx := context.Background()

	container, err := tcredis.Run(ctx, "redis:7-alpine",
		testcontainers.WithWaitStrategy(
			wait.ForLog("Ready to accept connections").WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)

	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	endpoint, err := container.Endpoint(ctx, "")
	require.NoError(t, err)

	client, err := New(ctx, Config{Topology: Topology{Standalone: &StandaloneTopology{Address: endpoint}}})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestIntegration_LockManagerAcrossClients(t *testing.T) {
	first := setupRedisContainer(t)

	rdb, err := first.Redis()
	require.NoError(t, err)

	second := NewFromUniversal(rdb, nil)

	newManager := func(c *Client) *lock.Manager {
		backend, err := NewLockBackend(c)
		require.NoError(t, err)

		m, err := lock.NewManager(backend, lock.Options{
			TTL:   10 * time.Second,
			Retry: backoff.Policy{Base: 2 * time.Millisecond, Max: 10 * time.Millisecond, Attempts: 500},
		})
		require.NoError(t, err)

		return m
	}

	managers := []*lock.Manager{newManager(first), newManager(second)}

	var (
		wg     sync.WaitGroup
		inside atomic.Int32
		ran    atomic.Int32
	)

	for i := range 10 {
		wg.Add(1)

		go func(m *lock.Manager) {
			defer wg.Done()

			acquired, err := m.WithLock(context.Background(), "invoice", "INV-1", func(context.Context) error {
				assert.Equal(t, int32(1), inside.Add(1))
				time.Sleep(5 * time.Millisecond)
				inside.Add(-1)
				ran.Add(1)

				return nil
			})
			assert.NoError(t, err)
			assert.True(t, acquired)
		}(managers[i%2])
	}

	wg.Wait()

	assert.Equal(t, int32(10), ran.Load())
}
