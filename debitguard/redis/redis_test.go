//go:build unit

package redis

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"testing"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/backoff"
	"github.com/LerianStudio/lib-debitguard/debitguard/idempotency"
	"github.com/LerianStudio/lib-debitguard/debitguard/lock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupMiniredis(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	client, err := New(context.Background(), Config{
		Topology: Topology{Standalone: &StandaloneTopology{Address: mr.Addr()}},
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	return client, mr
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

func TestNewValidatesTopology(t *testing.T) {
	t.Parallel()

	_, err := New(context.Background(), Config{})
	assert.ErrorIs(t, err, ErrNoTopology)

	_, err = New(context.Background(), Config{Topology: Topology{
		Standalone: &StandaloneTopology{Address: "a:6379"},
		Cluster:    &ClusterTopology{Addresses: []string{"b:6379"}},
	}})
	assert.ErrorIs(t, err, ErrAmbiguousTopology)
}

func TestNewFailsWhenUnreachable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := New(ctx, Config{
		Topology: Topology{Standalone: &StandaloneTopology{Address: "127.0.0.1:1"}},
		Options:  ConnectionOptions{DialTimeout: 100 * time.Millisecond, MaxRetries: -1},
	})
	assert.ErrorContains(t, err, "ping")
}

func TestClientPingAndClose(t *testing.T) {
	t.Parallel()

	client, _ := setupMiniredis(t)

	require.NoError(t, client.Ping(context.Background()))
	require.NoError(t, client.Close())

	_, err := client.Redis()
	assert.ErrorIs(t, err, ErrNilClient)

	var nilClient *Client
	assert.ErrorIs(t, nilClient.Close(), ErrNilClient)
}

func TestBuildTLSConfig(t *testing.T) {
	t.Parallel()

	cfg, err := buildTLSConfig(TLSConfig{})
	require.NoError(t, err)
	assert.NotZero(t, cfg.MinVersion)

	_, err = buildTLSConfig(TLSConfig{CACertBase64: "%%%"})
	assert.ErrorContains(t, err, "decode CA certificate")

	_, err = buildTLSConfig(TLSConfig{CACertBase64: base64.StdEncoding.EncodeToString([]byte("not a pem"))})
	assert.ErrorContains(t, err, "no certificates")
}

func TestConfigStringRedactsPassword(t *testing.T) {
	t.Parallel()

	cfg := Config{Password: "hunter2"}
	assert.NotContains(t, cfg.String(), "hunter2")
}

// ---------------------------------------------------------------------------
// Lock backend
// ---------------------------------------------------------------------------

func TestLockBackendMutualExclusion(t *testing.T) {
	t.Parallel()

	client, _ := setupMiniredis(t)
	backend, err := NewLockBackend(client)
	require.NoError(t, err)

	ctx := context.Background()

	h, ok, err := backend.TryLock(ctx, "lock:invoice:INV-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "lock:invoice:INV-1", h.Key())

	_, ok, err = backend.TryLock(ctx, "lock:invoice:INV-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, h.Release(ctx))

	h2, ok, err := backend.TryLock(ctx, "lock:invoice:INV-1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, h2.Release(ctx))
}

func TestLockBackendExpiry(t *testing.T) {
	t.Parallel()

	client, mr := setupMiniredis(t)
	backend, err := NewLockBackend(client)
	require.NoError(t, err)

	ctx := context.Background()

	stale, ok, err := backend.TryLock(ctx, "lock:batch:B1", time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	mr.FastForward(2 * time.Second)

	fresh, ok, err := backend.TryLock(ctx, "lock:batch:B1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok, "expired lock must be reclaimable")

	assert.ErrorIs(t, stale.Release(ctx), lock.ErrLockNotHeld)
	require.NoError(t, fresh.Release(ctx))
}

func TestLockBackendWithManager(t *testing.T) {
	t.Parallel()

	client, _ := setupMiniredis(t)
	backend, err := NewLockBackend(client)
	require.NoError(t, err)

	m, err := lock.NewManager(backend, lock.Options{
		TTL:   time.Minute,
		Retry: backoff.Policy{Base: time.Millisecond, Max: time.Millisecond, Attempts: 2},
	})
	require.NoError(t, err)

	acquired, err := m.WithLock(context.Background(), "return_file", "abc", func(ctx context.Context) error {
		_, inner, err := m.Acquire(ctx, "return_file", "abc")
		require.NoError(t, err)
		assert.False(t, inner)

		return nil
	})
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestLockBackendForceRelease(t *testing.T) {
	t.Parallel()

	client, mr := setupMiniredis(t)
	backend, err := NewLockBackend(client)
	require.NoError(t, err)

	ctx := context.Background()

	stuck, ok, err := backend.TryLock(ctx, "lock:batch:B1", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := backend.ForceRelease(ctx, "lock:batch:B1")
	require.NoError(t, err)
	assert.True(t, held)
	assert.False(t, mr.Exists("lock:batch:B1"))

	held, err = backend.ForceRelease(ctx, "lock:batch:B1")
	require.NoError(t, err)
	assert.False(t, held)

	fresh, ok, err := backend.TryLock(ctx, "lock:batch:B1", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	assert.ErrorIs(t, stuck.Release(ctx), lock.ErrLockNotHeld, "the old holder no longer owns the key")
	require.NoError(t, fresh.Release(ctx))
}

// ---------------------------------------------------------------------------
// Ledger store
// ---------------------------------------------------------------------------

func TestLedgerStorePutIfAbsent(t *testing.T) {
	t.Parallel()

	client, mr := setupMiniredis(t)
	store, err := NewLedgerStore(client, time.Hour)
	require.NoError(t, err)

	ctx := context.Background()
	key := idempotency.NewKey("invoice", "INV-1", "create_payment", "system")

	_, ok, err := store.Get(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	first := idempotency.Record{Key: key, Result: json.RawMessage(`{"id":"P1"}`), CreatedAt: time.Now().UTC()}
	got, stored, err := store.PutIfAbsent(ctx, first)
	require.NoError(t, err)
	assert.True(t, stored)
	assert.JSONEq(t, `{"id":"P1"}`, string(got.Result))

	second := idempotency.Record{Key: key, Result: json.RawMessage(`{"id":"P2"}`), CreatedAt: time.Now().UTC()}
	got, stored, err = store.PutIfAbsent(ctx, second)
	require.NoError(t, err)
	assert.False(t, stored)
	assert.JSONEq(t, `{"id":"P1"}`, string(got.Result))

	assert.Equal(t, time.Hour, mr.TTL(ledgerKeyPrefix+key.String()))
}

func TestLedgerStoreWithExecute(t *testing.T) {
	t.Parallel()

	client, _ := setupMiniredis(t)
	store, err := NewLedgerStore(client, 0)
	require.NoError(t, err)

	ledger, err := idempotency.NewLedger(store)
	require.NoError(t, err)

	key := idempotency.NewKey("invoice", "INV-1", "create_payment", "system")
	calls := 0
	op := func(context.Context) (string, error) {
		calls++
		return "P1", nil
	}

	_, _, err = idempotency.Execute(context.Background(), ledger, key, op)
	require.NoError(t, err)

	v, cached, err := idempotency.Execute(context.Background(), ledger, key, op)
	require.NoError(t, err)
	assert.True(t, cached)
	assert.Equal(t, "P1", v)
	assert.Equal(t, 1, calls)
}

func TestLedgerStoreSurfacesConnectionErrors(t *testing.T) {
	t.Parallel()

	client, mr := setupMiniredis(t)
	store, err := NewLedgerStore(client, time.Hour)
	require.NoError(t, err)

	mr.Close()

	_, _, err = store.Get(context.Background(), "k")
	assert.Error(t, err)
}
