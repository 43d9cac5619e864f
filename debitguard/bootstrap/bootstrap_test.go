//go:build unit

package bootstrap

import (
	"context"
	"crypto/tls"
	"path/filepath"
	"testing"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/LerianStudio/lib-debitguard/debitguard/config"
	"github.com/LerianStudio/lib-debitguard/debitguard/guard"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/memory"
	"github.com/alicebob/miniredis/v2"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func defaults(t *testing.T) config.Config {
	t.Helper()

	cfg, err := config.Load("")
	require.NoError(t, err)

	return cfg
}

func TestBuildInMemory(t *testing.T) {
	c, err := Build(context.Background(), defaults(t), log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Close()) })

	assert.IsType(t, &memory.Store{}, c.Store)
	assert.NotNil(t, c.Guard)
	assert.NotNil(t, c.Validator)
	assert.NotNil(t, c.Processor)
	assert.NotNil(t, c.Settler)
	assert.NotNil(t, c.Job)
	assert.Empty(t, c.Closers())

	store := c.Store.(*memory.Store)
	store.PutInvoice(collection.Invoice{ID: "INV-1", Total: decimal.RequireFromString("10"), Currency: "EUR"})

	ctx := c.Context(context.Background())

	res, err := c.Guard.CreatePayment(ctx, guard.Request{
		InvoiceID: "INV-1", Amount: decimal.RequireFromString("10"), BatchID: "B1", TransactionID: "T1", Actor: "ops",
	})
	require.NoError(t, err)
	assert.True(t, res.Outcome.IsSuccess())
}

func TestBuildWithRedisAndBolt(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := defaults(t)
	cfg.Lock.Backend = config.BackendRedis
	cfg.Redis.Address = mr.Addr()
	cfg.Ledger.Backend = config.BackendBolt
	cfg.Bolt.Path = filepath.Join(t.TempDir(), "ledger.db")

	c, err := Build(context.Background(), cfg, log.NewNop())
	require.NoError(t, err)

	names := make([]string, 0)
	for _, cl := range c.Closers() {
		names = append(names, cl.Name)
	}

	assert.Equal(t, []string{"redis", "bolt"}, names)

	report := c.Health.Check(context.Background())
	assert.True(t, report.Dependencies["redis"].Healthy)

	require.NoError(t, c.Close())
}

func TestBuildClosesOnFailure(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := defaults(t)
	cfg.Lock.Backend = config.BackendRedis
	cfg.Redis.Address = mr.Addr()
	cfg.Ledger.Backend = config.BackendRedis
	cfg.Store.Backend = config.BackendPostgres
	cfg.Postgres.PrimaryDSN = "postgres://u:p@127.0.0.1:1/db?sslmode=disable&connect_timeout=1"

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := Build(ctx, cfg, log.NewNop())
	require.Error(t, err)
	assert.NotContains(t, err.Error(), "u:p@")
}

func TestBuildRejectsBadTolerance(t *testing.T) {
	cfg := defaults(t)
	cfg.Reconcile.Tolerance = "x"

	_, err := Build(context.Background(), cfg, nil)
	assert.Error(t, err)
}

func TestRedisConfigTopologies(t *testing.T) {
	t.Parallel()

	base := defaults(t).Redis

	standalone := RedisConfig(base)
	require.NotNil(t, standalone.Topology.Standalone)
	assert.Equal(t, "localhost:6379", standalone.Topology.Standalone.Address)
	assert.Nil(t, standalone.TLS)
	assert.Equal(t, 3, standalone.Options.MaxRetries)
	assert.Equal(t, 5*time.Second, standalone.Options.DialTimeout)

	sentinel := base
	sentinel.Mode = config.RedisSentinel
	sentinel.Addresses = []string{"s1:26379", "s2:26379"}
	sentinel.MasterName = "debitguard"
	sentinel.TLS = true
	sentinel.CACertBase64 = "Y2E="
	sentinel.TLSMinVersion = "1.3"

	rs := RedisConfig(sentinel)
	assert.Nil(t, rs.Topology.Standalone)
	require.NotNil(t, rs.Topology.Sentinel)
	assert.Equal(t, "debitguard", rs.Topology.Sentinel.MasterName)
	require.NotNil(t, rs.TLS)
	assert.Equal(t, "Y2E=", rs.TLS.CACertBase64)
	assert.Equal(t, uint16(tls.VersionTLS13), rs.TLS.MinVersion)

	cluster := base
	cluster.Mode = config.RedisCluster
	cluster.Addresses = []string{"c1:7000", "c2:7000"}
	cluster.PoolSize = 50

	rc := RedisConfig(cluster)
	require.NotNil(t, rc.Topology.Cluster)
	assert.Equal(t, []string{"c1:7000", "c2:7000"}, rc.Topology.Cluster.Addresses)
	assert.Equal(t, 50, rc.Options.PoolSize)
}

func TestBuildRedisWithPoolOptions(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := defaults(t)
	cfg.Lock.Backend = config.BackendRedis
	cfg.Redis.Address = mr.Addr()
	cfg.Redis.PoolSize = 4
	cfg.Redis.MinIdleConns = 1

	c, err := Build(context.Background(), cfg, log.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, c.Close()) })

	assert.True(t, c.Health.Check(context.Background()).Dependencies["redis"].Healthy)
}
