package bootstrap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/audit"
	"github.com/LerianStudio/lib-debitguard/debitguard/backoff"
	"github.com/LerianStudio/lib-debitguard/debitguard/bolt"
	"github.com/LerianStudio/lib-debitguard/debitguard/circuitbreaker"
	"github.com/LerianStudio/lib-debitguard/debitguard/collection"
	"github.com/LerianStudio/lib-debitguard/debitguard/config"
	"github.com/LerianStudio/lib-debitguard/debitguard/guard"
	"github.com/LerianStudio/lib-debitguard/debitguard/idempotency"
	"github.com/LerianStudio/lib-debitguard/debitguard/lock"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/memory"
	"github.com/LerianStudio/lib-debitguard/debitguard/metrics"
	"github.com/LerianStudio/lib-debitguard/debitguard/money"
	dghttp "github.com/LerianStudio/lib-debitguard/debitguard/net/http"
	"github.com/LerianStudio/lib-debitguard/debitguard/opentelemetry"
	"github.com/LerianStudio/lib-debitguard/debitguard/postgres"
	"github.com/LerianStudio/lib-debitguard/debitguard/rabbitmq"
	"github.com/LerianStudio/lib-debitguard/debitguard/reconcile"
	"github.com/LerianStudio/lib-debitguard/debitguard/redis"
	"github.com/LerianStudio/lib-debitguard/debitguard/returns"
	"github.com/LerianStudio/lib-debitguard/debitguard/settlement"
	"go.opentelemetry.io/otel"
)

// Store is every collection store in one value.
type Store interface {
	collection.InvoiceSource
	collection.BatchStore
	collection.PaymentStore
	collection.BankTransactionStore
}

// Components is a fully wired debitguard instance.
type Components struct {
	Config     config.Config
	Logger     log.Logger
	Metrics    *metrics.Factory
	Store      Store
	Locker     *lock.Manager
	Ledger     *idempotency.Ledger
	FileLog    returns.FileLog
	Recorder   audit.Recorder
	Breakers   *circuitbreaker.Manager
	Health     *dghttp.Health
	Guard      *guard.Guard
	Validator  *settlement.Validator
	Reconciler *reconcile.Reconciler
	Processor  *returns.Processor
	Settler    *settlement.Settler
	Job        *settlement.Job

	closers []namedCloser
}

type namedCloser struct {
	name  string
	close func() error
}

// Closer is one resource Build opened.
type Closer struct {
	Name  string
	Close func(ctx context.Context) error
}

// Closers returns the opened resources in opening order.
func (c *Components) Closers() []Closer {
	out := make([]Closer, 0, len(c.closers))

	for _, nc := range c.closers {
		closeFn := nc.close
		out = append(out, Closer{Name: nc.name, Close: func(context.Context) error { return closeFn() }})
	}

	return out
}

// Close releases every resource in reverse opening order.
func (c *Components) Close() error {
	var errs []error

	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", c.closers[i].name, err))
		}
	}

	c.closers = nil

	return errors.Join(errs...)
}

func (c *Components) onClose(name string, fn func() error) {
	c.closers = append(c.closers, namedCloser{name: name, close: fn})
}

// Build opens the configured backends and wires the services. On error every
// resource opened so far is closed.
func Build(ctx context.Context, cfg config.Config, logger log.Logger) (*Components, error) {
	c := &Components{Config: cfg, Logger: log.OrNop(logger)}

	if err := c.build(ctx); err != nil {
		return nil, errors.Join(err, c.Close())
	}

	return c, nil
}

func (c *Components) build(ctx context.Context) error {
	cfg := c.Config

	opentelemetry.SetDefaultPropagator()

	factory, err := metrics.NewFactory(otel.Meter(debitguard.InstrumentationName))
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	c.Metrics = factory
	c.Breakers = circuitbreaker.NewManager(c.Logger)
	c.Health = dghttp.NewHealth(c.Breakers)

	tolerance, err := c.tolerance()
	if err != nil {
		return err
	}

	var (
		pg  *postgres.Client
		rdb *redis.Client
		bdb *bolt.DB
	)

	if cfg.Store.Backend == config.BackendPostgres || cfg.Ledger.Backend == config.BackendPostgres {
		if pg, err = c.openPostgres(ctx); err != nil {
			return err
		}
	}

	if cfg.Lock.Backend == config.BackendRedis || cfg.Ledger.Backend == config.BackendRedis {
		if rdb, err = c.openRedis(ctx); err != nil {
			return err
		}
	}

	if cfg.Ledger.Backend == config.BackendBolt {
		if bdb, err = bolt.Open(cfg.Bolt.Path); err != nil {
			return err
		}

		c.onClose("bolt", bdb.Close)
	}

	if err := c.buildStore(pg); err != nil {
		return err
	}

	if err := c.buildRecorder(); err != nil {
		return err
	}

	if err := c.buildLocker(rdb); err != nil {
		return err
	}

	if err := c.buildLedger(pg, rdb, bdb); err != nil {
		return err
	}

	return c.buildServices(tolerance)
}

func (c *Components) tolerance() (money.Tolerance, error) {
	d, err := c.Config.Tolerance()
	if err != nil {
		return money.Tolerance{}, err
	}

	return money.NewTolerance(d)
}

func (c *Components) openPostgres(ctx context.Context) (*postgres.Client, error) {
	pg, err := postgres.New(postgres.Config{
		PrimaryDSN:   c.Config.Postgres.PrimaryDSN,
		ReplicaDSN:   c.Config.Postgres.ReplicaDSN,
		MaxOpenConns: c.Config.Postgres.MaxOpenConns,
		MaxIdleConns: c.Config.Postgres.MaxIdleConns,
		Logger:       c.Logger,
	})
	if err != nil {
		return nil, err
	}

	if err := pg.Connect(ctx); err != nil {
		return nil, err
	}

	c.onClose("postgres", pg.Close)

	if c.Config.Postgres.AutoMigrate {
		db, err := pg.Primary()
		if err != nil {
			return nil, err
		}

		if err := postgres.Migrate(ctx, db, c.Logger); err != nil {
			return nil, err
		}
	}

	c.Health.Add("postgres", func(ctx context.Context) error {
		db, err := pg.Primary()
		if err != nil {
			return err
		}

		return db.PingContext(ctx)
	})

	return pg, nil
}

func (c *Components) openRedis(ctx context.Context) (*redis.Client, error) {
	rcfg := RedisConfig(c.Config.Redis)
	rcfg.Logger = c.Logger

	rdb, err := redis.New(ctx, rcfg)
	if err != nil {
		return nil, err
	}

	c.onClose("redis", rdb.Close)
	c.Health.Add("redis", rdb.Ping)

	return rdb, nil
}

// RedisConfig maps the redis section onto a client config.
func RedisConfig(r config.RedisConfig) redis.Config {
	out := redis.Config{
		Username: r.Username,
		Password: r.Password,
		DB:       r.DB,
		Options: redis.ConnectionOptions{
			PoolSize:     r.PoolSize,
			MinIdleConns: r.MinIdleConns,
			DialTimeout:  r.DialTimeout,
			ReadTimeout:  r.ReadTimeout,
			WriteTimeout: r.WriteTimeout,
			MaxRetries:   r.MaxRetries,
		},
	}

	switch r.Mode {
	case config.RedisSentinel:
		out.Topology.Sentinel = &redis.SentinelTopology{Addresses: r.Addresses, MasterName: r.MasterName}
	case config.RedisCluster:
		out.Topology.Cluster = &redis.ClusterTopology{Addresses: r.Addresses}
	default:
		out.Topology.Standalone = &redis.StandaloneTopology{Address: r.Address}
	}

	if r.TLS {
		out.TLS = &redis.TLSConfig{CACertBase64: r.CACertBase64, MinVersion: tls.VersionTLS12}
		if r.TLSMinVersion == "1.3" {
			out.TLS.MinVersion = tls.VersionTLS13
		}
	}

	return out
}

func (c *Components) buildStore(pg *postgres.Client) error {
	if c.Config.Store.Backend != config.BackendPostgres {
		c.Store = memory.New()
		return nil
	}

	store, err := postgres.NewStore(pg)
	if err != nil {
		return err
	}

	c.Store = store

	return nil
}

func (c *Components) buildLocker(rdb *redis.Client) error {
	var backend lock.Backend = lock.NewMemoryBackend()

	if c.Config.Lock.Backend == config.BackendRedis {
		rb, err := redis.NewLockBackend(rdb)
		if err != nil {
			return err
		}

		backend = rb
	}

	locker, err := lock.NewManager(backend, lock.Options{
		TTL:      c.Config.Lock.TTL,
		Recorder: c.Recorder,
		Retry: backoff.Policy{
			Base:     c.Config.Lock.RetryBase,
			Max:      c.Config.Lock.RetryMax,
			Attempts: c.Config.Lock.Attempts,
		},
	})
	if err != nil {
		return err
	}

	c.Locker = locker

	return nil
}

func (c *Components) buildLedger(pg *postgres.Client, rdb *redis.Client, bdb *bolt.DB) error {
	var (
		store idempotency.Store
		err   error
	)

	switch c.Config.Ledger.Backend {
	case config.BackendRedis:
		store, err = redis.NewLedgerStore(rdb, c.Config.Ledger.Retention)
	case config.BackendBolt:
		store = bdb.Ledger()
	case config.BackendPostgres:
		store, err = postgres.NewLedgerStore(pg)
	default:
		store = idempotency.NewMemoryStore()
	}

	if err != nil {
		return err
	}

	// The return file log follows the ledger: both must survive restarts
	// together or not at all.
	switch c.Config.Ledger.Backend {
	case config.BackendBolt:
		c.FileLog = bdb.FileLog()
	case config.BackendPostgres:
		if c.FileLog, err = postgres.NewFileLog(pg); err != nil {
			return err
		}
	default:
		if c.Config.Store.Backend == config.BackendPostgres {
			if c.FileLog, err = postgres.NewFileLog(pg); err != nil {
				return err
			}
		} else {
			c.FileLog = returns.NewMemoryFileLog()
		}
	}

	c.Ledger, err = idempotency.NewLedger(store,
		idempotency.WithLogger(c.Logger),
		idempotency.WithRetention(c.Config.Ledger.Retention))

	return err
}

func (c *Components) buildRecorder() error {
	recorders := audit.Multi{audit.NewLogRecorder(c.Logger)}

	if url := c.Config.Audit.RabbitMQURL; url != "" {
		publisher, conn, err := rabbitmq.Dial(url, c.Config.Audit.Exchange, rabbitmq.WithLogger(c.Logger))
		if err != nil {
			return err
		}

		c.onClose("rabbitmq connection", conn.Close)
		c.onClose("rabbitmq publisher", publisher.Close)

		c.Health.Add("rabbitmq", func(context.Context) error {
			if conn.IsClosed() {
				return errors.New("rabbitmq connection closed")
			}

			if publisher.Closed() {
				return rabbitmq.ErrPublisherClosed
			}

			return nil
		})

		recorders = append(recorders, publisher)
	}

	c.Recorder = recorders

	return nil
}

func (c *Components) buildServices(tolerance money.Tolerance) error {
	cfg := c.Config

	var err error

	c.Guard, err = guard.New(c.Locker, c.Ledger, c.Store, c.Store,
		guard.WithRecorder(c.Recorder), guard.WithTolerance(tolerance))
	if err != nil {
		return err
	}

	opts := []settlement.Option{
		settlement.WithRecorder(c.Recorder),
		settlement.WithTolerance(tolerance),
		settlement.WithCandidateWindow(cfg.Reconcile.CandidateWindow),
	}

	c.Validator, err = settlement.NewValidator(c.Locker, c.Store, c.Store, c.Store, opts...)
	if err != nil {
		return err
	}

	c.Reconciler, err = reconcile.New(reconcile.Options{
		Tolerance:     tolerance,
		MaxDepth:      cfg.Reconcile.MaxDepth,
		MaxCandidates: cfg.Reconcile.MaxCandidates,
		SearchBudget:  cfg.Reconcile.SearchBudget,
	})
	if err != nil {
		return err
	}

	c.Settler, err = settlement.NewSettler(c.Validator, c.Guard, c.Reconciler, c.Store, opts...)
	if err != nil {
		return err
	}

	c.Processor, err = returns.NewProcessor(c.Locker, c.FileLog, c.Store, c.Store,
		returns.WithRecorder(c.Recorder), returns.WithTolerance(tolerance), returns.WithActor(cfg.Service.Actor))
	if err != nil {
		return err
	}

	breaker := c.Breakers.GetOrCreate(settlement.BreakerName, circuitbreaker.DefaultConfig())

	c.Job, err = settlement.NewJob(c.Settler, c.Store,
		settlement.WithInterval(cfg.Reconcile.Interval),
		settlement.WithBatchSize(cfg.Reconcile.BatchSize),
		settlement.WithBreaker(breaker))

	return err
}

// Context attaches the logger and metrics factory so every component call
// made with it logs and counts through this instance.
func (c *Components) Context(ctx context.Context) context.Context {
	ctx = debitguard.ContextWithLogger(ctx, c.Logger)

	return debitguard.ContextWithMetrics(ctx, c.Metrics)
}
