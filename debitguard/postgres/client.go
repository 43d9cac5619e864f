package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/bxcodec/dbresolver/v2"

	// pgx registers itself as the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 10
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute
)

var (
	// ErrNotConnected is returned before Connect succeeded or after Close.
	ErrNotConnected = errors.New("postgres client is not connected")
	// ErrPrimaryDSNRequired is returned by New without a primary DSN.
	ErrPrimaryDSNRequired = errors.New("postgres primary dsn is required")

	dbOpenFn = sql.Open

	credentialsPattern = regexp.MustCompile(`://[^@\s]+@`)
	passwordPattern    = regexp.MustCompile(`(?i)(password=)([^\s&]+)`)
)

// Config configures a Client. ReplicaDSN defaults to PrimaryDSN.
type Config struct {
	PrimaryDSN      string
	ReplicaDSN      string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	Logger          log.Logger
}

func (c Config) withDefaults() Config {
	if c.ReplicaDSN == "" {
		c.ReplicaDSN = c.PrimaryDSN
	}

	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = defaultMaxOpenConns
	}

	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = defaultMaxIdleConns
	}

	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = defaultConnMaxLifetime
	}

	c.Logger = log.OrNop(c.Logger)

	return c
}

// Client holds the primary and replica pools behind a dbresolver.
type Client struct {
	cfg      Config
	mu       sync.RWMutex
	primary  *sql.DB
	resolver dbresolver.DB
}

// New validates cfg. It does not connect.
func New(cfg Config) (*Client, error) {
	if cfg.PrimaryDSN == "" {
		return nil, ErrPrimaryDSNRequired
	}

	return &Client{cfg: cfg.withDefaults()}, nil
}

// Connect opens both pools and pings them. Calling it again reconnects.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver != nil {
		if err := c.resolver.Close(); err != nil {
			c.cfg.Logger.Log(ctx, log.LevelWarn, "failed to close previous postgres connection", log.Err(err))
		}

		c.resolver, c.primary = nil, nil
	}

	primary, err := c.open(c.cfg.PrimaryDSN)
	if err != nil {
		return fmt.Errorf("open primary: %s", sanitize(err))
	}

	replica, err := c.open(c.cfg.ReplicaDSN)
	if err != nil {
		_ = primary.Close()
		return fmt.Errorf("open replica: %s", sanitize(err))
	}

	resolver := dbresolver.New(
		dbresolver.WithPrimaryDBs(primary),
		dbresolver.WithReplicaDBs(replica),
		dbresolver.WithLoadBalancer(dbresolver.RoundRobinLB),
	)

	if err := resolver.PingContext(ctx); err != nil {
		_ = resolver.Close()

		c.cfg.Logger.Log(ctx, log.LevelError, "failed to ping postgres", log.String("error", sanitize(err)))

		return fmt.Errorf("ping postgres: %s", sanitize(err))
	}

	c.primary, c.resolver = primary, resolver

	c.cfg.Logger.Log(ctx, log.LevelInfo, "connected to postgres")

	return nil
}

func (c *Client) open(dsn string) (*sql.DB, error) {
	db, err := dbOpenFn("pgx", dsn)
	if err != nil {
		return nil, err
	}

	db.SetMaxOpenConns(c.cfg.MaxOpenConns)
	db.SetMaxIdleConns(c.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(c.cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	return db, nil
}

// Primary returns the primary pool.
func (c *Client) Primary() (*sql.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.primary == nil {
		return nil, ErrNotConnected
	}

	return c.primary, nil
}

// Resolver returns the read/write splitting pool.
func (c *Client) Resolver() (dbresolver.DB, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.resolver == nil {
		return nil, ErrNotConnected
	}

	return c.resolver, nil
}

// Close closes both pools.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.resolver == nil {
		return nil
	}

	err := c.resolver.Close()
	c.resolver, c.primary = nil, nil

	return err
}

// sanitize removes credentials from driver errors, which often echo the DSN.
func sanitize(err error) string {
	if err == nil {
		return ""
	}

	s := credentialsPattern.ReplaceAllString(err.Error(), "://***@")

	return passwordPattern.ReplaceAllString(s, "${1}***")
}
