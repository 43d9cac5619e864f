package redis

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNilClient is returned when a nil *Client is used.
	ErrNilClient = errors.New("redis client is nil")
	// ErrNoTopology is returned when no address is configured.
	ErrNoTopology = errors.New("redis: no topology configured, at least one address is required")
	// ErrAmbiguousTopology is returned when more than one topology is set.
	ErrAmbiguousTopology = errors.New("redis: exactly one topology must be configured")
)

// Config selects a deployment topology and connection settings.
type Config struct {
	Topology Topology
	Password string
	Username string
	DB       int
	TLS      *TLSConfig
	Options  ConnectionOptions
	Logger   log.Logger
}

// Topology selects exactly one Redis deployment mode.
type Topology struct {
	Standalone *StandaloneTopology
	Sentinel   *SentinelTopology
	Cluster    *ClusterTopology
}

type StandaloneTopology struct {
	Address string
}

type SentinelTopology struct {
	Addresses  []string
	MasterName string
}

type ClusterTopology struct {
	Addresses []string
}

// TLSConfig enables TLS. CACertBase64 optionally pins a CA bundle.
type TLSConfig struct {
	CACertBase64 string
	MinVersion   uint16
}

// ConnectionOptions tunes pools and timeouts. Zero values keep go-redis defaults.
type ConnectionOptions struct {
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	MaxRetries   int
}

// String redacts credentials.
func (c Config) String() string {
	return fmt.Sprintf("redis.Config{DB:%d, TLS:%t, Password:REDACTED}", c.DB, c.TLS != nil)
}

// Client owns a redis.UniversalClient.
type Client struct {
	mu     sync.RWMutex
	cfg    Config
	logger log.Logger
	client redis.UniversalClient
}

// New validates cfg, connects and pings.
func New(ctx context.Context, cfg Config) (*Client, error) {
	opts, err := buildUniversalOptions(cfg)
	if err != nil {
		return nil, err
	}

	c := &Client{cfg: cfg, logger: log.OrNop(cfg.Logger)}

	rdb := redis.NewUniversalClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()

		c.logger.Log(ctx, log.LevelError, "redis ping failed", log.Err(err))

		return nil, fmt.Errorf("redis connect: ping: %w", err)
	}

	c.client = rdb

	switch rdb.(type) {
	case *redis.ClusterClient:
		c.logger.Log(ctx, log.LevelInfo, "connected to redis in cluster mode")
	case *redis.Client:
		c.logger.Log(ctx, log.LevelInfo, "connected to redis")
	}

	if cfg.TLS == nil {
		c.logger.Log(ctx, log.LevelWarn, "redis connection established without TLS")
	}

	return c, nil
}

// NewFromUniversal wraps an already connected client.
func NewFromUniversal(rdb redis.UniversalClient, logger log.Logger) *Client {
	return &Client{client: rdb, logger: log.OrNop(logger)}
}

// Redis returns the underlying client.
func (c *Client) Redis() (redis.UniversalClient, error) {
	if c == nil {
		return nil, ErrNilClient
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.client == nil {
		return nil, ErrNilClient
	}

	return c.client, nil
}

// Ping checks connectivity.
func (c *Client) Ping(ctx context.Context) error {
	rdb, err := c.Redis()
	if err != nil {
		return err
	}

	return rdb.Ping(ctx).Err()
}

// Close closes the connection pool.
func (c *Client) Close() error {
	if c == nil {
		return ErrNilClient
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.client == nil {
		return nil
	}

	err := c.client.Close()
	c.client = nil

	return err
}

func buildUniversalOptions(cfg Config) (*redis.UniversalOptions, error) {
	opts := &redis.UniversalOptions{
		DB:           cfg.DB,
		Username:     cfg.Username,
		Password:     cfg.Password,
		PoolSize:     cfg.Options.PoolSize,
		MinIdleConns: cfg.Options.MinIdleConns,
		DialTimeout:  cfg.Options.DialTimeout,
		ReadTimeout:  cfg.Options.ReadTimeout,
		WriteTimeout: cfg.Options.WriteTimeout,
		MaxRetries:   cfg.Options.MaxRetries,
	}

	set := 0

	if t := cfg.Topology.Standalone; t != nil {
		set++

		if strings.TrimSpace(t.Address) != "" {
			opts.Addrs = []string{t.Address}
		}
	}

	if t := cfg.Topology.Sentinel; t != nil {
		set++
		opts.Addrs = t.Addresses
		opts.MasterName = t.MasterName
	}

	if t := cfg.Topology.Cluster; t != nil {
		set++
		opts.Addrs = t.Addresses
	}

	if set > 1 {
		return nil, ErrAmbiguousTopology
	}

	if len(opts.Addrs) == 0 {
		return nil, ErrNoTopology
	}

	if cfg.TLS != nil {
		tlsCfg, err := buildTLSConfig(*cfg.TLS)
		if err != nil {
			return nil, fmt.Errorf("redis: TLS config: %w", err)
		}

		opts.TLSConfig = tlsCfg
	}

	return opts, nil
}

func buildTLSConfig(cfg TLSConfig) (*tls.Config, error) {
	minVersion := cfg.MinVersion
	if minVersion == 0 {
		minVersion = tls.VersionTLS12
	}

	out := &tls.Config{MinVersion: minVersion} // #nosec G402 -- MinVersion defaults to TLS 1.2

	if cfg.CACertBase64 == "" {
		return out, nil
	}

	pem, err := base64.StdEncoding.DecodeString(cfg.CACertBase64)
	if err != nil {
		return nil, fmt.Errorf("decode CA certificate: %w", err)
	}

	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, errors.New("no certificates found in CA bundle")
	}

	out.RootCAs = pool

	return out, nil
}
