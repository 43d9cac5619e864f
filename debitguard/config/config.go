package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/idempotency"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"
)

// EnvPrefix prefixes every environment override, e.g. DEBITGUARD_LOCK_TTL.
const EnvPrefix = "DEBITGUARD"

// Backend names accepted by the *.backend keys.
const (
	BackendMemory   = "memory"
	BackendRedis    = "redis"
	BackendBolt     = "bolt"
	BackendPostgres = "postgres"
)

// Redis topologies accepted by redis.mode.
const (
	RedisStandalone = "standalone"
	RedisSentinel   = "sentinel"
	RedisCluster    = "cluster"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config is the full service configuration.
type Config struct {
	Service   ServiceConfig   `mapstructure:"service"`
	HTTP      HTTPConfig      `mapstructure:"http"`
	Store     StoreConfig     `mapstructure:"store"`
	Lock      LockConfig      `mapstructure:"lock"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Postgres  PostgresConfig  `mapstructure:"postgres"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Bolt      BoltConfig      `mapstructure:"bolt"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

type ServiceConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
	LogLevel    string `mapstructure:"log_level"`
	Actor       string `mapstructure:"actor"`
}

type HTTPConfig struct {
	Address         string        `mapstructure:"address"`
	BodyLimit       int           `mapstructure:"body_limit"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StoreConfig selects where invoices, batches, entries and bank transactions live.
type StoreConfig struct {
	Backend string `mapstructure:"backend"`
}

type LockConfig struct {
	Backend   string        `mapstructure:"backend"`
	TTL       time.Duration `mapstructure:"ttl"`
	Attempts  int           `mapstructure:"attempts"`
	RetryBase time.Duration `mapstructure:"retry_base"`
	RetryMax  time.Duration `mapstructure:"retry_max"`
}

type LedgerConfig struct {
	Backend   string        `mapstructure:"backend"`
	Retention time.Duration `mapstructure:"retention"`
}

type PostgresConfig struct {
	PrimaryDSN   string `mapstructure:"primary_dsn"`
	ReplicaDSN   string `mapstructure:"replica_dsn"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
	MaxIdleConns int    `mapstructure:"max_idle_conns"`
	AutoMigrate  bool   `mapstructure:"auto_migrate"`
}

// RedisConfig selects one topology by Mode: standalone uses Address,
// sentinel uses Addresses and MasterName, cluster uses Addresses.
type RedisConfig struct {
	Mode          string        `mapstructure:"mode"`
	Address       string        `mapstructure:"address"`
	Addresses     []string      `mapstructure:"addresses"`
	MasterName    string        `mapstructure:"master_name"`
	Username      string        `mapstructure:"username"`
	Password      string        `mapstructure:"password"`
	DB            int           `mapstructure:"db"`
	TLS           bool          `mapstructure:"tls"`
	CACertBase64  string        `mapstructure:"ca_cert_base64"`
	TLSMinVersion string        `mapstructure:"tls_min_version"`
	PoolSize      int           `mapstructure:"pool_size"`
	MinIdleConns  int           `mapstructure:"min_idle_conns"`
	DialTimeout   time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout   time.Duration `mapstructure:"read_timeout"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
	MaxRetries    int           `mapstructure:"max_retries"`
}

type BoltConfig struct {
	Path string `mapstructure:"path"`
}

// AuditConfig enables publishing audit events to RabbitMQ when URL is set.
type AuditConfig struct {
	RabbitMQURL string `mapstructure:"rabbitmq_url"`
	Exchange    string `mapstructure:"exchange"`
}

type ReconcileConfig struct {
	Tolerance       string        `mapstructure:"tolerance"`
	MaxDepth        int           `mapstructure:"max_depth"`
	MaxCandidates   int           `mapstructure:"max_candidates"`
	SearchBudget    time.Duration `mapstructure:"search_budget"`
	Interval        time.Duration `mapstructure:"interval"`
	BatchSize       int           `mapstructure:"batch_size"`
	CandidateWindow time.Duration `mapstructure:"candidate_window"`
	Enabled         bool          `mapstructure:"enabled"`
}

var defaults = map[string]any{
	"service.name":        "debitguard",
	"service.version":     "0.0.0",
	"service.environment": "production",
	"service.log_level":   "info",
	"service.actor":       "debitguard",

	"http.address":          ":8080",
	"http.body_limit":       10 << 20,
	"http.shutdown_timeout": 30 * time.Second,

	"store.backend": BackendMemory,

	"lock.backend":    BackendMemory,
	"lock.ttl":        5 * time.Minute,
	"lock.attempts":   5,
	"lock.retry_base": 50 * time.Millisecond,
	"lock.retry_max":  time.Second,

	"ledger.backend":   BackendMemory,
	"ledger.retention": idempotency.DefaultRetention,

	"postgres.primary_dsn":    "",
	"postgres.replica_dsn":    "",
	"postgres.max_open_conns": 25,
	"postgres.max_idle_conns": 10,
	"postgres.auto_migrate":   false,

	"redis.mode":            RedisStandalone,
	"redis.address":         "localhost:6379",
	"redis.addresses":       []string{},
	"redis.master_name":     "",
	"redis.username":        "",
	"redis.password":        "",
	"redis.db":              0,
	"redis.tls":             false,
	"redis.ca_cert_base64":  "",
	"redis.tls_min_version": "1.2",
	"redis.pool_size":       0,
	"redis.min_idle_conns":  0,
	"redis.dial_timeout":    5 * time.Second,
	"redis.read_timeout":    3 * time.Second,
	"redis.write_timeout":   3 * time.Second,
	"redis.max_retries":     3,

	"bolt.path": "debitguard.db",

	"audit.rabbitmq_url": "",
	"audit.exchange":     "debitguard.audit",

	"reconcile.tolerance":        "0.02",
	"reconcile.max_depth":        5,
	"reconcile.max_candidates":   40,
	"reconcile.search_budget":    2 * time.Second,
	"reconcile.interval":         5 * time.Minute,
	"reconcile.batch_size":       100,
	"reconcile.candidate_window": 5 * 24 * time.Hour,
	"reconcile.enabled":          true,
}

// Load reads path (when non-empty) and applies environment overrides on top
// of the defaults. The result is validated.
func Load(path string) (Config, error) {
	v := viper.New()

	for key, value := range defaults {
		v.SetDefault(key, value)
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate rejects values no component could run with.
func (c Config) Validate() error {
	var errs []error

	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(oneOf(c.Store.Backend, BackendMemory, BackendPostgres), "store.backend %q is not memory or postgres", c.Store.Backend)
	check(oneOf(c.Lock.Backend, BackendMemory, BackendRedis), "lock.backend %q is not memory or redis", c.Lock.Backend)
	check(oneOf(c.Ledger.Backend, BackendMemory, BackendRedis, BackendBolt, BackendPostgres),
		"ledger.backend %q is not memory, redis, bolt or postgres", c.Ledger.Backend)

	check(c.Lock.TTL > 0, "lock.ttl must be positive")
	check(c.Lock.Attempts >= 1, "lock.attempts must be at least 1")
	check(c.Lock.RetryBase > 0 && c.Lock.RetryMax >= c.Lock.RetryBase, "lock.retry_max must be at least lock.retry_base")
	check(c.Ledger.Retention > 0, "ledger.retention must be positive")

	if c.usesPostgres() {
		check(c.Postgres.PrimaryDSN != "", "postgres.primary_dsn is required for the postgres backend")
	}

	if c.usesRedis() {
		c.validateRedis(check)
	}

	if c.Ledger.Backend == BackendBolt {
		check(c.Bolt.Path != "", "bolt.path is required for the bolt ledger")
	}

	// A memory ledger in front of a shared store would let two replicas each
	// create the same payment.
	if c.Store.Backend == BackendPostgres {
		check(c.Ledger.Backend != BackendMemory, "ledger.backend memory cannot be used with store.backend postgres")
	}

	if _, err := c.Tolerance(); err != nil {
		errs = append(errs, err)
	}

	check(c.Reconcile.MaxDepth >= 1, "reconcile.max_depth must be at least 1")
	check(c.Reconcile.MaxCandidates >= 1, "reconcile.max_candidates must be at least 1")
	check(c.Reconcile.SearchBudget > 0, "reconcile.search_budget must be positive")
	check(c.Reconcile.Interval > 0, "reconcile.interval must be positive")
	check(c.Reconcile.BatchSize >= 1, "reconcile.batch_size must be at least 1")
	check(c.HTTP.Address != "", "http.address is required")

	if len(errs) == 0 {
		return nil
	}

	return fmt.Errorf("%w: %w", ErrInvalidConfig, errors.Join(errs...))
}

// Tolerance parses reconcile.tolerance.
func (c Config) Tolerance() (decimal.Decimal, error) {
	d, err := decimal.NewFromString(c.Reconcile.Tolerance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("reconcile.tolerance %q: %w", c.Reconcile.Tolerance, err)
	}

	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("reconcile.tolerance %q must not be negative", c.Reconcile.Tolerance)
	}

	return d, nil
}

func (c Config) validateRedis(check func(bool, string, ...any)) {
	r := c.Redis

	switch r.Mode {
	case RedisStandalone:
		check(r.Address != "", "redis.address is required for the redis backend")
	case RedisSentinel:
		check(len(r.Addresses) > 0, "redis.addresses is required in sentinel mode")
		check(r.MasterName != "", "redis.master_name is required in sentinel mode")
	case RedisCluster:
		check(len(r.Addresses) > 0, "redis.addresses is required in cluster mode")
	default:
		check(false, "redis.mode %q is not standalone, sentinel or cluster", r.Mode)
	}

	check(r.CACertBase64 == "" || r.TLS, "redis.ca_cert_base64 requires redis.tls")
	check(oneOf(r.TLSMinVersion, "", "1.2", "1.3"), "redis.tls_min_version %q is not 1.2 or 1.3", r.TLSMinVersion)
	check(r.PoolSize >= 0 && r.MinIdleConns >= 0, "redis pool sizes must not be negative")
}

func (c Config) usesPostgres() bool {
	return c.Store.Backend == BackendPostgres || c.Ledger.Backend == BackendPostgres
}

func (c Config) usesRedis() bool {
	return c.Lock.Backend == BackendRedis || c.Ledger.Backend == BackendRedis
}

func oneOf(v string, allowed ...string) bool {
	for _, a := range allowed {
		if v == a {
			return true
		}
	}

	return false
}
