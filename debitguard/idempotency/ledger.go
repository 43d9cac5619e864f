package idempotency

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
)

// Ledger looks up and records operation results.
type Ledger struct {
	store     Store
	logger    log.Logger
	now       func() time.Time
	retention time.Duration
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithLogger sets the ledger logger.
func WithLogger(logger log.Logger) Option {
	return func(l *Ledger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) {
		if now != nil {
			l.now = now
		}
	}
}

// WithRetention sets how long records are kept by PurgeExpired.
func WithRetention(d time.Duration) Option {
	return func(l *Ledger) {
		if d > 0 {
			l.retention = d
		}
	}
}

// DefaultRetention keeps records long enough to cover the SEPA R-transaction
// window: returns may arrive up to 13 months after collection.
const DefaultRetention = 400 * 24 * time.Hour

// NewLedger returns a Ledger over store.
func NewLedger(store Store, opts ...Option) (*Ledger, error) {
	if store == nil {
		return nil, ErrNilStore
	}

	l := &Ledger{
		store:     store,
		logger:    log.NewNop(),
		now:       time.Now,
		retention: DefaultRetention,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l, nil
}

// Lookup returns the record for key if one exists.
func (l *Ledger) Lookup(ctx context.Context, key Key) (Record, bool, error) {
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}

	rec, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency lookup: %w", err)
	}

	return rec, ok, nil
}

// Record stores result under key. When another writer got there first the
// existing record is returned with stored=false.
func (l *Ledger) Record(ctx context.Context, key Key, result any) (Record, bool, error) {
	if key == "" {
		return Record{}, false, ErrEmptyKey
	}

	raw, err := json.Marshal(result)
	if err != nil {
		return Record{}, false, fmt.Errorf("encode idempotent result: %w", err)
	}

	rec, stored, err := l.store.PutIfAbsent(ctx, Record{Key: key, Result: raw, CreatedAt: l.now().UTC()})
	if err != nil {
		return Record{}, false, fmt.Errorf("idempotency record: %w", err)
	}

	return rec, stored, nil
}

// PurgeExpired removes records older than the retention period.
func (l *Ledger) PurgeExpired(ctx context.Context) (int, error) {
	n, err := l.store.Purge(ctx, l.now().Add(-l.retention))
	if err != nil {
		return 0, fmt.Errorf("idempotency purge: %w", err)
	}

	if n > 0 {
		l.logger.Log(ctx, log.LevelInfo, "purged idempotency records", log.Int("count", n))
	}

	return n, nil
}

// Execute runs op at most once per key. A recorded result is decoded and
// returned with cached=true without calling op. Errors from op are returned
// as-is and nothing is recorded, so the next call runs op again.
func Execute[T any](ctx context.Context, l *Ledger, key Key, op func(ctx context.Context) (T, error)) (T, bool, error) {
	var zero T

	rec, ok, err := l.Lookup(ctx, key)
	if err != nil {
		return zero, false, err
	}

	if ok {
		var cached T
		if err := json.Unmarshal(rec.Result, &cached); err != nil {
			return zero, false, fmt.Errorf("decode idempotent result: %w", err)
		}

		l.logger.Log(ctx, log.LevelDebug, "idempotent replay", log.String("key", key.Short()))

		return cached, true, nil
	}

	result, err := op(ctx)
	if err != nil {
		return zero, false, err
	}

	_, stored, err := l.Record(ctx, key, result)
	if err != nil {
		return zero, false, err
	}

	if !stored {
		l.logger.Log(ctx, log.LevelWarn, "operation executed concurrently outside a resource lock",
			log.String("key", key.Short()))
	}

	return result, false, nil
}
