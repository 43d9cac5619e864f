package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/idempotency"
	"github.com/redis/go-redis/v9"
)

const ledgerKeyPrefix = "debitguard:idempotency:"

// LedgerStore implements idempotency.Store with SET NX. Records expire
// through the Redis TTL, so Purge is a no-op.
type LedgerStore struct {
	conn *Client
	ttl  time.Duration
}

var _ idempotency.Store = (*LedgerStore)(nil)

// NewLedgerStore returns a store whose records live for ttl.
func NewLedgerStore(conn *Client, ttl time.Duration) (*LedgerStore, error) {
	if _, err := conn.Redis(); err != nil {
		return nil, err
	}

	if ttl <= 0 {
		ttl = idempotency.DefaultRetention
	}

	return &LedgerStore{conn: conn, ttl: ttl}, nil
}

func (s *LedgerStore) Get(ctx context.Context, key idempotency.Key) (idempotency.Record, bool, error) {
	rdb, err := s.conn.Redis()
	if err != nil {
		return idempotency.Record{}, false, err
	}

	raw, err := rdb.Get(ctx, ledgerKeyPrefix+key.String()).Bytes()
	if errors.Is(err, redis.Nil) {
		return idempotency.Record{}, false, nil
	}

	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("redis get: %w", err)
	}

	var rec idempotency.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return idempotency.Record{}, false, fmt.Errorf("decode ledger record: %w", err)
	}

	return rec, true, nil
}

func (s *LedgerStore) PutIfAbsent(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	rdb, err := s.conn.Redis()
	if err != nil {
		return idempotency.Record{}, false, err
	}

	raw, err := json.Marshal(rec)
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("encode ledger record: %w", err)
	}

	stored, err := rdb.SetNX(ctx, ledgerKeyPrefix+rec.Key.String(), raw, s.ttl).Result()
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("redis setnx: %w", err)
	}

	if stored {
		return rec, true, nil
	}

	existing, ok, err := s.Get(ctx, rec.Key)
	if err != nil {
		return idempotency.Record{}, false, err
	}

	if !ok {
		// Expired between SETNX and GET; the caller's record was not stored.
		return idempotency.Record{}, false, fmt.Errorf("ledger record %s vanished", rec.Key.Short())
	}

	return existing, false, nil
}

func (s *LedgerStore) Purge(context.Context, time.Time) (int, error) {
	return 0, nil
}
