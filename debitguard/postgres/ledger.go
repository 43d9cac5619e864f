package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/idempotency"
	"github.com/LerianStudio/lib-debitguard/debitguard/returns"
)

// LedgerStore is an idempotency.Store backed by the idempotency_records table.
type LedgerStore struct {
	db *sql.DB
}

var _ idempotency.Store = (*LedgerStore)(nil)

// NewLedgerStore returns a LedgerStore on the client's primary.
func NewLedgerStore(c *Client) (*LedgerStore, error) {
	db, err := c.Primary()
	if err != nil {
		return nil, err
	}

	return &LedgerStore{db: db}, nil
}

func (s *LedgerStore) Get(ctx context.Context, key idempotency.Key) (idempotency.Record, bool, error) {
	var (
		rec    idempotency.Record
		result []byte
	)

	err := s.db.QueryRowContext(ctx,
		`SELECT result, created_at FROM idempotency_records WHERE key = $1`, string(key)).
		Scan(&result, &rec.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return idempotency.Record{}, false, nil
	}

	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("load idempotency record %s: %w", key.Short(), err)
	}

	rec.Key = key
	rec.Result = result
	rec.CreatedAt = rec.CreatedAt.UTC()

	return rec, true, nil
}

// PutIfAbsent inserts rec unless its key exists, in which case the stored
// record is returned.
func (s *LedgerStore) PutIfAbsent(ctx context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO idempotency_records (key, result, created_at) VALUES ($1, $2, $3)
		ON CONFLICT (key) DO NOTHING`,
		string(rec.Key), []byte(rec.Result), rec.CreatedAt.UTC())
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("store idempotency record %s: %w", rec.Key.Short(), err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return idempotency.Record{}, false, err
	}

	if n == 1 {
		return rec, true, nil
	}

	existing, ok, err := s.Get(ctx, rec.Key)
	if err != nil {
		return idempotency.Record{}, false, err
	}

	if !ok {
		return idempotency.Record{}, false, fmt.Errorf("idempotency record %s vanished after conflict", rec.Key.Short())
	}

	return existing, false, nil
}

func (s *LedgerStore) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM idempotency_records WHERE created_at < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("purge idempotency records: %w", err)
	}

	n, err := res.RowsAffected()

	return int(n), err
}

// FileLog is a returns.FileLog backed by the return_files table.
type FileLog struct {
	db *sql.DB
}

var _ returns.FileLog = (*FileLog)(nil)

// NewFileLog returns a FileLog on the client's primary.
func NewFileLog(c *Client) (*FileLog, error) {
	db, err := c.Primary()
	if err != nil {
		return nil, err
	}

	return &FileLog{db: db}, nil
}

func (l *FileLog) Lookup(ctx context.Context, hash string) (returns.FileEntry, bool, error) {
	var (
		e      returns.FileEntry
		format string
	)

	err := l.db.QueryRowContext(ctx, `
		SELECT hash, format, processed_at, records, reversals_created, failures
		FROM return_files WHERE hash = $1`, hash).
		Scan(&e.Hash, &format, &e.ProcessedAt, &e.Records, &e.ReversalsCreated, &e.Failures)
	if errors.Is(err, sql.ErrNoRows) {
		return returns.FileEntry{}, false, nil
	}

	if err != nil {
		return returns.FileEntry{}, false, fmt.Errorf("load return file %s: %w", hash, err)
	}

	e.Format = returns.Format(format)
	e.ProcessedAt = e.ProcessedAt.UTC()

	return e, true, nil
}

func (l *FileLog) Record(ctx context.Context, e returns.FileEntry) (bool, error) {
	res, err := l.db.ExecContext(ctx, `
		INSERT INTO return_files (hash, format, processed_at, records, reversals_created, failures)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (hash) DO NOTHING`,
		e.Hash, string(e.Format), e.ProcessedAt.UTC(), e.Records, e.ReversalsCreated, e.Failures)
	if err != nil {
		return false, fmt.Errorf("record return file %s: %w", e.Hash, err)
	}

	n, err := res.RowsAffected()

	return n == 1, err
}
