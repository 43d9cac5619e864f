package bolt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	bolt "github.com/boltdb/bolt"

	"github.com/LerianStudio/lib-debitguard/debitguard/idempotency"
	"github.com/LerianStudio/lib-debitguard/debitguard/returns"
)

var (
	bucketLedger      = []byte("idempotency")
	bucketReturnFiles = []byte("return_files")
)

// ErrNilDB is returned by methods called on a closed or zero DB.
var ErrNilDB = errors.New("bolt database is not open")

// DefaultOpenTimeout bounds how long Open waits for the file lock held by
// another process.
const DefaultOpenTimeout = time.Second

// DB is an open BoltDB file with the debitguard buckets.
type DB struct {
	db *bolt.DB
}

// Open opens or creates path and ensures the buckets exist.
func Open(path string) (*DB, error) {
	db, err := bolt.Open(path, os.FileMode(0o600), &bolt.Options{Timeout: DefaultOpenTimeout})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range [][]byte{bucketLedger, bucketReturnFiles} {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}

		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create bolt buckets: %w", err)
	}

	return &DB{db: db}, nil
}

// Close releases the file lock.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}

	return d.db.Close()
}

// Ledger returns an idempotency.Store view of d.
func (d *DB) Ledger() *LedgerStore {
	return &LedgerStore{db: d}
}

// FileLog returns a returns.FileLog view of d.
func (d *DB) FileLog() *FileLog {
	return &FileLog{db: d}
}

func (d *DB) view(fn func(tx *bolt.Tx) error) error {
	if d == nil || d.db == nil {
		return ErrNilDB
	}

	return d.db.View(fn)
}

func (d *DB) update(fn func(tx *bolt.Tx) error) error {
	if d == nil || d.db == nil {
		return ErrNilDB
	}

	return d.db.Update(fn)
}

// putIfAbsent stores value under key unless present and returns the stored
// bytes either way.
func (d *DB) putIfAbsent(bucket, key []byte, value any) ([]byte, bool, error) {
	var (
		stored  []byte
		created bool
	)

	err := d.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucket)

		if existing := b.Get(key); existing != nil {
			stored = append([]byte(nil), existing...)
			return nil
		}

		data, err := json.Marshal(value)
		if err != nil {
			return err
		}

		stored = data
		created = true

		return b.Put(key, data)
	})

	return stored, created, err
}

func (d *DB) get(bucket, key []byte) ([]byte, error) {
	var out []byte

	err := d.view(func(tx *bolt.Tx) error {
		if v := tx.Bucket(bucket).Get(key); v != nil {
			out = append([]byte(nil), v...)
		}

		return nil
	})

	return out, err
}

// ---------------------------------------------------------------------------
// Idempotency ledger
// ---------------------------------------------------------------------------

// LedgerStore implements idempotency.Store.
type LedgerStore struct {
	db *DB
}

var _ idempotency.Store = (*LedgerStore)(nil)

func (s *LedgerStore) Get(_ context.Context, key idempotency.Key) (idempotency.Record, bool, error) {
	raw, err := s.db.get(bucketLedger, []byte(key))
	if err != nil || raw == nil {
		return idempotency.Record{}, false, err
	}

	var rec idempotency.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return idempotency.Record{}, false, fmt.Errorf("decode ledger record: %w", err)
	}

	return rec, true, nil
}

func (s *LedgerStore) PutIfAbsent(_ context.Context, rec idempotency.Record) (idempotency.Record, bool, error) {
	if rec.Key == "" {
		return idempotency.Record{}, false, idempotency.ErrEmptyKey
	}

	raw, created, err := s.db.putIfAbsent(bucketLedger, []byte(rec.Key), rec)
	if err != nil {
		return idempotency.Record{}, false, fmt.Errorf("store ledger record: %w", err)
	}

	if created {
		return rec, true, nil
	}

	var existing idempotency.Record
	if err := json.Unmarshal(raw, &existing); err != nil {
		return idempotency.Record{}, false, fmt.Errorf("decode ledger record: %w", err)
	}

	return existing, false, nil
}

// Purge deletes records created before cutoff.
func (s *LedgerStore) Purge(_ context.Context, cutoff time.Time) (int, error) {
	removed := 0

	err := s.db.update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketLedger)

		var expired [][]byte

		err := b.ForEach(func(k, v []byte) error {
			var rec idempotency.Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode ledger record %x: %w", k, err)
			}

			if rec.CreatedAt.Before(cutoff) {
				expired = append(expired, append([]byte(nil), k...))
			}

			return nil
		})
		if err != nil {
			return err
		}

		// Deleting through a cursor while iterating skips keys.
		for _, k := range expired {
			if err := b.Delete(k); err != nil {
				return err
			}
		}

		removed = len(expired)

		return nil
	})

	return removed, err
}

// ---------------------------------------------------------------------------
// Return file log
// ---------------------------------------------------------------------------

// FileLog implements returns.FileLog.
type FileLog struct {
	db *DB
}

var _ returns.FileLog = (*FileLog)(nil)

func (l *FileLog) Lookup(_ context.Context, hash string) (returns.FileEntry, bool, error) {
	raw, err := l.db.get(bucketReturnFiles, []byte(hash))
	if err != nil || raw == nil {
		return returns.FileEntry{}, false, err
	}

	var entry returns.FileEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return returns.FileEntry{}, false, fmt.Errorf("decode return file entry: %w", err)
	}

	return entry, true, nil
}

func (l *FileLog) Record(_ context.Context, entry returns.FileEntry) (bool, error) {
	_, created, err := l.db.putIfAbsent(bucketReturnFiles, []byte(entry.Hash), entry)
	if err != nil {
		return false, fmt.Errorf("record return file: %w", err)
	}

	return created, nil
}
