package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

var (
	// ErrNilStore is returned when a Ledger is built without a Store.
	ErrNilStore = errors.New("idempotency store is required")
	// ErrEmptyKey is returned for an empty key.
	ErrEmptyKey = errors.New("idempotency key is empty")
)

// Record is a completed operation. Records are never mutated.
type Record struct {
	Key       Key             `json:"key"`
	Result    json.RawMessage `json:"result"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Store persists records. PutIfAbsent must be atomic: when a record with the
// same key exists it is returned with stored=false and nothing is written.
type Store interface {
	Get(ctx context.Context, key Key) (Record, bool, error)
	PutIfAbsent(ctx context.Context, rec Record) (Record, bool, error)
	// Purge removes records created before cutoff and returns how many.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
}

// MemoryStore keeps records in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[Key]Record
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Key]Record)}
}

func (s *MemoryStore) Get(_ context.Context, key Key) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]

	return rec, ok, nil
}

func (s *MemoryStore) PutIfAbsent(_ context.Context, rec Record) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.records[rec.Key]; ok {
		return existing, false, nil
	}

	s.records[rec.Key] = rec

	return rec, true, nil
}

func (s *MemoryStore) Purge(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0

	for k, rec := range s.records {
		if rec.CreatedAt.Before(cutoff) {
			delete(s.records, k)
			removed++
		}
	}

	return removed, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.records)
}
