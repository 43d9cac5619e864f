package returns

import (
	"context"
	"sync"
	"time"
)

// FileEntry is the log row written once a file has been applied.
type FileEntry struct {
	Hash             string    `json:"hash"`
	Format           Format    `json:"format"`
	ProcessedAt      time.Time `json:"processedAt"`
	Records          int       `json:"records"`
	ReversalsCreated int       `json:"reversalsCreated"`
	Failures         int       `json:"failures"`
}

// FileLog remembers applied files by content hash. Record must be atomic and
// return false when the hash is already present.
type FileLog interface {
	Lookup(ctx context.Context, hash string) (FileEntry, bool, error)
	Record(ctx context.Context, entry FileEntry) (bool, error)
}

// MemoryFileLog is a FileLog held in process memory.
type MemoryFileLog struct {
	mu      sync.RWMutex
	entries map[string]FileEntry
}

var _ FileLog = (*MemoryFileLog)(nil)

// NewMemoryFileLog returns an empty MemoryFileLog.
func NewMemoryFileLog() *MemoryFileLog {
	return &MemoryFileLog{entries: make(map[string]FileEntry)}
}

func (m *MemoryFileLog) Lookup(_ context.Context, hash string) (FileEntry, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[hash]

	return entry, ok, nil
}

func (m *MemoryFileLog) Record(_ context.Context, entry FileEntry) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[entry.Hash]; ok {
		return false, nil
	}

	m.entries[entry.Hash] = entry

	return true, nil
}
