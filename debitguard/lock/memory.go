package lock

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBackend locks keys inside one process. Expired locks are reclaimed
// lazily on the next attempt.
type MemoryBackend struct {
	mu    sync.Mutex
	held  map[string]memoryLock
	clock func() time.Time
}

type memoryLock struct {
	token   string
	expires time.Time
}

var (
	_ Backend       = (*MemoryBackend)(nil)
	_ ForceReleaser = (*MemoryBackend)(nil)
)

// NewMemoryBackend returns an empty MemoryBackend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{held: make(map[string]memoryLock), clock: time.Now}
}

// SetClock overrides the time source, for tests.
func (b *MemoryBackend) SetClock(clock func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.clock = clock
}

func (b *MemoryBackend) TryLock(ctx context.Context, key string, ttl time.Duration) (Handle, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}

	if ttl <= 0 {
		return nil, false, ErrTTLInvalid
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()

	if cur, ok := b.held[key]; ok && now.Before(cur.expires) {
		return nil, false, nil
	}

	token := uuid.NewString()
	b.held[key] = memoryLock{token: token, expires: now.Add(ttl)}

	return &memoryHandle{backend: b, key: key, token: token}, true, nil
}

// Held reports whether key is currently locked.
func (b *MemoryBackend) Held(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.held[key]

	return ok && b.clock().Before(cur.expires)
}

// ForceRelease drops key whoever holds it.
func (b *MemoryBackend) ForceRelease(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.held[key]
	delete(b.held, key)

	return ok && b.clock().Before(cur.expires), nil
}

func (b *MemoryBackend) release(key, token string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	cur, ok := b.held[key]
	if !ok || cur.token != token {
		return ErrLockNotHeld
	}

	delete(b.held, key)

	if !b.clock().Before(cur.expires) {
		return ErrLockNotHeld
	}

	return nil
}

type memoryHandle struct {
	backend *MemoryBackend
	key     string
	token   string
	once    sync.Once
	err     error
}

func (h *memoryHandle) Key() string { return h.key }

func (h *memoryHandle) Release(_ context.Context) error {
	h.once.Do(func() {
		h.err = h.backend.release(h.key, h.token)
	})

	return h.err
}
