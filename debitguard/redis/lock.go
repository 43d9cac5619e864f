package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/lock"
	"github.com/go-redsync/redsync/v4"
	redsyncredis "github.com/go-redsync/redsync/v4/redis"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
)

// DefaultDriftFactor accounts for clock drift between Redis nodes.
const DefaultDriftFactor = 0.01

// LockBackend implements lock.Backend with the redsync RedLock algorithm.
// Each TryLock makes a single attempt; lock.Manager owns the retry policy.
type LockBackend struct {
	conn    *Client
	redsync *redsync.Redsync
}

var (
	_ lock.Backend       = (*LockBackend)(nil)
	_ lock.ForceReleaser = (*LockBackend)(nil)
)

// clientPool resolves the current client on every Get so the pool survives
// a Client reconnect.
type clientPool struct {
	conn *Client
}

func (p *clientPool) Get(ctx context.Context) (redsyncredis.Conn, error) {
	rdb, err := p.conn.Redis()
	if err != nil {
		return nil, fmt.Errorf("redis lock pool: %w", err)
	}

	return goredis.NewPool(rdb).Get(ctx)
}

// NewLockBackend returns a LockBackend over conn.
func NewLockBackend(conn *Client) (*LockBackend, error) {
	if _, err := conn.Redis(); err != nil {
		return nil, err
	}

	return &LockBackend{conn: conn, redsync: redsync.New(&clientPool{conn: conn})}, nil
}

func (b *LockBackend) TryLock(ctx context.Context, key string, ttl time.Duration) (lock.Handle, bool, error) {
	if ttl <= 0 {
		return nil, false, lock.ErrTTLInvalid
	}

	mutex := b.redsync.NewMutex(
		key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
		redsync.WithDriftFactor(DefaultDriftFactor),
	)

	if err := mutex.LockContext(ctx); err != nil {
		if isContention(err) {
			return nil, false, nil
		}

		return nil, false, fmt.Errorf("redis lock %s: %w", key, err)
	}

	return &lockHandle{mutex: mutex}, true, nil
}

// ForceRelease deletes the lock key whatever token it holds.
func (b *LockBackend) ForceRelease(ctx context.Context, key string) (bool, error) {
	rdb, err := b.conn.Redis()
	if err != nil {
		return false, err
	}

	n, err := rdb.Del(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("redis force release %s: %w", key, err)
	}

	return n > 0, nil
}

// isContention reports whether err means another holder owns the key.
// redsync reports contention through several error shapes depending on how
// many nodes answered.
func isContention(err error) bool {
	var (
		taken     *redsync.ErrTaken
		nodeTaken *redsync.ErrNodeTaken
	)

	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) || errors.As(err, &nodeTaken) {
		return true
	}

	msg := err.Error()

	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}

func isNotHeld(err error) bool {
	return errors.Is(err, redsync.ErrLockAlreadyExpired) ||
		strings.Contains(err.Error(), "already expired") ||
		isContention(err)
}

type lockHandle struct {
	mutex *redsync.Mutex
}

func (h *lockHandle) Key() string { return h.mutex.Name() }

func (h *lockHandle) Release(ctx context.Context) error {
	ok, err := h.mutex.UnlockContext(ctx)
	if err != nil {
		if isNotHeld(err) {
			return lock.ErrLockNotHeld
		}

		return fmt.Errorf("redis unlock: %w", err)
	}

	if !ok {
		return lock.ErrLockNotHeld
	}

	return nil
}
