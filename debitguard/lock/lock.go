package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard"
	"github.com/LerianStudio/lib-debitguard/debitguard/audit"
	"github.com/LerianStudio/lib-debitguard/debitguard/backoff"
	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/LerianStudio/lib-debitguard/debitguard/metrics"
	"github.com/LerianStudio/lib-debitguard/debitguard/opentelemetry"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTTL bounds how long a crashed holder can block a resource.
const DefaultTTL = 5 * time.Minute

var (
	// ErrEmptyLockKey is returned when the resource type or id is blank.
	ErrEmptyLockKey = errors.New("lock key cannot be empty")
	// ErrLockNotHeld is returned on release when the lock expired or was
	// taken over by another holder.
	ErrLockNotHeld = errors.New("lock was not held or already expired")
	// ErrNilBackend is returned when a Manager is built without a Backend.
	ErrNilBackend = errors.New("lock backend is required")
	// ErrTTLInvalid is returned for a non-positive TTL.
	ErrTTLInvalid = errors.New("lock ttl must be greater than 0")
	// ErrNilLockFn is returned when WithLock receives a nil function.
	ErrNilLockFn = errors.New("lock function is nil")
	// ErrForceReleaseUnsupported is returned when the backend cannot drop a
	// lock held by someone else.
	ErrForceReleaseUnsupported = errors.New("lock backend does not support forced release")
	// ErrActorRequired is returned when a forced release names no operator.
	ErrActorRequired = errors.New("forced release requires an actor")
)

// OperationForceRelease is the audit operation of a forced release.
const OperationForceRelease = "force_release_lock"

// Handle is a held lock.
type Handle interface {
	Key() string
	Release(ctx context.Context) error
}

// Backend makes one acquisition attempt. It returns acquired=false without an
// error when the key is held by someone else.
type Backend interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (Handle, bool, error)
}

// ForceReleaser is implemented by backends that can drop a lock whatever its
// holder. It reports whether a lock was held.
type ForceReleaser interface {
	ForceRelease(ctx context.Context, key string) (bool, error)
}

// Locker is what components depend on to serialize work on a resource.
type Locker interface {
	Acquire(ctx context.Context, resourceType, resourceID string) (Handle, bool, error)
}

// Key formats the lock key for a resource.
func Key(resourceType, resourceID string) (string, error) {
	resourceType = strings.TrimSpace(resourceType)
	resourceID = strings.TrimSpace(resourceID)

	if resourceType == "" || resourceID == "" {
		return "", ErrEmptyLockKey
	}

	return "lock:" + resourceType + ":" + resourceID, nil
}

// Options tunes a Manager. Recorder receives forced release events.
type Options struct {
	TTL      time.Duration
	Retry    backoff.Policy
	Recorder audit.Recorder
}

// DefaultOptions returns a 5 minute TTL and the default bounded retry.
func DefaultOptions() Options {
	return Options{TTL: DefaultTTL, Retry: backoff.DefaultPolicy}
}

// Manager acquires locks through a Backend with bounded retry.
type Manager struct {
	backend Backend
	opts    Options
}

var _ Locker = (*Manager)(nil)

// NewManager returns a Manager over backend.
func NewManager(backend Backend, opts Options) (*Manager, error) {
	if backend == nil {
		return nil, ErrNilBackend
	}

	if opts.TTL <= 0 {
		return nil, ErrTTLInvalid
	}

	if opts.Retry.Attempts < 1 {
		opts.Retry.Attempts = 1
	}

	return &Manager{backend: backend, opts: opts}, nil
}

// Acquire tries to lock the resource for the configured TTL, retrying with
// jittered backoff up to the configured number of attempts. acquired=false
// means the resource stayed busy and the caller may retry later.
func (m *Manager) Acquire(ctx context.Context, resourceType, resourceID string) (Handle, bool, error) {
	return m.AcquireWithTTL(ctx, resourceType, resourceID, m.opts.TTL)
}

// AcquireWithTTL is Acquire with a lease of ttl instead of the configured one.
func (m *Manager) AcquireWithTTL(ctx context.Context, resourceType, resourceID string, ttl time.Duration) (Handle, bool, error) {
	if ttl <= 0 {
		return nil, false, ErrTTLInvalid
	}

	key, err := Key(resourceType, resourceID)
	if err != nil {
		return nil, false, err
	}

	logger, tracer, factory := debitguard.NewTrackingFromContext(ctx)
	safeKey := log.SafeKey(key)

	ctx, span := tracer.Start(ctx, "lock.acquire")
	defer span.End()

	span.SetAttributes(attribute.String("lock.resource_type", resourceType))

	var handle Handle

	acquired, err := m.opts.Retry.Retry(ctx, func(ctx context.Context) (bool, error) {
		h, ok, err := m.backend.TryLock(ctx, key, ttl)
		if err != nil {
			return false, err
		}

		handle = h

		return ok, nil
	})
	if err != nil {
		opentelemetry.HandleSpanError(span, "failed to acquire lock", err)
		logger.Log(ctx, log.LevelError, "failed to acquire lock", log.String("lock_key", safeKey), log.Err(err))

		return nil, false, fmt.Errorf("acquire %s: %w", safeKey, err)
	}

	if !acquired {
		factory.Count(ctx, metrics.MetricLockContention, map[string]string{"resource_type": resourceType})
		logger.Log(ctx, log.LevelWarn, "lock busy after bounded retry", log.String("lock_key", safeKey),
			log.Int("attempts", m.opts.Retry.Attempts))

		return nil, false, nil
	}

	logger.Log(ctx, log.LevelDebug, "lock acquired", log.String("lock_key", safeKey))

	return handle, true, nil
}

// ForceRelease drops the resource lock whoever holds it, for an operator
// clearing a lock left by a stuck process. The release is audited as a
// correction by actor. It reports whether a lock was held.
func (m *Manager) ForceRelease(ctx context.Context, resourceType, resourceID, actor string) (bool, error) {
	if strings.TrimSpace(actor) == "" {
		return false, ErrActorRequired
	}

	key, err := Key(resourceType, resourceID)
	if err != nil {
		return false, err
	}

	fr, ok := m.backend.(ForceReleaser)
	if !ok {
		return false, ErrForceReleaseUnsupported
	}

	logger, _, _ := debitguard.NewTrackingFromContext(ctx)
	safeKey := log.SafeKey(key)

	held, err := fr.ForceRelease(ctx, key)
	if err != nil {
		logger.Log(ctx, log.LevelError, "failed to force release lock", log.String("lock_key", safeKey), log.Err(err))
		return false, fmt.Errorf("force release %s: %w", safeKey, err)
	}

	logger.Log(ctx, log.LevelWarn, "lock force released",
		log.String("lock_key", safeKey), log.String("actor", actor), log.Bool("held", held))

	e := audit.NewEvent(OperationForceRelease, audit.KindCorrection, resourceType, resourceID)
	e.Actor = actor
	e.RequestID = debitguard.RequestIDFromContext(ctx)

	if !held {
		e.Reason = "lock was not held"
	}

	audit.Emit(ctx, m.opts.Recorder, logger, e)

	return held, nil
}

// WithLock runs fn while holding the resource lock. It returns
// acquired=false without calling fn when the lock stayed busy. The lock is
// released on every exit path, including a panic in fn.
func (m *Manager) WithLock(ctx context.Context, resourceType, resourceID string, fn func(ctx context.Context) error) (bool, error) {
	if fn == nil {
		return false, ErrNilLockFn
	}

	handle, acquired, err := m.Acquire(ctx, resourceType, resourceID)
	if err != nil || !acquired {
		return false, err
	}

	defer Release(ctx, handle)

	return true, fn(ctx)
}

// Release releases handle and logs, rather than returns, a failure. A lock
// that expired before release is reported at warn level.
func Release(ctx context.Context, handle Handle) {
	if handle == nil {
		return
	}

	logger, _, _ := debitguard.NewTrackingFromContext(ctx)

	// Release even when the caller's context was cancelled.
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := handle.Release(releaseCtx); err != nil {
		level := log.LevelError
		if errors.Is(err, ErrLockNotHeld) {
			level = log.LevelWarn
		}

		logger.Log(ctx, level, "failed to release lock", log.String("lock_key", log.SafeKey(handle.Key())), log.Err(err))
	}
}
