package backoff

import (
	"context"
	"fmt"
	"math"
	mrand "math/rand/v2"
	"time"
)

const maxShift = 62

// Policy bounds a retry loop: at most Attempts tries, with delays growing from
// Base and capped at Max.
type Policy struct {
	Base     time.Duration
	Max      time.Duration
	Attempts int
}

// DefaultPolicy is used for lock acquisition: five tries between roughly 50ms
// and 1s apart.
var DefaultPolicy = Policy{Base: 50 * time.Millisecond, Max: time.Second, Attempts: 5}

// Exponential returns base * 2^attempt, saturating instead of overflowing.
func Exponential(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		return 0
	}

	attempt = max(0, min(attempt, maxShift))
	multiplier := int64(1) << attempt

	if int64(base) > math.MaxInt64/multiplier {
		return time.Duration(math.MaxInt64)
	}

	return base * time.Duration(multiplier)
}

// FullJitter returns a random duration in [0, delay).
func FullJitter(delay time.Duration) time.Duration {
	if delay <= 0 {
		return 0
	}

	return time.Duration(mrand.Int64N(int64(delay))) // #nosec G404 -- jitter, not a secret
}

// Delay returns the jittered wait before retry number attempt (zero based).
func (p Policy) Delay(attempt int) time.Duration {
	d := Exponential(p.Base, attempt)
	if p.Max > 0 && d > p.Max {
		d = p.Max
	}

	return FullJitter(d)
}

// Retry calls fn until it reports done, returns an error, or Attempts are
// exhausted. It returns false, nil when every attempt reported not done.
func (p Policy) Retry(ctx context.Context, fn func(ctx context.Context) (bool, error)) (bool, error) {
	attempts := max(p.Attempts, 1)

	for attempt := range attempts {
		done, err := fn(ctx)
		if err != nil || done {
			return done, err
		}

		if attempt == attempts-1 {
			break
		}

		if err := Sleep(ctx, p.Delay(attempt)); err != nil {
			return false, err
		}
	}

	return false, nil
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("context done: %w", ctx.Err())
	}
}
