package circuitbreaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/sony/gobreaker"
)

var (
	// ErrOpen is returned while the breaker rejects calls.
	ErrOpen = errors.New("circuit breaker open")
	// ErrTooManyRequests is returned when a half-open breaker is already
	// running its probe calls.
	ErrTooManyRequests = errors.New("circuit breaker half-open: too many requests")
)

// Config tunes when a breaker trips.
type Config struct {
	MaxRequests         uint32        // probe calls allowed while half-open
	Interval            time.Duration // counts reset period while closed
	Timeout             time.Duration // open period before half-open
	ConsecutiveFailures uint32
	FailureRatio        float64
	MinRequests         uint32 // requests before FailureRatio applies
}

// DefaultConfig trips after 5 consecutive failures or half of at least 10
// calls failing, and probes again after 30 seconds.
func DefaultConfig() Config {
	return Config{
		MaxRequests:         1,
		Interval:            time.Minute,
		Timeout:             30 * time.Second,
		ConsecutiveFailures: 5,
		FailureRatio:        0.5,
		MinRequests:         10,
	}
}

// State is the breaker state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half-open"
	StateUnknown  State = "unknown"
)

func convertState(s gobreaker.State) State {
	switch s {
	case gobreaker.StateClosed:
		return StateClosed
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateUnknown
	}
}

// Breaker guards one named dependency.
type Breaker struct {
	name    string
	breaker *gobreaker.CircuitBreaker
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State { return convertState(b.breaker.State()) }

// ConsecutiveFailures returns the failure streak of the current window.
func (b *Breaker) ConsecutiveFailures() uint32 { return b.breaker.Counts().ConsecutiveFailures }

// Execute runs fn through b. A cancelled context is not counted as a
// dependency failure.
func Execute[T any](ctx context.Context, b *Breaker, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	var ctxErr error

	out, err := b.breaker.Execute(func() (any, error) {
		v, err := fn(ctx)
		if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
			ctxErr = err
			return v, nil
		}

		return v, err
	})

	switch {
	case ctxErr != nil:
		return zero, ctxErr
	case errors.Is(err, gobreaker.ErrOpenState):
		return zero, fmt.Errorf("%s: %w", b.name, ErrOpen)
	case errors.Is(err, gobreaker.ErrTooManyRequests):
		return zero, fmt.Errorf("%s: %w", b.name, ErrTooManyRequests)
	case err != nil:
		return zero, err
	}

	v, _ := out.(T)

	return v, nil
}

// Manager creates breakers by name and logs their state changes.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*Breaker
	logger   log.Logger
}

// NewManager returns an empty Manager.
func NewManager(logger log.Logger) *Manager {
	return &Manager{breakers: make(map[string]*Breaker), logger: log.OrNop(logger)}
}

// GetOrCreate returns the breaker for name, creating it with cfg on first use.
func (m *Manager) GetOrCreate(name string, cfg Config) *Breaker {
	m.mu.Lock()
	defer m.mu.Unlock()

	if b, ok := m.breakers[name]; ok {
		return b
	}

	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.ConsecutiveFailures >= cfg.ConsecutiveFailures {
				return true
			}

			if counts.Requests < cfg.MinRequests || counts.Requests == 0 {
				return false
			}

			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			level := log.LevelWarn
			if to == gobreaker.StateClosed {
				level = log.LevelInfo
			}

			m.logger.Log(context.Background(), level, "circuit breaker state changed",
				log.String("breaker", name),
				log.String("from", string(convertState(from))),
				log.String("to", string(convertState(to))))
		},
	}

	b := &Breaker{name: name, breaker: gobreaker.NewCircuitBreaker(settings)}
	m.breakers[name] = b

	return b
}

// States returns the state of every breaker, for health reporting.
func (m *Manager) States() map[string]State {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]State, len(m.breakers))
	for name, b := range m.breakers {
		out[name] = b.State()
	}

	return out
}
