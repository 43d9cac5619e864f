package server

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/LerianStudio/lib-debitguard/debitguard/log"
	"github.com/gofiber/fiber/v2"
)

// ErrNothingToRun is returned by Run without an HTTP server or worker.
var ErrNothingToRun = errors.New("no http server or worker configured")

// DefaultShutdownTimeout bounds the whole shutdown sequence.
const DefaultShutdownTimeout = 30 * time.Second

type worker struct {
	name string
	run  func(ctx context.Context) error
}

type closer struct {
	name  string
	close func(ctx context.Context) error
}

// Manager owns the process lifecycle.
type Manager struct {
	logger          log.Logger
	app             *fiber.App
	address         string
	workers         []worker
	closers         []closer
	shutdownChan    <-chan struct{}
	shutdownTimeout time.Duration
	started         chan struct{}
	startedOnce     sync.Once
}

// NewManager returns a Manager logging to logger.
func NewManager(logger log.Logger) *Manager {
	return &Manager{
		logger:          log.OrNop(logger),
		shutdownTimeout: DefaultShutdownTimeout,
		started:         make(chan struct{}),
	}
}

// WithHTTPServer serves app on address.
func (m *Manager) WithHTTPServer(app *fiber.App, address string) *Manager {
	m.app = app
	m.address = address

	return m
}

// WithWorker runs fn until shutdown cancels its context.
func (m *Manager) WithWorker(name string, fn func(ctx context.Context) error) *Manager {
	m.workers = append(m.workers, worker{name: name, run: fn})

	return m
}

// WithCloser registers a resource to close after servers and workers
// stopped. Closers run in reverse registration order.
func (m *Manager) WithCloser(name string, fn func(ctx context.Context) error) *Manager {
	m.closers = append(m.closers, closer{name: name, close: fn})

	return m
}

// WithShutdownChannel replaces OS signals with ch.
func (m *Manager) WithShutdownChannel(ch <-chan struct{}) *Manager {
	m.shutdownChan = ch

	return m
}

func (m *Manager) WithShutdownTimeout(d time.Duration) *Manager {
	if d > 0 {
		m.shutdownTimeout = d
	}

	return m
}

// Started is closed once every goroutine was launched.
func (m *Manager) Started() <-chan struct{} {
	return m.started
}

// Run starts everything and blocks until shutdown completes. It returns the
// first startup or worker error, joined with shutdown errors.
func (m *Manager) Run() error {
	if m.app == nil && len(m.workers) == 0 {
		return ErrNothingToRun
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	failures := make(chan error, len(m.workers)+1)

	var wg sync.WaitGroup

	if m.app != nil {
		go func() {
			m.logger.Log(ctx, log.LevelInfo, "starting http server", log.String("address", m.address))

			if err := m.app.Listen(m.address); err != nil {
				failures <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	for _, w := range m.workers {
		wg.Add(1)

		go func(w worker) {
			defer wg.Done()

			err := m.runWorker(ctx, w)
			if err != nil {
				failures <- fmt.Errorf("worker %s: %w", w.name, err)
			}
		}(w)
	}

	m.startedOnce.Do(func() { close(m.started) })

	cause := m.wait(failures)

	m.logger.Log(ctx, log.LevelInfo, "shutting down")

	shutdownCtx, stop := context.WithTimeout(context.Background(), m.shutdownTimeout)
	defer stop()

	errs := []error{cause}

	if m.app != nil {
		if err := m.app.ShutdownWithContext(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}

	cancel()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-shutdownCtx.Done():
		errs = append(errs, fmt.Errorf("workers did not stop: %w", shutdownCtx.Err()))
	}

	for i := len(m.closers) - 1; i >= 0; i-- {
		c := m.closers[i]
		if err := c.close(shutdownCtx); err != nil {
			m.logger.Log(shutdownCtx, log.LevelError, "failed to close resource", log.String("resource", c.name), log.Err(err))
			errs = append(errs, fmt.Errorf("close %s: %w", c.name, err))
		}
	}

	if err := m.logger.Sync(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("sync logger: %w", err))
	}

	return errors.Join(errs...)
}

// runWorker turns a worker panic into an error.
func (m *Manager) runWorker(ctx context.Context, w worker) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Log(ctx, log.LevelError, "worker panicked", log.String("worker", w.name), log.Any("panic", r))
			err = fmt.Errorf("panic: %v", r)
		}
	}()

	m.logger.Log(ctx, log.LevelInfo, "starting worker", log.String("worker", w.name))

	return w.run(ctx)
}

func (m *Manager) wait(failures <-chan error) error {
	if m.shutdownChan != nil {
		select {
		case <-m.shutdownChan:
			return nil
		case err := <-failures:
			m.logger.Log(context.Background(), log.LevelError, "component failed", log.Err(err))
			return err
		}
	}

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, os.Interrupt, syscall.SIGTERM)

	defer signal.Stop(signals)

	select {
	case sig := <-signals:
		m.logger.Log(context.Background(), log.LevelInfo, "received signal", log.String("signal", sig.String()))
		return nil
	case err := <-failures:
		m.logger.Log(context.Background(), log.LevelError, "component failed", log.Err(err))
		return err
	}
}
