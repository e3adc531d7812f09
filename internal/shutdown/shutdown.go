package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/csvagent/internal/logging"
)

// Manager coordinates graceful shutdown. Stopping is two-phase: Trigger
// (or a signal) cancels the run context so the current cycle can finish,
// then Cleanup releases resources in reverse registration order.
type Manager struct {
	logger  *logging.Logger
	timeout time.Duration
	force   func()

	mu    sync.Mutex
	funcs []namedFunc

	stopping    chan struct{}
	stopOnce    sync.Once
	cleanupOnce sync.Once
	done        chan struct{}
	err         error
}

// ShutdownFunc is a function that performs cleanup during shutdown
type ShutdownFunc func(context.Context) error

type namedFunc struct {
	name string
	fn   ShutdownFunc
}

// Config holds shutdown manager configuration
type Config struct {
	// Timeout bounds the whole cleanup phase
	Timeout time.Duration
	Logger  *logging.Logger

	// Force runs on a second signal; it defaults to exiting with status 1
	Force func()
}

// New creates a new shutdown manager
func New(cfg Config) *Manager {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}
	if cfg.Force == nil {
		cfg.Force = func() { os.Exit(1) }
	}

	return &Manager{
		logger:   cfg.Logger.WithComponent("shutdown"),
		timeout:  cfg.Timeout,
		force:    cfg.Force,
		stopping: make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// RegisterFunc registers a cleanup function. Functions run in reverse
// order of registration, so resources acquired first are released last.
func (m *Manager) RegisterFunc(name string, fn ShutdownFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.logger.Debug().Str("target", name).Msg("Registered shutdown function")
	m.funcs = append(m.funcs, namedFunc{name: name, fn: fn})
}

// Context returns a child of parent that is cancelled on Trigger
func (m *Manager) Context(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	go func() {
		select {
		case <-m.stopping:
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}

// Trigger requests a stop. It is safe to call more than once.
func (m *Manager) Trigger(reason string) {
	m.stopOnce.Do(func() {
		m.logger.Info().Str("reason", reason).Msg("Shutdown requested")
		close(m.stopping)
	})
}

// Stopping returns a channel that is closed once a stop was requested
func (m *Manager) Stopping() <-chan struct{} {
	return m.stopping
}

// ListenForSignals triggers a stop on the first signal and forces exit on
// the second. The returned function stops listening.
func (m *Manager) ListenForSignals(signals ...os.Signal) func() {
	if len(signals) == 0 {
		signals = []os.Signal{syscall.SIGINT, syscall.SIGTERM}
	}

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, signals...)
	quit := make(chan struct{})

	go func() {
		for {
			select {
			case sig := <-sigCh:
				select {
				case <-m.stopping:
					m.logger.Warn().Str("signal", sig.String()).Msg("Second signal received, forcing exit")
					m.force()
					return
				default:
				}
				m.Trigger(sig.String())
			case <-quit:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			signal.Stop(sigCh)
			close(quit)
		})
	}
}

// Cleanup runs the registered functions once, newest first, sharing one
// deadline. A function still running at the deadline is abandoned.
func (m *Manager) Cleanup() error {
	m.cleanupOnce.Do(func() {
		m.Trigger("cleanup")
		m.err = m.runFuncs()
		close(m.done)
	})
	return m.err
}

func (m *Manager) runFuncs() error {
	m.mu.Lock()
	funcs := make([]namedFunc, len(m.funcs))
	copy(funcs, m.funcs)
	m.mu.Unlock()

	m.logger.Info().
		Dur("timeout", m.timeout).
		Int("functions", len(funcs)).
		Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	var errs []error
	for i := len(funcs) - 1; i >= 0; i-- {
		f := funcs[i]
		result := make(chan error, 1)
		go func() { result <- f.fn(ctx) }()

		select {
		case err := <-result:
			if err != nil {
				m.logger.Error().Err(err).Str("target", f.name).Msg("Shutdown function failed")
				errs = append(errs, fmt.Errorf("%s: %w", f.name, err))
			}
		case <-ctx.Done():
			m.logger.Warn().
				Dur("timeout", m.timeout).
				Str("target", f.name).
				Msg("Graceful shutdown timed out")
			return errors.Join(append(errs, fmt.Errorf("%s: %w", f.name, ctx.Err()))...)
		}
	}

	if len(errs) > 0 {
		m.logger.Warn().Int("errors", len(errs)).Msg("Graceful shutdown completed with errors")
	} else {
		m.logger.Info().Msg("Graceful shutdown completed")
	}
	return errors.Join(errs...)
}

// Done returns a channel that is closed when cleanup is complete
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

// WaitWithTimeout waits for cleanup to complete with a timeout
func (m *Manager) WaitWithTimeout(timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-m.done:
		return nil
	case <-timer.C:
		return fmt.Errorf("shutdown did not complete within %v", timeout)
	}
}

// HandlePanic recovers from panics, runs cleanup, and re-panics
func (m *Manager) HandlePanic() {
	if r := recover(); r != nil {
		m.logger.Error().
			Interface("panic", r).
			Msg("Panic recovered, running cleanup")
		m.Cleanup()
		panic(r)
	}
}
