package shutdown

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"kontextworker/core"
	"kontextworker/logging"
)

// DefaultTimeout bounds the whole cleanup sequence.
const DefaultTimeout = 30 * time.Second

// Manager turns SIGINT/SIGTERM into context cancellation and runs the
// registered cleanup handlers once the caller is done.
//
// Usage:
//
//	m := shutdown.NewManager(ctx, logger)
//	m.Register("http-server", 0, srv.Shutdown)
//	m.Start()
//	<-m.Context().Done()
//	err := m.Shutdown()
//	os.Exit(m.ExitCode())
type Manager struct {
	logger   *logging.Logger
	timeout  time.Duration
	registry *Registry
	signals  *SignalCounter

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	started  bool
	done     bool
	received os.Signal
	sigCh    chan os.Signal
	stopOnce sync.Once
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithForceExit replaces the handler called on a repeated signal. The
// default exits the process with the signal's exit code.
func WithForceExit(fn func(code int)) Option {
	return func(m *Manager) {
		m.signals = NewSignalCounter(2, func() { fn(m.ExitCode()) })
	}
}

// NewManager returns a Manager whose context is derived from parent.
func NewManager(parent context.Context, logger *logging.Logger, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(parent)
	m := &Manager{
		logger:   logger,
		timeout:  DefaultTimeout,
		registry: NewRegistry(),
		ctx:      ctx,
		cancel:   cancel,
		sigCh:    make(chan os.Signal, 2),
	}
	m.signals = NewSignalCounter(2, func() {
		m.logger.Warn("second signal received, exiting immediately")
		os.Exit(m.ExitCode())
	})
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Context is canceled on the first signal or when the parent ends.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Register adds a cleanup handler. See Registry for priority ranges.
func (m *Manager) Register(name string, priority int, fn Func) {
	m.registry.Register(name, priority, fn)
	m.logger.Debug("registered shutdown handler", zap.String("name", name), zap.Int("priority", priority))
}

// Start listens for SIGINT and SIGTERM. Calling it twice is harmless.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.started {
		return
	}
	m.started = true

	signal.Notify(m.sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range m.sigCh {
			m.handleSignal(sig)
		}
	}()
}

func (m *Manager) handleSignal(sig os.Signal) {
	m.mu.Lock()
	if m.received == nil {
		m.received = sig
	}
	m.mu.Unlock()

	if m.signals.Increment() == 1 {
		m.logger.Info("shutdown signal received", zap.String("signal", sig.String()))
		m.cancel()
	}
}

// Signaled reports whether a signal caused the shutdown.
func (m *Manager) Signaled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received != nil
}

// ExitCode is 128 plus the signal number for the first signal received,
// or ExitCodeSuccess when no signal arrived.
func (m *Manager) ExitCode() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch m.received {
	case nil:
		return core.ExitCodeSuccess
	case syscall.SIGTERM:
		return core.ExitCodeSIGTERM
	default:
		return core.ExitCodeSIGINT
	}
}

// Shutdown stops signal handling and runs the cleanup handlers within the
// timeout. It is idempotent.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if m.done {
		m.mu.Unlock()
		return nil
	}
	m.done = true
	m.mu.Unlock()

	m.stop()
	m.cancel()

	start := time.Now()
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	m.logger.Debug("running shutdown handlers", zap.Strings("handlers", m.registry.Names()))
	errs := m.registry.Run(ctx)
	for _, err := range errs {
		m.logger.Error("shutdown handler failed", zap.Error(err))
	}
	if len(errs) > 0 {
		return fmt.Errorf("shutdown had %d errors", len(errs))
	}
	m.logger.Debug("shutdown complete", zap.Duration("duration", time.Since(start)))
	return nil
}

func (m *Manager) stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		started := m.started
		m.mu.Unlock()
		if started {
			signal.Stop(m.sigCh)
			close(m.sigCh)
		}
	})
}
