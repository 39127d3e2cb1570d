// Package lifecycle owns the single generation engine of the process: it
// builds the engine lazily on first use and serializes generation calls.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"kontextworker/engine"
	"kontextworker/imaging"
	"kontextworker/logging"
	"kontextworker/metrics"
)

// State is the engine lifecycle state. Transitions are
// Unloaded -> Loading -> Ready or Failed; nothing returns to Unloaded.
type State int32

const (
	Unloaded State = iota
	Loading
	Ready
	Failed
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Ready:
		return "ready"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Resolver locates local artifacts without network access.
// *artifacts.Cache implements it.
type Resolver interface {
	Locate() (engine.Artifacts, error)
}

// Loader constructs an engine. engine.Load is the production loader.
type Loader func(engine.LoadOptions) (engine.Engine, error)

// Options are the construction settings taken from configuration.
type Options struct {
	Precision    string
	Quantization string
	Offload      engine.OffloadPolicy
	Threads      int
}

// Manager holds at most one engine for the life of the process.
// Build one in main and pass it to whatever serves jobs.
type Manager struct {
	resolver Resolver
	loader   Loader
	opts     Options
	logger   *logging.Logger
	metrics  *metrics.Collector

	mu     sync.Mutex
	state  State
	handle *Handle
	err    error
	done   chan struct{} // closed when construction finishes
}

// NewManager returns an Unloaded manager. A nil loader means engine.Load.
func NewManager(resolver Resolver, loader Loader, opts Options, logger *logging.Logger, collector *metrics.Collector) *Manager {
	if loader == nil {
		loader = engine.Load
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	if opts.Offload == "" {
		opts.Offload = engine.OffloadModel
	}
	collector.SetEngineState(Unloaded.String())
	return &Manager{
		resolver: resolver,
		loader:   loader,
		opts:     opts,
		logger:   logger.Named("lifecycle"),
		metrics:  collector,
		done:     make(chan struct{}),
	}
}

// State reports the current lifecycle state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Acquire returns the ready engine handle, constructing it on the first call.
//
// The first caller builds the engine itself; construction is not
// cancelable. Concurrent callers block until it finishes, or return
// ctx.Err() early if their context ends (construction carries on). After a
// failure every call returns the same *EngineConstructionError.
func (m *Manager) Acquire(ctx context.Context) (*Handle, error) {
	m.mu.Lock()
	switch m.state {
	case Ready:
		h := m.handle
		m.mu.Unlock()
		return h, nil
	case Failed:
		err := m.err
		m.mu.Unlock()
		return nil, err
	case Loading:
		m.mu.Unlock()
		select {
		case <-m.done:
			return m.result()
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if err := ctx.Err(); err != nil {
		m.mu.Unlock()
		return nil, err
	}
	m.state = Loading
	m.mu.Unlock()

	m.metrics.SetEngineState(Loading.String())
	m.construct()
	return m.result()
}

// Release returns a handle. It is a no-op: the engine lives until Close.
func (m *Manager) Release(*Handle) {}

// Close releases the engine if one was built. The manager stays in its
// final state.
func (m *Manager) Close() error {
	m.mu.Lock()
	h := m.handle
	m.mu.Unlock()
	if h == nil {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.engine.Close()
}

func (m *Manager) result() (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Ready {
		return m.handle, nil
	}
	return nil, m.err
}

func (m *Manager) construct() {
	start := time.Now()
	eng, err := m.build()

	m.mu.Lock()
	if err != nil {
		m.state = Failed
		m.err = &EngineConstructionError{Err: err}
	} else {
		m.state = Ready
		m.handle = &Handle{engine: eng, offload: m.opts.Offload}
	}
	state := m.state
	close(m.done)
	m.mu.Unlock()

	m.metrics.SetEngineState(state.String())
	if err != nil {
		m.logger.Error("engine construction failed", zap.Error(err))
		return
	}
	m.metrics.ObserveEngineLoad(time.Since(start))
	m.logger.Info("engine ready",
		zap.String("backend", eng.Backend()),
		zap.String("offload", string(m.opts.Offload)),
		zap.Duration("load_time", time.Since(start)))
}

func (m *Manager) build() (eng engine.Engine, err error) {
	defer func() {
		if r := recover(); r != nil {
			eng, err = nil, fmt.Errorf("engine loader panicked: %v", r)
		}
	}()

	arts, err := m.resolver.Locate()
	if err != nil {
		return nil, err
	}

	m.logger.Info("constructing engine",
		zap.String("weights", arts.WeightPath),
		zap.String("precision", m.opts.Precision),
		zap.String("quantization", m.opts.Quantization),
		zap.String("offload", string(m.opts.Offload)))

	return m.loader(engine.LoadOptions{
		Artifacts:    arts,
		Precision:    m.opts.Precision,
		Quantization: m.opts.Quantization,
		Offload:      m.opts.Offload,
		Threads:      m.opts.Threads,
	})
}

// Handle is the ready engine. Generate calls on one Handle never overlap.
type Handle struct {
	mu      sync.Mutex
	engine  engine.Engine
	offload engine.OffloadPolicy
}

// Generate runs one generation under the handle's lock, releasing the
// previous call's transient memory first.
func (h *Handle) Generate(ctx context.Context, p engine.Params) (*imaging.Buffer, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.engine.ReleaseTransient()
	out, err := h.engine.Generate(ctx, p)
	if err != nil {
		return nil, &EngineRuntimeError{Err: err}
	}
	return out, nil
}

// Offload is the policy the engine was built with.
func (h *Handle) Offload() engine.OffloadPolicy { return h.offload }

// Backend names the engine binding.
func (h *Handle) Backend() string { return h.engine.Backend() }
