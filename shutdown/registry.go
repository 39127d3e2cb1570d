// Package shutdown coordinates signal handling and ordered teardown of the
// worker's long-lived components.
package shutdown

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// Func is a cleanup handler run during shutdown.
type Func func(ctx context.Context) error

type entry struct {
	name     string
	fn       Func
	priority int
	seq      int
}

// Registry holds cleanup handlers ordered by priority. Lower priorities run
// first; handlers with equal priority run in registration order.
//
// Priority ranges used by the worker:
//   - 0-9: stop accepting jobs (HTTP server)
//   - 10-19: release the engine
//   - 20-29: flush and close job history
//   - 30+: remove leftover files, flush logs
type Registry struct {
	mu      sync.Mutex
	entries []entry
	closed  bool
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds fn. Registration after Run is a no-op.
func (r *Registry) Register(name string, priority int, fn Func) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.entries = append(r.entries, entry{name: name, fn: fn, priority: priority, seq: len(r.entries)})
}

// Run calls every handler in order, even when earlier ones fail, and
// returns the failures. Only the first call does anything.
func (r *Registry) Run(ctx context.Context) []error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sorted := r.sortedLocked()
	r.mu.Unlock()

	var errs []error
	for _, e := range sorted {
		if err := e.fn(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", e.name, err))
		}
	}
	return errs
}

// Names returns handler names in execution order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	sorted := r.sortedLocked()
	names := make([]string, len(sorted))
	for i, e := range sorted {
		names[i] = e.name
	}
	return names
}

// Count returns the number of registered handlers.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (r *Registry) sortedLocked() []entry {
	sorted := make([]entry, len(r.entries))
	copy(sorted, r.entries)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].priority != sorted[j].priority {
			return sorted[i].priority < sorted[j].priority
		}
		return sorted[i].seq < sorted[j].seq
	})
	return sorted
}
