package shutdown

import (
	"sync"
)

// SignalCounter counts shutdown signals and calls onForce once the count
// reaches forceAfter. The first signal starts a graceful shutdown; a
// repeated one means the operator wants out now.
type SignalCounter struct {
	mu         sync.Mutex
	count      int
	forceAfter int
	onForce    func()
}

// NewSignalCounter returns a counter. onForce may be nil.
func NewSignalCounter(forceAfter int, onForce func()) *SignalCounter {
	return &SignalCounter{forceAfter: forceAfter, onForce: onForce}
}

// Increment records a signal and returns the new count.
func (s *SignalCounter) Increment() int {
	s.mu.Lock()
	s.count++
	count, force := s.count, s.count >= s.forceAfter && s.onForce != nil
	fn := s.onForce
	s.mu.Unlock()

	if force {
		fn()
	}
	return count
}

// Count returns the number of signals seen.
func (s *SignalCounter) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}
