package db

import (
	"context"
	"sync"
	"time"
)

const (
	// DefaultChannelCapacity is the buffer size for queued history writes.
	DefaultChannelCapacity = 100
	// DefaultDrainTimeout bounds how long Stop waits for queued writes.
	DefaultDrainTimeout = 30 * time.Second
)

// WriteOperation is one queued history write.
type WriteOperation struct {
	Record JobRecord
	Queued time.Time
}

// WriteHandler persists one operation. It handles its own error reporting.
type WriteHandler func(op WriteOperation) error

// AsyncWriter moves history writes off the request path through a
// buffered channel drained by one goroutine.
type AsyncWriter struct {
	writeChan chan WriteOperation
	handler   WriteHandler
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc

	mu      sync.Mutex
	started bool
}

// NewAsyncWriter returns a stopped writer. capacity <= 0 uses
// DefaultChannelCapacity.
func NewAsyncWriter(handler WriteHandler, capacity int) *AsyncWriter {
	if capacity <= 0 {
		capacity = DefaultChannelCapacity
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &AsyncWriter{
		writeChan: make(chan WriteOperation, capacity),
		handler:   handler,
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the drain goroutine. Calling it twice is a no-op.
func (w *AsyncWriter) Start() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return
	}
	w.started = true
	w.wg.Add(1)
	go w.processWrites()
}

func (w *AsyncWriter) processWrites() {
	defer w.wg.Done()
	for {
		select {
		case <-w.ctx.Done():
			w.drainChannel()
			return
		case op := <-w.writeChan:
			_ = w.handler(op)
		}
	}
}

func (w *AsyncWriter) drainChannel() {
	for {
		select {
		case op := <-w.writeChan:
			_ = w.handler(op)
		default:
			return
		}
	}
}

// Write queues rec without blocking. It reports false when the buffer is
// full or the writer is stopped.
func (w *AsyncWriter) Write(rec JobRecord) bool {
	if w.ctx.Err() != nil {
		return false
	}
	select {
	case w.writeChan <- WriteOperation{Record: rec, Queued: time.Now()}:
		return true
	default:
		return false
	}
}

// Pending is the number of queued writes.
func (w *AsyncWriter) Pending() int {
	return len(w.writeChan)
}

// IsStarted reports whether Start has been called.
func (w *AsyncWriter) IsStarted() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.started
}

// Stop drains queued writes and waits up to timeout for the goroutine to
// exit. It reports whether the drain finished in time.
func (w *AsyncWriter) Stop(timeout time.Duration) bool {
	w.cancel()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return true
	case <-time.After(timeout):
		return false
	}
}
