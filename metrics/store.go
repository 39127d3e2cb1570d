package metrics

import (
	"sync"
	"time"
)

// Store keeps a ring buffer of recent jobs plus running totals.
// It is safe for concurrent use.
type Store struct {
	mu sync.RWMutex

	history []JobRecord
	head    int
	size    int

	total, success, rejected, errors int64
	totalDuration                    time.Duration

	startTime time.Time
}

// NewStore returns a Store retaining the last capacity jobs (100 if < 1).
func NewStore(capacity int, startTime time.Time) *Store {
	if capacity < 1 {
		capacity = 100
	}
	return &Store{
		history:   make([]JobRecord, capacity),
		startTime: startTime,
	}
}

// Record adds a finished job.
func (s *Store) Record(job JobRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.history[s.head] = job
	s.head = (s.head + 1) % len(s.history)
	if s.size < len(s.history) {
		s.size++
	}

	s.total++
	s.totalDuration += job.Duration
	switch job.Outcome {
	case OutcomeSuccess:
		s.success++
	case OutcomeRejected:
		s.rejected++
	case OutcomeError:
		s.errors++
	}
}

// Summary returns totals since start.
func (s *Store) Summary() JobSummary {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := JobSummary{
		TotalProcessed: s.total,
		TotalSuccess:   s.success,
		TotalRejected:  s.rejected,
		TotalErrors:    s.errors,
		Uptime:         time.Since(s.startTime),
	}
	if s.total > 0 {
		sum.AvgDuration = s.totalDuration / time.Duration(s.total)
	}
	return sum
}

// Recent returns up to limit jobs, newest first.
func (s *Store) Recent(limit int) []JobRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > s.size {
		limit = s.size
	}
	out := make([]JobRecord, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (s.head - i + len(s.history)) % len(s.history)
		out = append(out, s.history[idx])
	}
	return out
}
