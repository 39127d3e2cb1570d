// Package metrics tracks job outcomes in memory and exports Prometheus series.
package metrics

import "time"

// Job outcomes.
const (
	OutcomeSuccess  = "success"
	OutcomeRejected = "rejected" // answered with an error envelope
	OutcomeError    = "error"    // engine construction or runtime failure
)

// JobRecord is one finished job.
type JobRecord struct {
	ID        string        `json:"id"`
	Outcome   string        `json:"outcome"`
	StartTime time.Time     `json:"start_time"`
	Duration  time.Duration `json:"duration"`
	ErrorMsg  string        `json:"error_msg,omitempty"`
}

// JobSummary aggregates every job since start.
type JobSummary struct {
	TotalProcessed int64         `json:"total_processed"`
	TotalSuccess   int64         `json:"total_success"`
	TotalRejected  int64         `json:"total_rejected"`
	TotalErrors    int64         `json:"total_errors"`
	AvgDuration    time.Duration `json:"avg_duration"`
	Uptime         time.Duration `json:"uptime"`
}
