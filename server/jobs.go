package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"kontextworker/db"
	"kontextworker/handler"
	"kontextworker/lifecycle"
	"kontextworker/metrics"
)

// Run statuses reported by /run and /runsync.
const (
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// RunResponse wraps a job output for /run and /runsync.
type RunResponse struct {
	ID     string           `json:"id"`
	Status string           `json:"status"`
	Output handler.Response `json:"output"`
}

// handleJob serves one job. wrapped selects the RunResponse shape; the
// root path answers with the bare output.
func (s *Server) handleJob(wrapped bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.config.MaxBodyBytes))
		if err != nil {
			http.Error(w, err.Error(), http.StatusRequestEntityTooLarge)
			return
		}

		req, err := handler.ParseJob(raw)
		if err != nil {
			id := db.NewJobID()
			resp := handler.InvalidJob(err)
			s.record(id, metrics.OutcomeRejected, start, nil, resp.Error)
			s.writeOutput(w, wrapped, id, resp)
			return
		}
		if req.ID == "" {
			req.ID = db.NewJobID()
		}

		if err := s.admission.Acquire(r.Context(), 1); err != nil {
			s.logger.Warn("job abandoned while queued", zap.String("job_id", req.ID), zap.Error(err))
			http.Error(w, "request canceled", http.StatusServiceUnavailable)
			return
		}
		s.busy.Store(true)
		defer func() {
			s.busy.Store(false)
			s.admission.Release(1)
		}()
		s.deps.Collector.ObserveQueueWait(time.Since(start))
		s.deps.Events.Publish(NewEvent(EventJobStarted, JobStartedData{JobID: req.ID}))

		resp, res, err := s.deps.Runner.Handle(r.Context(), req)
		if err != nil {
			s.fail(w, req.ID, start, err)
			return
		}

		if resp.Error != "" {
			s.record(req.ID, metrics.OutcomeRejected, start, nil, resp.Error)
		} else {
			s.record(req.ID, metrics.OutcomeSuccess, start, res, "")
		}
		s.writeOutput(w, wrapped, req.ID, resp)
	}
}

// fail handles an error from the runner. Construction failures end the
// process; anything else is answered with a plain 500.
func (s *Server) fail(w http.ResponseWriter, id string, start time.Time, err error) {
	s.record(id, metrics.OutcomeError, start, nil, err.Error())

	var constructErr *lifecycle.EngineConstructionError
	if errors.As(err, &constructErr) {
		s.deps.Fatal("engine construction failed", zap.String("job_id", id), zap.Error(err))
	} else if errors.Is(err, context.Canceled) {
		s.logger.Warn("job canceled", zap.String("job_id", id), zap.Error(err))
	} else {
		s.logger.Error("job failed", zap.String("job_id", id), zap.Error(err))
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func (s *Server) record(id, outcome string, start time.Time, res *handler.Result, errMsg string) {
	elapsed := time.Since(start)

	if s.deps.Store != nil {
		s.deps.Store.Record(metrics.JobRecord{
			ID:        id,
			Outcome:   outcome,
			StartTime: start,
			Duration:  elapsed,
			ErrorMsg:  errMsg,
		})
	}
	s.deps.Collector.ObserveJob(outcome, elapsed)

	rec := db.JobRecord{
		ID:           id,
		Status:       outcome,
		TotalSeconds: elapsed.Seconds(),
		ErrorMessage: errMsg,
		CreatedAt:    start,
	}
	if res != nil {
		rec.Width = res.Size.Width
		rec.Height = res.Size.Height
		rec.Steps = res.Steps
		rec.GuidanceScale = res.Guidance
		rec.LoadSeconds = res.LoadSeconds
		rec.TotalSeconds = res.TotalSeconds
	}

	s.deps.Events.Publish(NewEvent(EventJobFinished, JobFinishedData{
		JobID:        id,
		Outcome:      outcome,
		Width:        rec.Width,
		Height:       rec.Height,
		TotalSeconds: rec.TotalSeconds,
		Error:        errMsg,
	}))

	if s.deps.History == nil {
		return
	}
	if err := s.deps.History.InsertJob(context.Background(), rec); err != nil {
		s.logger.Warn("failed to record job history", zap.String("job_id", id), zap.Error(err))
	}
}

func (s *Server) writeOutput(w http.ResponseWriter, wrapped bool, id string, resp handler.Response) {
	if !wrapped {
		writeJSON(w, http.StatusOK, resp)
		return
	}
	status := StatusCompleted
	if resp.Error != "" {
		status = StatusFailed
	}
	writeJSON(w, http.StatusOK, RunResponse{ID: id, Status: status, Output: resp})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
