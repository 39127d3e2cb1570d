package server

import (
	"net/http"
	"strconv"
	"time"

	"kontextworker/core"
	"kontextworker/db"
	"kontextworker/lifecycle"
	"kontextworker/metrics"
)

// HealthResponse is served by /health.
type HealthResponse struct {
	Status  string              `json:"status"`
	Engine  string              `json:"engine"`
	Version string              `json:"version"`
	Uptime  string              `json:"uptime"`
	Jobs    *metrics.JobSummary `json:"jobs,omitempty"`
}

// handleHealth reports 200 unless engine construction has failed.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := lifecycle.Unloaded
	if s.deps.Engine != nil {
		state = s.deps.Engine.State()
	}

	resp := HealthResponse{
		Status:  "ok",
		Engine:  state.String(),
		Version: core.Version,
	}
	if s.deps.Store != nil {
		summary := s.deps.Store.Summary()
		resp.Jobs = &summary
		resp.Uptime = summary.Uptime.Round(time.Second).String()
	}

	code := http.StatusOK
	if state == lifecycle.Failed {
		resp.Status = "unhealthy"
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, resp)
}

// JobView is one entry served by /jobs.
type JobView struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"`
	Width         int       `json:"width,omitempty"`
	Height        int       `json:"height,omitempty"`
	Steps         int       `json:"steps,omitempty"`
	GuidanceScale float64   `json:"guidance_scale,omitempty"`
	LoadSeconds   float64   `json:"load_seconds"`
	TotalSeconds  float64   `json:"total_seconds"`
	Error         string    `json:"error,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// handleJobs lists recent jobs, newest first, from history when it is
// configured and from the in-memory store otherwise.
func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := s.config.DefaultHistoryLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be a positive integer"})
			return
		}
		limit = min(n, s.config.MaxHistoryLimit)
	}

	views := []JobView{}
	switch {
	case s.deps.History != nil:
		records, err := s.deps.History.RecentJobs(r.Context(), limit)
		if err != nil {
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
			return
		}
		for _, rec := range records {
			views = append(views, viewFromHistory(rec))
		}
	case s.deps.Store != nil:
		for _, rec := range s.deps.Store.Recent(limit) {
			views = append(views, JobView{
				ID:           rec.ID,
				Status:       rec.Outcome,
				TotalSeconds: rec.Duration.Seconds(),
				Error:        rec.ErrorMsg,
				CreatedAt:    rec.StartTime,
			})
		}
	}
	writeJSON(w, http.StatusOK, views)
}

func viewFromHistory(rec db.JobRecord) JobView {
	return JobView{
		ID:            rec.ID,
		Status:        rec.Status,
		Width:         rec.Width,
		Height:        rec.Height,
		Steps:         rec.Steps,
		GuidanceScale: rec.GuidanceScale,
		LoadSeconds:   rec.LoadSeconds,
		TotalSeconds:  rec.TotalSeconds,
		Error:         rec.ErrorMessage,
		CreatedAt:     rec.CreatedAt,
	}
}
