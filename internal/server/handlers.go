package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
)

const (
	version      = "v0.1.0"
	defaultLimit = 100
	maxLimit     = 1000
)

// handleHealth reports the agent's controller connection and maintenance
// tasks. A disconnected agent is still healthy enough to answer, so the
// status code stays 200.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := HealthResponse{
		Status:  "ok",
		Version: version,
		Uptime:  s.Uptime(),
		Tasks:   []TaskSummary{},
	}
	if s.node != nil {
		response.Node = s.node.Name()
		response.Connected = s.node.Connected()
		if !response.Connected {
			response.Status = "disconnected"
		}
		if tasks := s.node.Tasks(); tasks != nil {
			response.Tasks = tasks
		}
	}

	s.writeJSON(w, http.StatusOK, response)
}

// requireHistory and requireRegistry guard the optional backends; each writes the 503
// itself when the backend is missing.
func (s *Server) requireHistory(w http.ResponseWriter) bool {
	if s.store == nil {
		s.writeError(w, http.StatusServiceUnavailable, "run history not enabled", nil)
		return false
	}
	return true
}

func (s *Server) requireRegistry(w http.ResponseWriter) bool {
	if s.jobs == nil {
		s.writeError(w, http.StatusServiceUnavailable, "job registry not available", nil)
		return false
	}
	return true
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	jobs, err := s.jobs.GetJobs(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve jobs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	if !s.requireRegistry(w) {
		return
	}
	job, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, "job not found", nil)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job", err)
	default:
		s.writeJSON(w, http.StatusOK, job)
	}
}

// handleGetJobRuns answers from history alone, so finished jobs that have
// left the registry still have their runs.
func (s *Server) handleGetJobRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	jobID := r.PathValue("id")
	runs, err := s.store.GetRuns(r.Context(), &jobID, parseLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve job runs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	runs, err := s.store.GetRuns(r.Context(), nil, parseLimit(r))
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve runs", err)
		return
	}
	s.writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireHistory(w) {
		return
	}
	run, err := s.store.GetRun(r.Context(), r.PathValue("id"))
	switch {
	case errors.Is(err, ErrRunNotFound):
		s.writeError(w, http.StatusNotFound, "run not found", nil)
	case err != nil:
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve run", err)
	default:
		s.writeJSON(w, http.StatusOK, run)
	}
}

// handleGetStats combines live job counts with run history statistics
func (s *Server) handleGetStats(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	stats := &StatsResponse{}
	if s.store != nil {
		var err error
		if stats, err = s.store.GetStats(ctx); err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to retrieve stats", err)
			return
		}
	}
	if s.jobs != nil {
		jobs, err := s.jobs.GetJobs(ctx)
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, "failed to retrieve jobs", err)
			return
		}
		stats.ActiveJobs = len(jobs)
		for _, j := range jobs {
			stats.ActiveRunners += len(j.Runners)
		}
	}

	s.writeJSON(w, http.StatusOK, stats)
}

// parseLimit reads ?limit=, falling back to defaultLimit for missing or
// invalid values and capping at maxLimit.
func parseLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return defaultLimit
	}
	return min(limit, maxLimit)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Error("failed to encode JSON response", "error", err)
	}
}

// writeError answers with the ErrorResponse envelope. err is logged, never
// sent to the client.
func (s *Server) writeError(w http.ResponseWriter, status int, message string, err error) {
	if err != nil {
		s.logger.Error("status API error", "status", status, "message", message, "error", err)
	}
	s.writeJSON(w, status, ErrorResponse{
		Error:   http.StatusText(status),
		Message: message,
		Code:    status,
	})
}
