package server

import (
	"net/http"
	"time"

	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/executor"
)

// HeaderCaller identifies the poll driver in health signals.
const HeaderCaller = "X-Sendloop-Caller"

// PollResponse is the body of /scheduler/poll.
type PollResponse struct {
	Success      bool                 `json:"success"`
	Message      string               `json:"message,omitempty"`
	TotalJobs    int                  `json:"totalJobs"`
	ExecutedJobs int                  `json:"executedJobs"`
	RetriedJobs  int                  `json:"retriedJobs"`
	FailedJobs   int                  `json:"failedJobs"`
	SkippedJobs  int                  `json:"skippedJobs"`
	DurationMS   int64                `json:"durationMs"`
	Results      []executor.JobResult `json:"results"`
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	caller := r.Header.Get(HeaderCaller)
	if caller == "" {
		caller = r.UserAgent()
	}

	sum, err := s.deps.Poller.Run(r.Context(), caller)
	resp := PollResponse{
		Success:      err == nil,
		TotalJobs:    sum.Total,
		ExecutedJobs: sum.Executed,
		RetriedJobs:  sum.Retried,
		FailedJobs:   sum.Failed,
		SkippedJobs:  sum.Skipped,
		DurationMS:   sum.DurationMS,
		Results:      sum.Results,
	}
	if resp.Results == nil {
		resp.Results = []executor.JobResult{}
	}
	if err != nil {
		s.logger.Errorw("Poll request failed", "caller", caller, "error", err)
		resp.Message = err.Error()
		writeJSON(w, http.StatusInternalServerError, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	sum, err := s.deps.Registrar.ReconcileAll(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":  true,
		"created":  sum.Created,
		"skipped":  sum.Skipped,
		"replaced": sum.Replaced,
		"failed":   sum.Failed,
		"results":  sum.Results,
		"errors":   sum.Errors,
	})
}

// forceCleanupRequest is the optional body of /scheduler/force-cleanup.
type forceCleanupRequest struct {
	JobID            string `json:"jobId"`
	OlderThanMinutes int    `json:"olderThanMinutes"`
}

func (s *Server) handleForceCleanup(w http.ResponseWriter, r *http.Request) {
	var req forceCleanupRequest
	if err := readJSON(r, &req); err != nil {
		s.writeErr(w, r, err)
		return
	}
	if req.OlderThanMinutes < 0 {
		s.writeErr(w, r, errors.NewInvalidRequestError("olderThanMinutes must be >= 0"))
		return
	}

	res, err := s.deps.Cleaner.ForceCleanup(r.Context(), req.JobID, time.Duration(req.OlderThanMinutes)*time.Minute)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"count":   res.Count,
		"jobIds":  res.JobIDs,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	rep, err := s.deps.Health.Summary(r.Context(), s.deps.Clock.Now())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	// Staleness is reported, not enforced, so the status is always 200
	writeJSON(w, http.StatusOK, rep)
}
