package server

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/jobs"
	"github.com/sendloop/sendloop/logger"
)

const defaultListLimit = 100

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := jobs.Filter{
		Status:     jobs.Status(q.Get("status")),
		WorkflowID: q.Get("workflowId"),
		Limit:      defaultListLimit,
	}
	switch f.Status {
	case "", jobs.StatusPending, jobs.StatusRunning, jobs.StatusCompleted, jobs.StatusFailed:
	default:
		s.writeErr(w, r, errors.NewInvalidRequestError("unknown status %q", f.Status))
		return
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n <= 0 {
			s.writeErr(w, r, errors.NewInvalidRequestError("limit must be a positive integer"))
			return
		}
		f.Limit = n
	}

	list, err := s.deps.Jobs.List(r.Context(), f)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	stats, err := s.deps.Jobs.Stats(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if list == nil {
		list = []*jobs.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"jobs":    list,
		"stats":   stats,
	})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.deps.Jobs.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "job": job})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.deps.Jobs.Get(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	ok, err := s.deps.Jobs.CancelPending(r.Context(), id)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if !ok {
		// Claimed between the read and the delete, or never pending
		s.writeErr(w, r, errors.NewConflictError("job %s is %s and cannot be cancelled", id, job.Status))
		return
	}
	s.logger.Infow("Cancelled pending job", logger.FieldJobID, id, logger.FieldWorkflowID, job.WorkflowID)
	writeJSON(w, http.StatusOK, map[string]interface{}{"success": true, "jobId": id})
}
