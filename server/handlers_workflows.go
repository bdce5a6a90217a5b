package server

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/sendloop/sendloop/errors"
)

// HeaderActor names the user behind a manual trigger.
const HeaderActor = "X-Sendloop-Actor"

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.writeErr(w, r, errors.NewInvalidRequestError("failed to read webhook body: %v", err))
		return
	}

	res, err := s.deps.Webhook.Handle(r.Context(), chi.URLParam(r, "eventType"), body, r.Header)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	// A failed dispatch asks the sender to redeliver; workflows that already
	// acted on the delivery skip it then.
	status := http.StatusOK
	if res.Failed > 0 {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"success":    res.Failed == 0,
		"eventType":  res.EventType,
		"deliveryId": res.DeliveryID,
		"duplicate":  res.Duplicate,
		"matched":    res.Matched,
		"failed":     res.Failed,
		"dispatches": res.Dispatches,
	})
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	actor := r.Header.Get(HeaderActor)
	if actor == "" {
		actor = "api"
	}

	out, err := s.deps.Manual.Trigger(r.Context(), chi.URLParam(r, "id"), actor)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}

	success := true
	message := ""
	if out.Result != nil {
		success, message = out.Result.Success, out.Result.Message
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      success,
		"message":      message,
		"workflowId":   out.WorkflowID,
		"mode":         out.Mode,
		"job":          out.Job,
		"registration": out.Registration,
	})
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	out, err := s.deps.Manual.Sync(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":      true,
		"workflowId":   out.WorkflowID,
		"status":       out.Status,
		"registration": out.Registration,
		"cancelled":    out.Cancelled,
	})
}
