package server

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/sendloop/sendloop/errors"
)

// maxBodyBytes bounds request bodies, webhook payloads included.
const maxBodyBytes = 1 << 20

// errorResponse is the body of every failed request.
type errorResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Hint    string `json:"hint,omitempty"`
}

// writeJSON writes a JSON response with the given status code
func writeJSON(w http.ResponseWriter, status int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		return errors.Wrap(err, "failed to encode JSON")
	}
	return nil
}

// writeError writes a JSON error response
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorResponse{Success: false, Message: message})
}

// writeErr maps err onto a status code and writes it. Internal errors are
// logged and reported without detail.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		s.logger.Errorw("Request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err)
		writeError(w, status, "internal error")
		return
	}

	resp := errorResponse{Success: false, Message: err.Error()}
	if hints := errors.GetAllHints(err); len(hints) > 0 {
		resp.Hint = hints[0]
	}
	writeJSON(w, status, resp)
}

// readJSON decodes an optional JSON request body into v. An empty body
// leaves v untouched.
func readJSON(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if err == io.EOF {
			return nil
		}
		return errors.NewInvalidRequestError("invalid request body: %v", err)
	}
	return nil
}
