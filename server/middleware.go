package server

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/sendloop/sendloop/logger"
)

// requestLogger logs one line per request at debug, or warn for 5xx.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		reqID := middleware.GetReqID(r.Context())
		r = r.WithContext(logger.WithRequestID(r.Context(), reqID))

		next.ServeHTTP(ww, r)

		fields := []interface{}{
			logger.FieldMethod, r.Method,
			logger.FieldPath, r.URL.Path,
			logger.FieldStatus, ww.Status(),
			logger.FieldDurationMS, time.Since(start).Milliseconds(),
			logger.FieldRequestID, reqID,
		}
		if ww.Status() >= 500 {
			s.logger.Warnw("HTTP request", fields...)
			return
		}
		s.logger.Debugw("HTTP request", fields...)
	})
}

// cors sets CORS headers for allowed origins and answers preflights.
func (s *Server) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && originAllowed(origin, s.opts.AllowedOrigins) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+
				"X-Sendloop-Signature, X-Sendloop-Delivery, X-Sendloop-Caller, X-Sendloop-Actor")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireToken guards routes with a bearer token. For browser WebSocket
// clients the token may also be passed as ?token=.
func (s *Server) requireToken(name, token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if token == "" {
				if s.opts.Insecure {
					next.ServeHTTP(w, r)
					return
				}
				writeError(w, http.StatusUnauthorized, name+" token is not configured")
				return
			}
			if !tokenMatches(presentedToken(r), token) {
				writeError(w, http.StatusUnauthorized, "invalid or missing "+name+" token")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func presentedToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if t, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(t)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func tokenMatches(presented, expected string) bool {
	return subtle.ConstantTimeCompare([]byte(presented), []byte(expected)) == 1
}
