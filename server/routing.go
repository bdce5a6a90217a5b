package server

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/sendloop/sendloop/metrics"
)

// routes builds the router.
//
//	public:  GET  /scheduler/health, POST /webhook/{eventType}, GET /metrics
//	poll:    GET|POST /scheduler/poll
//	admin:   POST /scheduler/register, POST /scheduler/force-cleanup,
//	         POST /workflows/{id}/trigger, POST /workflows/{id}/sync,
//	         GET /jobs, GET|DELETE /jobs/{id}, GET /scheduler/events
func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(s.cors)

	r.Get("/scheduler/health", s.handleHealth)
	r.Post("/webhook/{eventType}", s.handleWebhook)
	r.Method("GET", "/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken("poll", s.opts.PollToken))
		r.Get("/scheduler/poll", s.handlePoll)
		r.Post("/scheduler/poll", s.handlePoll)
	})

	r.Group(func(r chi.Router) {
		r.Use(s.requireToken("admin", s.opts.AdminToken))
		r.Post("/scheduler/register", s.handleRegister)
		r.Post("/scheduler/force-cleanup", s.handleForceCleanup)
		r.Get("/scheduler/events", s.hub.ServeWS)

		r.Post("/workflows/{id}/trigger", s.handleTrigger)
		r.Post("/workflows/{id}/sync", s.handleSync)

		r.Get("/jobs", s.handleListJobs)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Delete("/jobs/{id}", s.handleCancelJob)
	})

	return r
}
