// Package server exposes the scheduler over HTTP: the poll endpoint for the
// external cron driver, registration and cleanup for operators, webhook
// ingestion and job inspection.
package server

import (
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sendloop/sendloop/clock"
	"github.com/sendloop/sendloop/errors"
	"github.com/sendloop/sendloop/executor"
	"github.com/sendloop/sendloop/health"
	"github.com/sendloop/sendloop/jobs"
	"github.com/sendloop/sendloop/logger"
	"github.com/sendloop/sendloop/scheduler"
	"github.com/sendloop/sendloop/trigger"
)

// ShutdownTimeout bounds graceful shutdown.
const ShutdownTimeout = 10 * time.Second

// JobStore is the read and cancel side of the job store.
type JobStore interface {
	Get(ctx context.Context, id string) (*jobs.Job, error)
	List(ctx context.Context, f jobs.Filter) ([]*jobs.Job, error)
	CancelPending(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (jobs.Stats, error)
}

// Registrar reconciles all recurring workflows.
type Registrar interface {
	ReconcileAll(ctx context.Context) (scheduler.Summary, error)
}

// Cleaner fails stuck running jobs.
type Cleaner interface {
	ForceCleanup(ctx context.Context, jobID string, olderThan time.Duration) (executor.CleanupResult, error)
}

// Poller runs one poll on behalf of a caller.
type Poller interface {
	Run(ctx context.Context, caller string) (executor.Summary, error)
}

// Manual triggers and syncs single workflows.
type Manual interface {
	Trigger(ctx context.Context, workflowID, actor string) (trigger.ManualOutcome, error)
	Sync(ctx context.Context, workflowID string) (trigger.SyncOutcome, error)
}

// Webhook handles inbound events.
type Webhook interface {
	Handle(ctx context.Context, eventType string, body []byte, headers http.Header) (trigger.WebhookResult, error)
}

// HealthReporter summarizes poll liveness.
type HealthReporter interface {
	Summary(ctx context.Context, asOf time.Time) (health.Report, error)
}

// Deps are the components behind the routes.
type Deps struct {
	Jobs      JobStore
	Registrar Registrar
	Cleaner   Cleaner
	Poller    Poller
	Manual    Manual
	Webhook   Webhook
	Health    HealthReporter
	Clock     clock.Clock
}

// Options configures authentication and CORS.
type Options struct {
	PollToken      string
	AdminToken     string
	AllowedOrigins []string
	// Insecure accepts requests to endpoints whose token is not configured.
	Insecure bool
}

// ServerState is the lifecycle state of the HTTP server.
type ServerState int32

const (
	ServerStateRunning ServerState = iota
	ServerStateDraining
	ServerStateStopped
)

// Server serves the scheduler API.
type Server struct {
	deps   Deps
	opts   Options
	hub    *Hub
	router chi.Router
	http   *http.Server
	state  atomic.Int32
	logger *zap.SugaredLogger
}

// New builds the server and its routes.
func New(deps Deps, opts Options, logger *zap.SugaredLogger) *Server {
	if deps.Clock == nil {
		deps.Clock = clock.System{}
	}
	s := &Server{
		deps:   deps,
		opts:   opts,
		hub:    NewHub(opts.AllowedOrigins, logger),
		logger: logger,
	}
	s.router = s.routes()
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// Hub returns the event hub, to be wired as the executor's broadcaster.
func (s *Server) Hub() *Hub { return s.hub }

// State returns the lifecycle state.
func (s *Server) State() ServerState { return ServerState(s.state.Load()) }

// ListenAndServe serves on addr until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", addr)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is cancelled.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.http = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.state.Store(int32(ServerStateRunning))
	s.logger.Infow("HTTP server listening", logger.FieldAddress, ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- s.http.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrap(err, "http server failed")
	case <-ctx.Done():
		return s.Stop()
	}
}

// Stop drains in-flight requests and disconnects event clients.
func (s *Server) Stop() error {
	s.state.Store(int32(ServerStateDraining))
	s.logger.Infow("Initiating server shutdown")

	// Close event streams first so Shutdown does not wait on hijacked conns
	s.hub.Close()

	var err error
	if s.http != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
		defer cancel()
		err = s.http.Shutdown(shutdownCtx)
	}

	s.state.Store(int32(ServerStateStopped))
	s.logger.Infow("Server shutdown complete", "broadcast_drops", s.hub.Drops())
	return errors.Wrap(err, "graceful shutdown")
}
