package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"
)

// shutdownGrace bounds how long in-flight requests may run once the agent
// stops.
const shutdownGrace = 5 * time.Second

// Store defines the interface for accessing run history
type Store interface {
	// GetRuns returns recent runs, optionally filtered by job ID
	GetRuns(ctx context.Context, jobID *string, limit int) ([]RunRecord, error)

	// GetRun returns a specific run by ID
	GetRun(ctx context.Context, runID string) (*RunRecord, error)

	// GetStats returns run statistics
	GetStats(ctx context.Context) (*StatsResponse, error)
}

// Jobs defines the interface for accessing the live jobs of the node
type Jobs interface {
	GetJobs(ctx context.Context) ([]JobSummary, error)

	// GetJob returns ErrJobNotFound for unknown jobs
	GetJob(ctx context.Context, jobID string) (*JobSummary, error)
}

// Node reports the state of the agent itself
type Node interface {
	Name() string
	Connected() bool
	Tasks() []TaskSummary
}

// Server is the read-only status API of a node agent
type Server struct {
	addr    string
	store   Store
	jobs    Jobs
	node    Node
	logger  *slog.Logger
	router  *http.ServeMux
	started time.Time
}

// New creates a new Server instance. store may be nil when history is
// not kept.
func New(addr string, store Store, jobs Jobs, node Node, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		addr:    addr,
		store:   store,
		jobs:    jobs,
		node:    node,
		logger:  logger,
		router:  http.NewServeMux(),
		started: time.Now(),
	}
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.router.HandleFunc("GET /api/health", s.handleHealth)
	s.router.HandleFunc("GET /api/jobs", s.handleListJobs)
	s.router.HandleFunc("GET /api/jobs/{id}", s.handleGetJob)
	s.router.HandleFunc("GET /api/jobs/{id}/runs", s.handleGetJobRuns)
	s.router.HandleFunc("GET /api/runs", s.handleListRuns)
	s.router.HandleFunc("GET /api/runs/{id}", s.handleGetRun)
	s.router.HandleFunc("GET /api/stats", s.handleGetStats)
}

// Handler returns the API handler with request logging.
func (s *Server) Handler() http.Handler {
	return s.logRequests(s.router)
}

// Start serves the API on the configured address until ctx is done. The
// status API is an optional companion of the agent: a failure to bind or
// serve is logged and Start returns nil so the agent keeps running.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.logger.Error("status API unavailable", "addr", s.addr, "error", err)
		return nil
	}
	if err := s.Serve(ctx, ln); err != nil {
		s.logger.Error("status API stopped", "error", err)
	}
	return nil
}

// Serve serves the API on ln until ctx is done, then drains in-flight
// requests for up to shutdownGrace.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("status API listening", "addr", ln.Addr().String())
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ln) }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Uptime reports how long the API has been up, to the second.
func (s *Server) Uptime() string {
	return time.Since(s.started).Round(time.Second).String()
}
