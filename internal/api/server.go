// Package api provides the HTTP API server for the pipeline engine.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/narvanalabs/autoci/internal/api/handlers"
	"github.com/narvanalabs/autoci/internal/api/health"
	"github.com/narvanalabs/autoci/internal/api/middleware"
	"github.com/narvanalabs/autoci/internal/auth"
	"github.com/narvanalabs/autoci/pkg/config"
)

// Version is the current version of the API server.
// This should be set at build time using ldflags.
var Version = "dev"

// requestTimeout bounds every request except the event stream.
const requestTimeout = 60 * time.Second

// Deps are the components the server exposes. Engine, Scanner and
// Workspace are required; Metrics and History enable their routes when set.
type Deps struct {
	Engine    handlers.Engine
	Scanner   handlers.Scanner
	Planner   handlers.StageNamer
	Workspace *handlers.Workspace
	Metrics   handlers.MetricsSource
	History   handlers.HistoryReader
}

// Server represents the HTTP API server.
type Server struct {
	router        chi.Router
	httpServer    *http.Server
	deps          Deps
	auth          *auth.Service
	config        *config.Config
	logger        *slog.Logger
	healthChecker *health.Checker
	events        *handlers.EventsHandler
}

// NewServer creates a new API server. A nil auth service leaves the API
// open.
func NewServer(cfg *config.Config, deps Deps, authSvc *auth.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		deps:          deps,
		auth:          authSvc,
		config:        cfg,
		logger:        logger,
		healthChecker: health.NewChecker(Version),
	}
	if authSvc == nil {
		logger.Warn("authentication disabled, every request is treated as an operator")
	}

	s.setupRouter()

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.APIHost, cfg.APIPort),
		Handler:     s.router,
		ReadTimeout: 15 * time.Second,
		// No WriteTimeout: it would cut off websocket event streams.
		IdleTimeout: 120 * time.Second,
	}
	// Shutdown does not wait for hijacked connections, so end them explicitly.
	s.httpServer.RegisterOnShutdown(s.events.Close)
	return s
}

// setupRouter configures the router with middleware and routes.
func (s *Server) setupRouter() {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(middleware.RequestLogger(s.logger))
	r.Use(middleware.Recovery(s.logger))

	// Health check endpoint (no auth required)
	r.With(chimiddleware.Timeout(requestTimeout)).Get("/health", s.healthChecker.Handler())

	jobHandler := handlers.NewJobHandler(s.deps.Engine, s.deps.Scanner, s.deps.Workspace, s.logger)
	scanHandler := handlers.NewScanHandler(s.deps.Scanner, s.deps.Workspace, s.deps.Planner, s.logger)
	s.events = handlers.NewEventsHandler(s.deps.Engine, s.logger)

	view := middleware.RequirePermission(auth.PermissionViewJobs)
	run := middleware.RequirePermission(auth.PermissionRunJobs)
	cancel := middleware.RequirePermission(auth.PermissionCancelJobs)

	r.Route("/v1", func(r chi.Router) {
		authMiddleware := middleware.NewAuthMiddleware(s.auth, s.config.APIKeyHeader, s.logger)
		r.Use(authMiddleware.Authenticate)

		// The event stream is long-lived and must not inherit the request timeout.
		r.With(view).Get("/events/ws", s.events.Stream)

		r.Group(func(r chi.Router) {
			r.Use(chimiddleware.Timeout(requestTimeout))

			r.Route("/jobs", func(r chi.Router) {
				r.With(run).Post("/", jobHandler.Create)
				r.With(view).Get("/", jobHandler.List)
				r.Route("/{jobID}", func(r chi.Router) {
					r.With(view).Get("/", jobHandler.Get)
					r.With(view).Get("/logs", jobHandler.Logs)
					r.With(cancel).Delete("/", jobHandler.Cancel)
				})
			})
			r.With(view).Get("/queue", jobHandler.Queue)
			r.With(run).Post("/scan", scanHandler.Scan)

			if s.deps.Metrics != nil {
				metricsHandler := handlers.NewMetricsHandler(s.deps.Metrics, s.logger)
				r.With(view).Get("/metrics", metricsHandler.Aggregate)
				r.With(view).Get("/metrics/jobs/{jobID}", metricsHandler.Job)
			}

			if s.deps.History != nil {
				historyHandler := handlers.NewHistoryHandler(s.deps.History, s.logger)
				r.Route("/history", func(r chi.Router) {
					r.Use(view)
					r.Get("/", historyHandler.List)
					r.Get("/stage-failures", historyHandler.StageFailures)
					r.Get("/{jobID}", historyHandler.Get)
				})
			}
		})
	})

	s.router = r
}

// HealthChecker returns the checker served on /health so callers can
// register component checks.
func (s *Server) HealthChecker() *health.Checker {
	return s.healthChecker
}

// Start starts the HTTP server and blocks until it stops. It returns nil
// after a graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.httpServer.Addr)

	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Name implements shutdown.Component.
func (s *Server) Name() string {
	return "api-server"
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.httpServer.Shutdown(ctx)
}

// Router returns the chi router for testing purposes.
func (s *Server) Router() chi.Router {
	return s.router
}
