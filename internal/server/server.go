package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/brisktest/brisk/internal/alloc"
	"github.com/brisktest/brisk/internal/config"
	"github.com/brisktest/brisk/internal/logstore"
	"github.com/brisktest/brisk/internal/run"
	"github.com/brisktest/brisk/internal/split"
	"github.com/brisktest/brisk/internal/store"
)

// Server is the Brisk REST API server.
type Server struct {
	router    chi.Router
	logger    *slog.Logger
	config    config.ServerConfig
	startTime time.Time
	store     store.Store
	alloc     *alloc.Engine
	runs      *run.Service
	splitter  *split.Service
	logs      logstore.Issuer
}

// Option configures optional Server dependencies.
type Option func(*Server)

// WithLogIssuer sets the presigned-URL issuer backing the log endpoints.
func WithLogIssuer(issuer logstore.Issuer) Option {
	return func(s *Server) {
		s.logs = issuer
	}
}

// New creates a new Server with all routes registered.
func New(cfg config.ServerConfig, st store.Store, engine *alloc.Engine, runs *run.Service, splitter *split.Service, logger *slog.Logger, opts ...Option) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		logger:    logger.With("component", "server"),
		config:    cfg,
		startTime: time.Now(),
		store:     st,
		alloc:     engine,
		runs:      runs,
		splitter:  splitter,
		logs:      logstore.Disabled{},
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Handler returns the http.Handler for this server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		// Discovery
		r.Get("/", s.handleDiscovery)

		// Health
		r.Get("/health", s.handleHealth)

		// Fleet registration. Machines, workers and supervisors announce
		// themselves here; no project token is involved.
		r.Route("/machines", func(r chi.Router) {
			r.Get("/", s.handleListMachines)
			r.Post("/", s.handleRegisterMachine)
			r.Route("/{uid}", func(r chi.Router) {
				r.Get("/", s.handleGetMachine)
				r.Post("/ping", s.handlePingMachine)
				r.Post("/drain", s.handleDrainMachine)
				r.Delete("/", s.handleDeRegisterMachine)
			})
		})

		r.Route("/workers", func(r chi.Router) {
			r.Get("/", s.handleListWorkers)
			r.Post("/", s.handleRegisterWorker)
			r.Route("/{uid}", func(r chi.Router) {
				r.Get("/", s.handleGetWorker)
				r.Post("/ping", s.handlePingWorker)
				r.Delete("/", s.handleDeRegisterWorker)
				r.With(projectAuthMiddleware(s.store, s.logger)).
					Put("/build-commands", s.handleWorkerBuildCommands)
			})
		})

		r.Route("/supervisors", func(r chi.Router) {
			r.Get("/", s.handleListSupervisors)
			r.Post("/", s.handleRegisterSupervisor)
			r.Route("/{uid}", func(r chi.Router) {
				r.Get("/", s.handleGetSupervisor)
				r.Delete("/", s.handleDeRegisterSupervisor)
			})
		})

		// Project administration
		r.Route("/projects", func(r chi.Router) {
			r.Get("/", s.handleListProjects)
			r.Post("/", s.handleCreateProject)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetProject)
				r.Put("/", s.handleUpdateProject)
				r.Get("/schedule", s.handleGetSchedule)
				r.Put("/schedule", s.handleUpsertSchedule)
			})
		})

		// Project-scoped operations, authenticated by project token.
		r.Group(func(r chi.Router) {
			r.Use(projectAuthMiddleware(s.store, s.logger))

			r.Post("/supervisor", s.handleSuperForProject)
			r.Post("/clear-workers", s.handleClearWorkers)
			r.Post("/split", s.handleSplit)
			r.Get("/logs/url", s.handleLogURL)

			r.Route("/runs", func(r chi.Router) {
				r.Get("/", s.handleListRuns)
				r.Post("/", s.handleStartRun)
				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetRun)
					r.Post("/log", s.handleLogRun)
					r.Post("/finish", s.handleFinishRun)
				})
			})
		})
	})
}
