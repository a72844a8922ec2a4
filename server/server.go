// Package server exposes the orchestrator over HTTP: the task API, the
// SSE task stream, report serving and the WebSocket hub.
package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-hclog"

	"nexus/llm"
	"nexus/orchestrator"
	"nexus/report"
	"nexus/store"
	"nexus/transport"
)

// Deps are the components the HTTP surface serves.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Stores       *store.Bundle
	Engines      *llm.Engines
	Hub          *transport.Hub
	Reports      *report.Resolver
	Cache        *report.Cache
}

// Options holds the listener settings.
type Options struct {
	Addr string
	// Origin is the absolute origin used when rewriting served reports.
	Origin string
	// RunRoot is the directory served under /nexus_run/.
	RunRoot string
	// AccessLog enables chi's request logger.
	AccessLog bool
	// OnShutdown runs when shutdown begins, before open responses are
	// drained. Streams only end once their tasks do, so this is where
	// running tasks get cancelled.
	OnShutdown func()
}

// Server holds the chi router and the components behind it.
type Server struct {
	router  chi.Router
	deps    Deps
	opts    Options
	logger  hclog.Logger
	started time.Time
}

func New(deps Deps, opts Options, logger hclog.Logger) *Server {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.RunRoot == "" {
		opts.RunRoot = report.DefaultRunRoot
	}
	if deps.Cache == nil {
		deps.Cache = report.NewCache(report.DefaultCacheTTL)
	}
	s := &Server{
		deps:    deps,
		opts:    opts,
		logger:  logger.Named("server"),
		started: time.Now(),
	}
	s.router = s.buildRouter()
	return s
}

// ServeHTTP delegates to the chi router, satisfying http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()

	if s.opts.AccessLog {
		r.Use(middleware.Logger)
	}
	r.Use(middleware.Recoverer)
	r.Use(reportRedirector)

	r.Get("/health", s.handleHealth)
	r.Get("/ws", s.handleWebSocket)

	r.Route("/api", func(r chi.Router) {
		r.Get("/whoami", s.handleWhoami)
		r.Get("/nli", s.handleNLI)

		r.Route("/tasks", func(r chi.Router) {
			r.Get("/active", s.handleActiveTasks)
			r.Get("/{taskId}", s.handleGetTask)
			r.Put("/{taskId}/cancel", s.handleCancelTask)
		})

		r.Get("/messages/history", s.handleHistory)

		r.Route("/yaml-maps", func(r chi.Router) {
			r.Get("/", s.handleSearchYamlMaps)
			r.Post("/", s.handleCreateYamlMap)
			r.Get("/{id}", s.handleGetYamlMap)
			r.Delete("/{id}", s.handleDeleteYamlMap)
		})

		r.Route("/user", func(r chi.Router) {
			r.Get("/available-engines", s.handleAvailableEngines)
			r.Post("/set-engine", s.handleSetEngine)
			r.Post("/api-keys", s.handleSetAPIKey)
		})
	})

	r.Get("/external-report/{name}", s.handleExternalReport)
	r.Get("/raw-report/{name}", s.handleRawReport)
	r.Get("/download-report/{name}", s.handleDownloadReport)

	fileServer := http.FileServer(http.Dir(s.opts.RunRoot))
	r.Handle("/"+report.DefaultRunRoot+"/*", http.StripPrefix("/"+report.DefaultRunRoot+"/", fileServer))

	return r
}

// Run serves until ctx is cancelled, then shuts the listener down and
// waits up to grace for in-flight responses.
func (s *Server) Run(ctx context.Context, grace time.Duration) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}
	if s.opts.OnShutdown != nil {
		srv.RegisterOnShutdown(s.opts.OnShutdown)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("listening", "addr", s.opts.Addr, "origin", s.opts.Origin)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	if s.deps.Hub != nil {
		s.deps.Hub.Close()
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http shutdown incomplete", "error", err)
		return err
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	s.logger.Info("http server stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	active := 0
	if s.deps.Orchestrator != nil {
		active = len(s.deps.Orchestrator.Active())
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"activeTasks": active,
		"uptime":      int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	if s.deps.Hub == nil {
		http.Error(w, "websocket transport disabled", http.StatusServiceUnavailable)
		return
	}
	s.deps.Hub.ServeHTTP(w, r)
}
