package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"gpufleet/internal/config"
	"gpufleet/internal/engine"
	"gpufleet/internal/logging"
	"gpufleet/internal/provider"
	"gpufleet/internal/storage"
)

// pinger is implemented by database-backed stores; the in-memory backend
// is always ready.
type pinger interface {
	Ping(ctx context.Context) error
}

// Server exposes the registry, rules and audit trail over HTTP.
type Server struct {
	router   chi.Router
	cfg      config.APIConfig
	store    storage.Backend
	engine   *engine.Engine
	registry *provider.Registry
	gatherer prometheus.Gatherer
	logger   zerolog.Logger
}

// NewServer wires the routes. The gatherer serves /metrics and is the same
// registry the engine metrics are registered on.
func NewServer(cfg config.APIConfig, store storage.Backend, eng *engine.Engine, registry *provider.Registry, gatherer prometheus.Gatherer, logger zerolog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		cfg:      cfg,
		store:    store,
		engine:   eng,
		registry: registry,
		gatherer: gatherer,
		logger:   logging.Component(logger, "api"),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(chimw.RequestID)
	s.router.Use(chimw.RealIP)
	s.router.Use(requestLogger(s.logger))
	s.router.Use(chimw.Recoverer)
}

func (s *Server) setupRoutes() {
	if s.gatherer != nil {
		s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)

	deployments := newDeploymentHandler(s.store, s.engine, s.registry)
	rules := newRuleHandler(s.store)
	executions := newExecutionHandler(s.store)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/deployments", deployments.List)
		r.Post("/deployments", deployments.Register)
		r.Get("/deployments/{id}", deployments.Get)
		r.Delete("/deployments/{id}", deployments.Deregister)
		r.Get("/deployments/{id}/health", deployments.Health)
		r.Get("/deployments/{id}/checks", deployments.Checks)
		r.Get("/deployments/{id}/price", deployments.Price)
		r.Post("/deployments/{id}/actions", deployments.Action)
		r.Get("/deployments/{id}/executions", executions.ListByDeployment)

		r.Get("/rules", rules.List)
		r.Post("/rules", rules.Create)
		r.Get("/rules/{id}", rules.Get)
		r.Put("/rules/{id}", rules.UpdateConfig)
		r.Delete("/rules/{id}", rules.Delete)
		r.Post("/rules/{id}/enable", rules.Enable)
		r.Post("/rules/{id}/disable", rules.Disable)
		r.Get("/rules/{id}/executions", executions.ListByRule)

		r.Get("/executions", executions.List)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{"storage": "ok"}
	status := http.StatusOK
	if p, ok := s.store.(pinger); ok {
		if err := p.Ping(ctx); err != nil {
			checks["storage"] = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, checks)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves until ctx is cancelled, then drains connections within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	httpServer := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s,
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.cfg.Listen).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errc <- err
			return
		}
		errc <- nil
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	s.logger.Info().Msg("http server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errc
}
