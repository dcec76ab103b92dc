// Package api exposes the HTTP surface: the campaign control API, the public
// tracking endpoints and the Prometheus scrape handler.
package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mailkite/mailkite/internal/campaign"
	"github.com/mailkite/mailkite/internal/config"
	"github.com/mailkite/mailkite/internal/metrics"
	"github.com/mailkite/mailkite/internal/repository"
	"github.com/mailkite/mailkite/internal/tracking"
)

// Server is the HTTP server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	service    *campaign.Service
	contacts   *repository.ContactRepository
	tracking   *tracking.Handlers
	metrics    *metrics.Metrics
	config     *config.ServerConfig
	logger     *slog.Logger
	startTime  time.Time
}

// NewServer creates the HTTP server with all routes configured.
func NewServer(service *campaign.Service, contacts *repository.ContactRepository,
	trackingHandlers *tracking.Handlers, m *metrics.Metrics,
	cfg *config.ServerConfig, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		service:   service,
		contacts:  contacts,
		tracking:  trackingHandlers,
		metrics:   m,
		config:    cfg,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	s.setupRoutes()
	return s
}

// Handler returns the configured router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.handleHealth)
	if s.metrics != nil {
		s.router.Method(http.MethodGet, "/metrics", s.metrics.Handler())
	}

	// Public endpoints hit by mail clients and the provider.
	s.tracking.Mount(s.router)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Post("/campaigns", s.handleCreateCampaign)
		r.Get("/campaigns/{id}", s.handleGetCampaign)
		r.Post("/campaigns/{id}/send", s.handleStartSend)
		r.Post("/campaigns/{id}/cancel-test", s.handleCancelTest)
		r.Get("/campaigns/{id}/stats", s.handleStats)
		r.Get("/campaigns/{id}/export", s.handleExport)

		r.Post("/contacts", s.handleCreateContact)
		r.Post("/lists", s.handleCreateList)
		r.Post("/lists/{id}/members", s.handleAddListMember)
	})
}

// ListenAndServe starts the HTTP server.
func (s *Server) ListenAndServe() error {
	s.httpServer = &http.Server{
		Addr:         s.config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	s.logger.Info("starting HTTP server", "addr", s.config.ListenAddr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}
