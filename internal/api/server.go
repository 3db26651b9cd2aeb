// Package api is the HTTP adapter over categorization, anomaly detection
// and model management.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Server represents the HTTP API server.
type Server struct {
	router  *chi.Mux
	handler *Handler
	server  *http.Server
	config  domain.ServerConfig
}

// NewServer creates a new API server.
func NewServer(cfg domain.ServerConfig, deps Deps) *Server {
	handler := NewHandler(deps)
	logger := handler.logger
	router := chi.NewRouter()

	// Global middleware stack
	router.Use(CORSMiddleware(cfg.AllowedOrigins))
	router.Use(RecoverMiddleware(logger))
	router.Use(TracingMiddleware)
	router.Use(LoggingMiddleware(logger))
	router.Use(middleware.RealIP)
	router.Use(middleware.Compress(5))
	router.Use(UserMiddleware)

	// Health endpoints
	router.Get("/health", handler.Health)
	router.Get("/ready", handler.Ready)

	// Anonymous categorization shares the "_anonymous" cache scope.
	router.Post("/categorize", handler.Categorize)

	router.Group(func(r chi.Router) {
		r.Use(RequireUser)

		r.Post("/transactions", handler.IngestTransactions)
		r.Get("/transactions/{id}", handler.GetTransaction)

		r.Post("/anomalies/detect", handler.DetectAnomalies)
		r.Get("/anomalies/{id}", handler.GetAnomalyReport)

		r.Get("/models", handler.GetModels)
		r.Post("/models/train", handler.TrainModels)
		r.Post("/models/reload", handler.ReloadModels)
		r.Put("/models/config", handler.UpdateModelConfig)
	})

	return &Server{
		router:  router,
		handler: handler,
		config:  cfg,
	}
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  time.Duration(s.config.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.config.WriteTimeout) * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// Router returns the Chi router for testing.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// Handler returns the handler for testing.
func (s *Server) Handler() *Handler {
	return s.handler
}
