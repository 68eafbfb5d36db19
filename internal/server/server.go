// Package server provides the HTTP API for agentdb.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/hyperjump/agentdb/internal/config"
	"github.com/hyperjump/agentdb/internal/learning"
	"github.com/hyperjump/agentdb/internal/metrics"
	"github.com/hyperjump/agentdb/internal/search"
)

// Server is the HTTP server for the agentdb API.
type Server struct {
	engine   *search.Engine
	learning *learning.Manager
	metrics  *metrics.Metrics
	config   *config.ServerConfig
	logger   *zap.Logger
	server   *http.Server
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		s.logger = l
	}
}

// WithMetrics serves m at /metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Server) {
		s.metrics = m
	}
}

// NewServer creates a server with the given dependencies.
func NewServer(engine *search.Engine, lm *learning.Manager, cfg *config.ServerConfig, opts ...Option) *Server {
	s := &Server{
		engine:   engine,
		learning: lm,
		config:   cfg,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Router returns the HTTP handler with every route mounted.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))
	r.Use(middleware.Compress(5))

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/vectors", s.handleInsert)
		r.Get("/vectors/{id}", s.handleGetVector)
		r.Patch("/vectors/{id}", s.handleUpdateVector)
		r.Delete("/vectors/{id}", s.handleDeleteVector)
		r.Delete("/vectors", s.handleClearVectors)
		r.Post("/search", s.handleSearch)
		r.Get("/status", s.handleStatus)

		r.Post("/sessions", s.handleStartSession)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Post("/end", s.handleEndSession)
			r.Post("/pause", s.handlePauseSession)
			r.Post("/resume", s.handleResumeSession)
			r.Post("/experiences", s.handleRecord)
			r.Post("/predict", s.handlePredict)
			r.Post("/train", s.handleTrain)
			r.Post("/feedback", s.handleFeedback)
			r.Post("/transfer", s.handleTransfer)
			r.Post("/explain", s.handleExplain)
			r.Get("/metrics", s.handleSessionMetrics)
		})
		r.Get("/experiences/search", s.handleSearchExperiences)
	})
	r.Handle("/metrics", s.metrics.Handler())
	r.Get("/health", s.handleHealth)
	return r
}

// Start starts the HTTP server and blocks until it stops.
func (s *Server) Start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.logger.Info("starting server", zap.String("addr", addr))
	return s.server.ListenAndServe()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}
