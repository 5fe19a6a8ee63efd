// Package server assembles the HTTP API server.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/flaretrack/flaretrack/internal/api/deadletters"
	"github.com/flaretrack/flaretrack/internal/api/events"
	"github.com/flaretrack/flaretrack/internal/api/groups"
	"github.com/flaretrack/flaretrack/internal/api/health"
	"github.com/flaretrack/flaretrack/internal/delivery"
	"github.com/flaretrack/flaretrack/internal/metrics"
	"github.com/flaretrack/flaretrack/internal/queue"
	"github.com/flaretrack/flaretrack/internal/rules"
	"github.com/flaretrack/flaretrack/internal/storage"
)

// Config contains HTTP API server configuration.
type Config struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// SetDefaults applies default values for missing configuration.
func (c *Config) SetDefaults() {
	if c.Address == "" {
		c.Address = ":8080"
	}
	if c.ReadTimeout == 0 {
		c.ReadTimeout = 15 * time.Second
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
	if c.IdleTimeout == 0 {
		c.IdleTimeout = 60 * time.Second
	}
}

// Server is the HTTP API server.
type Server struct {
	config        *Config
	server        *http.Server
	healthHandler *health.Handler
	log           zerolog.Logger
}

// New creates the API server with all routes wired.
func New(cfg *Config, store storage.Storage, tasks queue.TaskQueue, pipeline *delivery.Pipeline, ruleSet *rules.RuleSet, logger zerolog.Logger) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if store == nil {
		return nil, fmt.Errorf("storage is required")
	}
	cfg.SetDefaults()

	s := &Server{
		config:        cfg,
		healthHandler: health.NewHandler(),
		log:           logger.With().Str("component", "http_server").Logger(),
	}

	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(chimiddleware.Timeout(60 * time.Second))
	r.Use(inFlightMiddleware)

	eventsHandler := events.NewHandler(store.Occurrences(), tasks, logger)
	groupsHandler := groups.NewHandler(store.Groups(), logger)
	deadLettersHandler := deadletters.NewHandler(store.DeadLetters(), store.Dispatches(), store.Groups(), pipeline, ruleSet, logger)

	r.Get("/healthz", s.healthHandler.Health)
	r.Get("/readyz", s.healthHandler.Ready)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/events", eventsHandler.Ingest)

		r.Route("/groups", func(r chi.Router) {
			r.Get("/", groupsHandler.List)
			r.Get("/{id}", groupsHandler.Get)
			r.Put("/{id}/status", groupsHandler.UpdateStatus)
		})

		r.Route("/deadletters", func(r chi.Router) {
			r.Get("/", deadLettersHandler.List)
			r.Get("/{id}", deadLettersHandler.Get)
			r.Post("/{id}/replay", deadLettersHandler.Replay)
		})
	})

	s.server = &http.Server{
		Addr:         cfg.Address,
		Handler:      r,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s, nil
}

func inFlightMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		metrics.HTTPRequestsInFlight.Inc()
		defer metrics.HTTPRequestsInFlight.Dec()
		next.ServeHTTP(w, r)
	})
}

// RegisterHealthChecker adds a dependency checker to the readiness probe.
func (s *Server) RegisterHealthChecker(c health.Checker) {
	s.healthHandler.RegisterChecker(c)
}

// Handler returns the assembled router, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Address returns the configured listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// Run starts the HTTP server and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	errChan := make(chan error, 1)

	go func() {
		s.log.Info().Str("addr", s.config.Address).Msg("HTTP API listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errChan <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.log.Info().Msg("shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errChan:
		return err
	}
}
