// Package api serves the ops/admin HTTP surface: liveness, database health,
// pool stats, audit queries, the live verification stream and metrics.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vauntico/vaultgate/internal/audit"
	"github.com/vauntico/vaultgate/internal/auth"
	"github.com/vauntico/vaultgate/internal/db"
	"github.com/vauntico/vaultgate/internal/events"
)

// HealthChecker reports database health; *db.Executor satisfies it.
type HealthChecker interface {
	CheckHealth(ctx context.Context) db.Health
}

// PoolStatser exposes pool counters; *db.Pool satisfies it.
type PoolStatser interface {
	Stats() db.PoolStats
}

// ChainVerifier re-checks the audit seal chain; *audit.SQLSink satisfies it.
type ChainVerifier interface {
	Verify(ctx context.Context) (audit.ChainReport, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string
	// APIKey is the single admin bearer token (scope "*").
	APIKey string
	// Tokens is an optional list of scoped bearer tokens.
	Tokens       []auth.TokenConfig
	Integrations []Integration
}

// Deps are the collaborators behind the endpoints. Nil members disable the
// matching routes (they answer 404).
type Deps struct {
	Health   HealthChecker
	Pool     PoolStatser
	Audit    audit.Reader
	Chain    ChainVerifier
	Hub      *events.Hub
	Gatherer prometheus.Gatherer
}

// Server represents the ops HTTP server.
type Server struct {
	config    Config
	deps      Deps
	guard     auth.Guard
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates a new API server instance.
func New(config Config, deps Deps, logger *slog.Logger) *Server {
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	return &Server{
		config:    config,
		deps:      deps,
		guard:     auth.Guard{APIKey: config.APIKey, Tokens: config.Tokens},
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:        s.config.Listen,
		Handler:     s.setupRoutes(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	// Unauthenticated ops endpoints.
	r.Get("/healthz", s.handleHealthz)
	r.Get("/health/db", s.handleDBHealth)
	r.Get("/openapi.json", s.handleOpenAPI)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.deps.Gatherer, promhttp.HandlerOpts{}))

	r.Group(func(r chi.Router) {
		r.With(s.guard.Middleware(auth.ScopeAuditRO)).Get("/audit", s.handleAuditList)
		r.With(s.guard.Middleware(auth.ScopeAuditRO)).Get("/audit/verify", s.handleAuditVerify)
		r.With(s.guard.Middleware(auth.ScopeAuditRO)).Get("/audit/stream", s.handleAuditStream)
		r.With(s.guard.Middleware(auth.ScopeDBRO)).Get("/db/stats", s.handleDBStats)
	})

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
