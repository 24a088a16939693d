package webhook

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vauntico/vaultgate/internal/audit"
	"github.com/vauntico/vaultgate/internal/replay"
)

// Server represents the webhook HTTP server.
type Server struct {
	config Config
	logger *slog.Logger
	server *http.Server

	// gateways maps URL paths to their verifying gateway and downstream handler.
	gateways map[string]route
}

type route struct {
	gateway *Gateway
	handler http.Handler
}

// New creates a webhook server. nonces may be nil.
func New(config Config, sink audit.Sink, nonces replay.NonceStore, logger *slog.Logger) *Server {
	gateways := make(map[string]route, len(config.Integrations))
	for _, ic := range config.Integrations {
		h := ic.Handler
		if h == nil {
			h = Ack()
		}
		gateways[ic.Path] = route{
			gateway: NewGateway(ic, nonces, sink, logger),
			handler: h,
		}
	}

	return &Server{
		config:   config,
		logger:   logger,
		gateways: gateways,
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	return s.setupRoutes()
}

// Start starts the webhook HTTP server and blocks until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("webhook server starting", "listen", s.config.Listen, "integrations", len(s.gateways))

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("webhook server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("webhook server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("webhook server error: %w", err)
	}
}

// setupRoutes configures the HTTP router.
func (s *Server) setupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	for path, rt := range s.gateways {
		r.Method(http.MethodPost, path, rt.gateway.Middleware(rt.handler))
	}

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusNotFound, ErrorResponse{Error: "Not Found", Message: "endpoint not found"})
	})
	return r
}

// loggingMiddleware logs HTTP requests (excludes payloads and signatures).
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		s.logger.Info("webhook request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
			"remote_addr", r.RemoteAddr,
		)
	})
}

// Ack acknowledges a verified delivery with 200 {"received":true}.
func Ack() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		respondJSON(w, http.StatusOK, map[string]bool{"received": true})
	})
}
