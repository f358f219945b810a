package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ashita-ai/selfplay/internal/ratelimit"
)

// Server is the selfplay HTTP server.
type Server struct {
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger
}

// ServerConfig holds all dependencies and configuration for creating a Server.
// Optional fields (nil-safe): Limiter, MetricsHandler, OpenAPISpec.
type ServerConfig struct {
	// Required dependencies.
	Runner Runner
	Logger *slog.Logger

	// Optional dependencies (nil = disabled).
	Limiter        ratelimit.Limiter // applied to run submission, keyed by client IP
	MetricsHandler http.Handler      // served at /metrics

	// HTTP server settings.
	Port                int
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	Version             string
	MaxRequestBodyBytes int64
	IdempotencyTTL      time.Duration

	OpenAPISpec []byte
}

// New creates a new HTTP server with all routes configured.
func New(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	h := NewHandlers(HandlersDeps{
		Runner:              cfg.Runner,
		Logger:              logger,
		Version:             cfg.Version,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		OpenAPISpec:         cfg.OpenAPISpec,
		IdempotencyTTL:      cfg.IdempotencyTTL,
	})

	reqIDFunc := func(r *http.Request) string {
		return RequestIDFromContext(r.Context())
	}
	startRL := ratelimit.Middleware(cfg.Limiter, ratelimit.IPKeyFunc, reqIDFunc)

	mux := http.NewServeMux()

	// Run control. Only submission is rate limited; reads are cheap.
	mux.Handle("POST /runner/selfplay/start", startRL(http.HandlerFunc(h.HandleStartRun)))
	mux.HandleFunc("GET /runner/selfplay/runs", h.HandleListRuns)
	mux.HandleFunc("GET /runner/selfplay/runs/{run_id}", h.HandleGetRun)
	mux.Handle("GET /runner/selfplay/debug", startRL(http.HandlerFunc(h.HandleDebugRun)))

	if cfg.MetricsHandler != nil {
		mux.Handle("GET /metrics", cfg.MetricsHandler)
	}
	mux.HandleFunc("GET /openapi.yaml", h.HandleOpenAPISpec)
	mux.HandleFunc("GET /healthz", h.HandleHealth)

	// Middleware chain (outermost executes first):
	// request ID → tracing → logging → recovery → handler.
	var handler http.Handler = mux
	handler = recoveryMiddleware(logger, handler)
	handler = loggingMiddleware(logger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadTimeout:       cfg.ReadTimeout,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      cfg.WriteTimeout,
		},
		handler: handler,
		logger:  logger,
	}
}

// Handler returns the root HTTP handler for use in tests.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start begins serving HTTP requests on the configured port.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Serve accepts connections on ln. Used when the caller owns the listener.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("http server starting", "addr", ln.Addr().String())
	return s.httpServer.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("http server shutting down")
	return s.httpServer.Shutdown(ctx)
}
