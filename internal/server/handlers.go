package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/ashita-ai/selfplay/internal/model"
)

// Runner is the run coordinator as seen by the HTTP layer.
type Runner interface {
	Start(ctx context.Context, req model.RunRequest) (string, error)
	Status(runID string) (model.RunState, error)
	List() []model.RunState
	Debug(ctx context.Context, games int) (model.RunState, error)
	ActiveRuns() int
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	runner              Runner
	idempotency         *idempotencyStore
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional: OpenAPISpec, IdempotencyTTL (defaults to DefaultIdempotencyTTL).
type HandlersDeps struct {
	Runner              Runner
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
	IdempotencyTTL      time.Duration
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		runner:              d.Runner,
		idempotency:         newIdempotencyStore(d.IdempotencyTTL),
		logger:              logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleHealth handles GET /healthz.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, model.HealthResponse{
		Status:     "ok",
		Version:    h.version,
		ActiveRuns: h.runner.ActiveRuns(),
		Uptime:     int64(time.Since(h.startedAt).Seconds()),
	})
}

// HandleOpenAPISpec handles GET /openapi.yaml.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs err and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}
