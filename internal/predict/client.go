// Package predict calls the remote move-prediction service.
package predict

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/ashita-ai/selfplay/internal/metrics"
)

// Defaults match the prediction service's published client settings.
const (
	DefaultURL         = "http://localhost:8009/v1/predict"
	DefaultTimeout     = 3 * time.Second
	DefaultMaxAttempts = 3
	DefaultBaseDelay   = 100 * time.Millisecond
)

// Predictor returns a move for position, chosen by the model modelID.
type Predictor interface {
	Predict(ctx context.Context, position, modelID string) (string, error)
}

// Config holds the client settings. Zero fields take the defaults above.
type Config struct {
	URL         string
	Timeout     time.Duration // per attempt
	MaxAttempts int
	BaseDelay   time.Duration // first backoff; doubles after each retry
	HTTPClient  *http.Client
}

// Client is a Predictor over HTTP with bounded retries.
//
// Timeouts and transport failures are retried with exponential backoff up to
// MaxAttempts. A non-2xx status or an unusable body is returned at once.
// Every failed attempt is classified and counted on the sink.
type Client struct {
	url         string
	timeout     time.Duration
	maxAttempts int
	baseDelay   time.Duration
	httpClient  *http.Client
	sink        metrics.Sink
	logger      *slog.Logger
}

// NewClient creates a prediction client.
func NewClient(cfg Config, sink metrics.Sink, logger *slog.Logger) *Client {
	if cfg.URL == "" {
		cfg.URL = DefaultURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if sink == nil {
		sink = metrics.Noop{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		url:         cfg.URL,
		timeout:     cfg.Timeout,
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		httpClient:  cfg.HTTPClient,
		sink:        sink,
		logger:      logger,
	}
}

type predictRequest struct {
	FEN     string `json:"fen"`
	ModelID string `json:"modelId"`
}

type predictResponse struct {
	Move string `json:"move"`
}

// Predict asks the service for a move. On exhaustion the last attempt's
// error is returned. A cancelled ctx stops retrying immediately.
func (c *Client) Predict(ctx context.Context, position, modelID string) (string, error) {
	body, err := json.Marshal(predictRequest{FEN: position, ModelID: modelID})
	if err != nil {
		return "", fmt.Errorf("predict: marshal request: %w", err)
	}

	delay := c.baseDelay
	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		move, err := c.attempt(ctx, body)
		if err == nil {
			return move, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("predict: %w", ctx.Err())
		}

		c.sink.IncError(Classify(err))
		lastErr = err
		if !retriable(err) || attempt == c.maxAttempts {
			break
		}

		c.logger.Debug("predict: retrying",
			"attempt", attempt,
			"model_id", modelID,
			"delay", delay,
			"error", err,
		)
		select {
		case <-ctx.Done():
			return "", fmt.Errorf("predict: %w", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return "", lastErr
}

func (c *Client) attempt(ctx context.Context, body []byte) (string, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("predict: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if runID := RunIDFromContext(ctx); runID != "" {
		req.Header.Set("X-Run-Id", runID)
	}
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", c.wrapTransport(attemptCtx, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", &ServiceError{StatusCode: resp.StatusCode, Body: string(b)}
	}

	var out predictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		if attemptCtx.Err() != nil {
			return "", c.wrapTransport(attemptCtx, err)
		}
		return "", fmt.Errorf("%w: %v", ErrBadResponse, err)
	}
	if out.Move == "" {
		return "", fmt.Errorf("%w: empty move", ErrBadResponse)
	}
	return out.Move, nil
}

// wrapTransport turns a failed round trip into ErrTimeout or TransportError.
func (c *Client) wrapTransport(attemptCtx context.Context, err error) error {
	var netErr net.Error
	if errors.Is(attemptCtx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w after %s", ErrTimeout, c.timeout)
	}
	return &TransportError{Err: err}
}

type runIDKey struct{}

// WithRunID returns a context whose outgoing predictions carry runID in the
// X-Run-Id header.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFromContext returns the run id set by WithRunID, if any.
func RunIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(runIDKey{}).(string); ok {
		return v
	}
	return ""
}
