package selfplay

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultPollInterval is how often Wait re-reads a run's status.
const DefaultPollInterval = 500 * time.Millisecond

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the selfplay server (e.g. "http://localhost:8010").
	BaseURL string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the selfplay API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("selfplay: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  httpClient,
	}, nil
}

// StartOptions are optional settings for Start.
type StartOptions struct {
	// IdempotencyKey makes retries of the same request return the first
	// run instead of starting another one. A random key is used when empty.
	IdempotencyKey string
}

// Start submits a run and returns its ID. The run executes in the background.
func (c *Client) Start(ctx context.Context, req RunRequest, opts *StartOptions) (string, error) {
	key := ""
	if opts != nil {
		key = opts.IdempotencyKey
	}
	if key == "" {
		key = uuid.NewString()
	}

	encoded, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("selfplay: marshal request body: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runner/selfplay/start", bytes.NewReader(encoded))
	if err != nil {
		return "", fmt.Errorf("selfplay: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", key)

	var resp startResponse
	if err := c.do(httpReq, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

// Status returns the current state of a run.
func (c *Client) Status(ctx context.Context, runID string) (*Run, error) {
	var run Run
	if err := c.get(ctx, "/runner/selfplay/runs/"+url.PathEscape(runID), &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// List returns every run known to the server, newest first.
func (c *Client) List(ctx context.Context) ([]Run, error) {
	var runs []Run
	if err := c.get(ctx, "/runner/selfplay/runs", &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Debug plays a small fixed match on the server and returns its final state.
// games <= 0 uses the server default.
func (c *Client) Debug(ctx context.Context, games int) (*Run, error) {
	path := "/runner/selfplay/debug"
	if games > 0 {
		path += "?games=" + strconv.Itoa(games)
	}
	var run Run
	if err := c.get(ctx, path, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Wait polls a run until it reaches a terminal status or ctx is done. On
// cancellation the last observed state is returned with ctx's error.
// poll <= 0 uses DefaultPollInterval.
func (c *Client) Wait(ctx context.Context, runID string, poll time.Duration) (*Run, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	var last *Run
	for {
		run, err := c.Status(ctx, runID)
		if err != nil {
			if ctx.Err() != nil && last != nil {
				return last, ctx.Err()
			}
			return nil, err
		}
		if run.Status.Terminal() {
			return run, nil
		}
		last = run
		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("selfplay: create request: %w", err)
	}
	return c.do(req, dest)
}

func (c *Client) do(req *http.Request, dest any) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("selfplay: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("selfplay: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}
	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("selfplay: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
