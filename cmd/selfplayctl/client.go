package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/selfplay/internal/model"
)

// apiClient speaks the run control API of a selfplay server.
type apiClient struct {
	baseURL string
	http    *http.Client
}

func newAPIClient(addr string, timeout time.Duration) *apiClient {
	return &apiClient{
		baseURL: strings.TrimRight(addr, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *apiClient) start(ctx context.Context, req model.RunRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/runner/selfplay/start", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Idempotency-Key", uuid.NewString())

	var resp model.StartRunResponse
	if err := c.do(httpReq, &resp); err != nil {
		return "", err
	}
	return resp.RunID, nil
}

func (c *apiClient) status(ctx context.Context, runID string) (model.RunState, error) {
	var state model.RunState
	err := c.get(ctx, "/runner/selfplay/runs/"+url.PathEscape(runID), &state)
	return state, err
}

func (c *apiClient) list(ctx context.Context) ([]model.RunState, error) {
	var runs []model.RunState
	err := c.get(ctx, "/runner/selfplay/runs", &runs)
	return runs, err
}

// wait polls runID until it is terminal or ctx is done.
func (c *apiClient) wait(ctx context.Context, runID string, poll time.Duration) (model.RunState, error) {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		state, err := c.status(ctx, runID)
		if err != nil {
			return state, err
		}
		if state.Status.Terminal() {
			return state, nil
		}
		select {
		case <-ctx.Done():
			return state, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *apiClient) get(ctx context.Context, path string, dest any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, dest)
}

func (c *apiClient) do(req *http.Request, dest any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr model.APIError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("server returned %d %s: %s", resp.StatusCode, apiErr.Error.Code, apiErr.Error.Message)
		}
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return json.Unmarshal(envelope.Data, dest)
}
