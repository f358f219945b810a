package selfplay

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func mockServer(t *testing.T, handlers map[string]http.HandlerFunc) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	for pattern, handler := range handlers {
		mux.HandleFunc(pattern, handler)
	}
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newTestClient(t *testing.T, serverURL string) *Client {
	t.Helper()
	c, err := NewClient(Config{BaseURL: serverURL + "/", Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("NewClient failed: %v", err)
	}
	return c
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient(Config{}); err == nil {
		t.Fatal("expected error for empty BaseURL")
	}
}

func TestStart(t *testing.T) {
	var gotKey string
	var gotBody RunRequest
	srv := mockServer(t, map[string]http.HandlerFunc{
		"POST /runner/selfplay/start": func(w http.ResponseWriter, r *http.Request) {
			gotKey = r.Header.Get("Idempotency-Key")
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &gotBody)
			writeJSON(w, http.StatusAccepted, map[string]any{"data": map[string]any{"runId": "run-1"}})
		},
	})
	c := newTestClient(t, srv.URL)

	req := RunRequest{ModelID: "cand", BaselineID: "base", Games: 10, Concurrency: 2, Seed: 7}
	id, err := c.Start(context.Background(), req, nil)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id != "run-1" {
		t.Errorf("runId = %q, want run-1", id)
	}
	if gotKey == "" {
		t.Error("expected a generated Idempotency-Key")
	}
	if gotBody != req {
		t.Errorf("body = %+v, want %+v", gotBody, req)
	}

	_, err = c.Start(context.Background(), req, &StartOptions{IdempotencyKey: "fixed"})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if gotKey != "fixed" {
		t.Errorf("Idempotency-Key = %q, want fixed", gotKey)
	}
}

func TestStartErrors(t *testing.T) {
	tests := []struct {
		name   string
		status int
		code   string
		check  func(error) bool
	}{
		{"invalid", http.StatusBadRequest, "INVALID_INPUT", IsInvalid},
		{"conflict", http.StatusConflict, "CONFLICT", IsConflict},
		{"rate limited", http.StatusTooManyRequests, "RATE_LIMITED", IsRateLimited},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := mockServer(t, map[string]http.HandlerFunc{
				"POST /runner/selfplay/start": func(w http.ResponseWriter, _ *http.Request) {
					writeJSON(w, tt.status, map[string]any{
						"error": map[string]any{"code": tt.code, "message": "nope"},
					})
				},
			})
			_, err := newTestClient(t, srv.URL).Start(context.Background(), RunRequest{}, nil)
			if !tt.check(err) {
				t.Fatalf("unexpected error: %v", err)
			}
			var apiErr *Error
			if !errors.As(err, &apiErr) {
				t.Fatalf("expected *Error, got %T", err)
			}
			if apiErr.Code != tt.code || apiErr.Message != "nope" {
				t.Errorf("error = %+v", apiErr)
			}
		})
	}
}

func TestStatusNotFound(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /runner/selfplay/runs/{id}": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusNotFound, map[string]any{
				"error": map[string]any{"code": "NOT_FOUND", "message": "run not found"},
			})
		},
	})
	_, err := newTestClient(t, srv.URL).Status(context.Background(), "missing")
	if !IsNotFound(err) {
		t.Fatalf("expected not found, got %v", err)
	}
	if IsConflict(err) || IsRateLimited(err) {
		t.Error("a 404 should match only IsNotFound")
	}
}

func TestErrorWithoutEnvelope(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /runner/selfplay/runs": func(w http.ResponseWriter, _ *http.Request) {
			http.Error(w, "upstream down", http.StatusBadGateway)
		},
	})
	_, err := newTestClient(t, srv.URL).List(context.Background())
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if apiErr.StatusCode != http.StatusBadGateway || apiErr.Code != "Bad Gateway" {
		t.Errorf("error = %+v", apiErr)
	}
}

func TestList(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /runner/selfplay/runs": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": []map[string]any{
				{"runId": "b", "status": "running", "progress": map[string]any{"played": 1, "total": 4}},
				{"runId": "a", "status": "completed", "metrics": map[string]any{"winRate": 0.75, "elo": 190.8}},
			}})
		},
	})
	runs, err := newTestClient(t, srv.URL).List(context.Background())
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len = %d, want 2", len(runs))
	}
	if runs[0].Progress.Played != 1 || runs[0].Metrics.WinRate != nil {
		t.Errorf("running run = %+v", runs[0])
	}
	if runs[1].Metrics.WinRate == nil || *runs[1].Metrics.WinRate != 0.75 {
		t.Errorf("completed run = %+v", runs[1])
	}
}

func TestDebug(t *testing.T) {
	var gotGames string
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /runner/selfplay/debug": func(w http.ResponseWriter, r *http.Request) {
			gotGames = r.URL.Query().Get("games")
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"runId": "d", "status": "completed"}})
		},
	})
	c := newTestClient(t, srv.URL)

	run, err := c.Debug(context.Background(), 3)
	if err != nil {
		t.Fatalf("Debug: %v", err)
	}
	if gotGames != "3" || run.Status != StatusCompleted {
		t.Errorf("games=%q status=%q", gotGames, run.Status)
	}

	if _, err := c.Debug(context.Background(), 0); err != nil {
		t.Fatalf("Debug: %v", err)
	}
	if gotGames != "" {
		t.Errorf("games = %q, want server default", gotGames)
	}
}

func TestWait(t *testing.T) {
	var calls atomic.Int32
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /runner/selfplay/runs/{id}": func(w http.ResponseWriter, r *http.Request) {
			status := "running"
			if calls.Add(1) >= 3 {
				status = "completed"
			}
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{
				"runId": r.PathValue("id"), "status": status,
			}})
		},
	})

	run, err := newTestClient(t, srv.URL).Wait(context.Background(), "r1", time.Millisecond)
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if run.Status != StatusCompleted || run.RunID != "r1" {
		t.Errorf("run = %+v", run)
	}
	if calls.Load() != 3 {
		t.Errorf("calls = %d, want 3", calls.Load())
	}
}

func TestWaitHonoursContext(t *testing.T) {
	srv := mockServer(t, map[string]http.HandlerFunc{
		"GET /runner/selfplay/runs/{id}": func(w http.ResponseWriter, _ *http.Request) {
			writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{"runId": "r", "status": "running"}})
		},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	run, err := newTestClient(t, srv.URL).Wait(ctx, "r", 5*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want deadline exceeded", err)
	}
	if run == nil || run.Status != StatusRunning {
		t.Errorf("expected last observed state, got %+v", run)
	}
}
