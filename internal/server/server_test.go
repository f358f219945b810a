package server_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/selfplay/internal/metrics"
	"github.com/ashita-ai/selfplay/internal/model"
	"github.com/ashita-ai/selfplay/internal/predict"
	"github.com/ashita-ai/selfplay/internal/ratelimit"
	"github.com/ashita-ai/selfplay/internal/report"
	"github.com/ashita-ai/selfplay/internal/rules"
	"github.com/ashita-ai/selfplay/internal/runner"
	"github.com/ashita-ai/selfplay/internal/server"
	"github.com/ashita-ai/selfplay/internal/testutil"
)

// fakeRunner records Start calls and serves canned states.
type fakeRunner struct {
	mu       sync.Mutex
	started  []model.RunRequest
	states   map[string]model.RunState
	startErr error
	debugErr error
	panicky  bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{states: make(map[string]model.RunState)}
}

func (f *fakeRunner) Start(_ context.Context, req model.RunRequest) (string, error) {
	if f.panicky {
		panic("boom")
	}
	if req.Games > 1000 {
		return "", fmt.Errorf("%w: games must be at most 1000", runner.ErrInvalidRequest)
	}
	if f.startErr != nil {
		return "", f.startErr
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, req)
	id := fmt.Sprintf("run-%d", len(f.started))
	f.states[id] = model.RunState{RunID: id, Status: model.RunStatusRunning, Request: req,
		Progress: model.Progress{Total: req.Games}, Results: []model.GameResult{}}
	return id, nil
}

func (f *fakeRunner) Status(runID string) (model.RunState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.states[runID]
	if !ok {
		return model.RunState{}, runner.ErrNotFound
	}
	return s, nil
}

func (f *fakeRunner) List() []model.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.RunState, 0, len(f.states))
	for _, s := range f.states {
		out = append(out, s)
	}
	return out
}

func (f *fakeRunner) Debug(_ context.Context, games int) (model.RunState, error) {
	if f.debugErr != nil {
		return model.RunState{RunID: "dbg"}, f.debugErr
	}
	return model.RunState{RunID: "dbg", Status: model.RunStatusCompleted,
		Request: runner.DebugRequest(games), Progress: model.Progress{Played: games, Total: games}}, nil
}

func (f *fakeRunner) ActiveRuns() int { return 2 }

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

type envelope struct {
	Data  json.RawMessage   `json:"data"`
	Error model.ErrorDetail `json:"error"`
	Meta  model.ResponseMeta
}

func do(t *testing.T, h http.Handler, method, path, body string, headers ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rdr)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	}
	return rec, env
}

func newTestServer(f *fakeRunner, limiter ratelimit.Limiter) http.Handler {
	return server.New(server.ServerConfig{
		Runner:              f,
		Logger:              testutil.TestLogger(),
		Limiter:             limiter,
		MetricsHandler:      http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = io.WriteString(w, "# metrics\n") }),
		Version:             "test",
		MaxRequestBodyBytes: 1024,
		OpenAPISpec:         []byte("openapi: 3.1.0\n"),
	}).Handler()
}

const validBody = `{"modelId":"cand","baselineId":"base","games":4,"concurrency":2,"seed":1}`

func TestStartRunWhileDraining(t *testing.T) {
	f := newFakeRunner()
	f.startErr = runner.ErrDraining
	f.debugErr = runner.ErrDraining
	h := newTestServer(f, nil)

	rec, env := do(t, h, http.MethodPost, "/runner/selfplay/start", validBody, "Idempotency-Key", "k-drain")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, model.ErrCodeUnavailable, env.Error.Code)

	rec, env = do(t, h, http.MethodGet, "/runner/selfplay/debug", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, model.ErrCodeUnavailable, env.Error.Code)

	// The reservation is released, so the same key works once runs are accepted.
	f.startErr = nil
	rec, _ = do(t, h, http.MethodPost, "/runner/selfplay/start", validBody, "Idempotency-Key", "k-drain")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestStartRun(t *testing.T) {
	f := newFakeRunner()
	h := newTestServer(f, nil)

	rec, env := do(t, h, http.MethodPost, "/runner/selfplay/start", validBody, "X-Request-ID", "req-42")
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "req-42", env.Meta.RequestID)

	var resp model.StartRunResponse
	require.NoError(t, json.Unmarshal(env.Data, &resp))
	assert.Equal(t, "run-1", resp.RunID)
	assert.Equal(t, model.RunRequest{ModelID: "cand", BaselineID: "base", Games: 4, Concurrency: 2, Seed: 1}, f.started[0])
}

func TestStartRunValidation(t *testing.T) {
	f := newFakeRunner()
	h := newTestServer(f, nil)

	tests := []struct {
		name string
		body string
		code int
		want string
	}{
		{"zero games", `{"modelId":"a","baselineId":"b","games":0,"concurrency":1}`, http.StatusBadRequest, "games must be positive"},
		{"zero concurrency", `{"modelId":"a","baselineId":"b","games":1,"concurrency":0}`, http.StatusBadRequest, "concurrency must be positive"},
		{"unknown field", `{"modelId":"a","baselineId":"b","games":1,"concurrency":1,"extra":true}`, http.StatusBadRequest, "unknown field"},
		{"not json", `games=1`, http.StatusBadRequest, "invalid request body"},
		{"empty", ``, http.StatusBadRequest, "empty"},
		{"over runner cap", `{"modelId":"a","baselineId":"b","games":5000,"concurrency":1}`, http.StatusBadRequest, "at most 1000"},
		{"too large", `{"modelId":"` + strings.Repeat("x", 2048) + `"}`, http.StatusRequestEntityTooLarge, "exceeds 1024 bytes"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, env := do(t, h, http.MethodPost, "/runner/selfplay/start", tt.body)
			assert.Equal(t, tt.code, rec.Code)
			assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
			assert.Contains(t, env.Error.Message, tt.want)
		})
	}
	assert.Zero(t, f.startCount())
}

func TestStartRunIdempotency(t *testing.T) {
	f := newFakeRunner()
	h := newTestServer(f, nil)

	rec1, env1 := do(t, h, http.MethodPost, "/runner/selfplay/start", validBody, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusAccepted, rec1.Code)

	rec2, env2 := do(t, h, http.MethodPost, "/runner/selfplay/start", validBody, "Idempotency-Key", "k1")
	require.Equal(t, http.StatusAccepted, rec2.Code)
	assert.Equal(t, "true", rec2.Header().Get("Idempotent-Replayed"))
	assert.JSONEq(t, string(env1.Data), string(env2.Data))
	assert.Equal(t, 1, f.startCount(), "replay must not start a second run")

	other := strings.Replace(validBody, `"games":4`, `"games":5`, 1)
	rec3, env3 := do(t, h, http.MethodPost, "/runner/selfplay/start", other, "Idempotency-Key", "k1")
	assert.Equal(t, http.StatusConflict, rec3.Code)
	assert.Equal(t, model.ErrCodeConflict, env3.Error.Code)

	rec4, _ := do(t, h, http.MethodPost, "/runner/selfplay/start", other, "Idempotency-Key", "k2")
	assert.Equal(t, http.StatusAccepted, rec4.Code)
	assert.Equal(t, 2, f.startCount())
}

func TestStartRunRateLimited(t *testing.T) {
	limiter := ratelimit.NewMemoryLimiter(0.001, 1)
	defer func() { _ = limiter.Close() }()
	h := newTestServer(newFakeRunner(), limiter)

	rec, _ := do(t, h, http.MethodPost, "/runner/selfplay/start", validBody)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec, env := do(t, h, http.MethodPost, "/runner/selfplay/start", validBody)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, model.ErrCodeRateLimited, env.Error.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
	assert.NotEmpty(t, env.Meta.RequestID)

	// Reads are not limited.
	rec, _ = do(t, h, http.MethodGet, "/runner/selfplay/runs", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestGetRun(t *testing.T) {
	f := newFakeRunner()
	h := newTestServer(f, nil)
	_, _ = do(t, h, http.MethodPost, "/runner/selfplay/start", validBody)

	rec, env := do(t, h, http.MethodGet, "/runner/selfplay/runs/run-1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state model.RunState
	require.NoError(t, json.Unmarshal(env.Data, &state))
	assert.Equal(t, "run-1", state.RunID)
	assert.Equal(t, model.RunStatusRunning, state.Status)
	assert.Equal(t, 4, state.Progress.Total)

	rec, env = do(t, h, http.MethodGet, "/runner/selfplay/runs/unknown", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)

	rec, env = do(t, h, http.MethodGet, "/runner/selfplay/runs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var list []model.RunState
	require.NoError(t, json.Unmarshal(env.Data, &list))
	assert.Len(t, list, 1)
}

func TestDebugRun(t *testing.T) {
	f := newFakeRunner()
	h := newTestServer(f, nil)

	rec, env := do(t, h, http.MethodGet, "/runner/selfplay/debug", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var state model.RunState
	require.NoError(t, json.Unmarshal(env.Data, &state))
	assert.Equal(t, 4, state.Request.Games)
	assert.Equal(t, "debug", state.Request.ModelID)

	rec, env = do(t, h, http.MethodGet, "/runner/selfplay/debug?games=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &state))
	assert.Equal(t, 10, state.Progress.Played)

	for _, q := range []string{"0", "65", "many"} {
		rec, env = do(t, h, http.MethodGet, "/runner/selfplay/debug?games="+q, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
		assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
	}

	f.debugErr = context.DeadlineExceeded
	rec, _ = do(t, h, http.MethodGet, "/runner/selfplay/debug", "")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	f.debugErr = errors.New("exploded")
	rec, env = do(t, h, http.MethodGet, "/runner/selfplay/debug", "")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, model.ErrCodeInternalError, env.Error.Code)
}

func TestHealthMetricsAndOpenAPI(t *testing.T) {
	h := newTestServer(newFakeRunner(), nil)

	rec, env := do(t, h, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var health model.HealthResponse
	require.NoError(t, json.Unmarshal(env.Data, &health))
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, "test", health.Version)
	assert.Equal(t, 2, health.ActiveRuns)

	rec, _ = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "# metrics")

	rec, _ = do(t, h, http.MethodGet, "/openapi.yaml", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/yaml", rec.Header().Get("Content-Type"))

	rec, _ = do(t, h, http.MethodDelete, "/runner/selfplay/runs/run-1", "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	f := newFakeRunner()
	f.panicky = true
	h := newTestServer(f, nil)

	rec, env := do(t, h, http.MethodPost, "/runner/selfplay/start", validBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, model.ErrCodeInternalError, env.Error.Code)
}

// TestEndToEndWithChess drives the real coordinator and chess engine through
// the HTTP surface against a prediction service that always fails, so every
// move is a random legal fallback.
func TestEndToEndWithChess(t *testing.T) {
	serve := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer serve.Close()

	prom := metrics.NewPrometheus()
	client := predict.NewClient(predict.Config{URL: serve.URL, Timeout: time.Second, MaxAttempts: 1}, prom, testutil.TestLogger())
	store := report.NewFileStore(filepath.Join(t.TempDir(), "artifacts"))
	coord := runner.New(runner.Config{
		Engine:    rules.NewChess(40),
		Predictor: client,
		Store:     store,
		Sink:      prom,
		Logger:    testutil.TestLogger(),
	})
	h := server.New(server.ServerConfig{
		Runner:         coord,
		Logger:         testutil.TestLogger(),
		MetricsHandler: prom.Handler(),
	}).Handler()

	body := bytes.NewBufferString(`{"modelId":"cand","baselineId":"base","games":3,"concurrency":2,"seed":9}`)
	req := httptest.NewRequest(http.MethodPost, "/runner/selfplay/start", body)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	var started struct {
		Data model.StartRunResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &started))

	var state model.RunState
	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runner/selfplay/runs/"+started.Data.RunID, nil))
		var env struct {
			Data model.RunState `json:"data"`
		}
		if json.Unmarshal(rec.Body.Bytes(), &env) != nil {
			return false
		}
		state = env.Data
		return state.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, model.RunStatusCompleted, state.Status)
	assert.Len(t, state.Results, 3)
	for _, r := range state.Results {
		assert.Equal(t, r.PlyCount, r.FallbackMoves, "every move should be a fallback")
		assert.LessOrEqual(t, r.PlyCount, 40)
	}
	assert.Equal(t, store.Path(state.RunID), state.ReportURI)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `chs_selfplay_errors_total{type="serve_5xx"}`)
	assert.Contains(t, rec.Body.String(), "chs_selfplay_games_total")
}
