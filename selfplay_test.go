package selfplay_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/selfplay"
	"github.com/ashita-ai/selfplay/internal/model"
	"github.com/ashita-ai/selfplay/internal/testutil"
)

type unavailablePredictor struct{}

func (unavailablePredictor) Predict(context.Context, string, string) (string, error) {
	return "", errors.New("prediction service unavailable")
}

func newApp(t *testing.T, opts ...selfplay.Option) *selfplay.App {
	t.Helper()
	t.Setenv("SELFPLAY_MAX_PLIES", "20")
	t.Setenv("SELFPLAY_REPORT_BACKEND", "file")
	t.Setenv("SELFPLAY_SHUTDOWN_DRAIN_TIMEOUT", "10s")
	base := []selfplay.Option{
		selfplay.WithLogger(testutil.TestLogger()),
		selfplay.WithVersion("test"),
		selfplay.WithArtifactsDir(t.TempDir()),
		selfplay.WithPredictor(unavailablePredictor{}),
	}
	app, err := selfplay.New(append(base, opts...)...)
	require.NoError(t, err)
	return app
}

func TestAppServesRunLifecycle(t *testing.T) {
	app := newApp(t)
	srv := httptest.NewServer(app.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/runner/selfplay/start", "application/json",
		bytes.NewBufferString(`{"modelId":"cand","baselineId":"base","games":2,"concurrency":2,"seed":1}`))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var started struct {
		Data model.StartRunResponse `json:"data"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&started))
	require.NotEmpty(t, started.Data.RunID)

	var state model.RunState
	require.Eventually(t, func() bool {
		r, err := http.Get(srv.URL + "/runner/selfplay/runs/" + started.Data.RunID)
		if err != nil {
			return false
		}
		defer func() { _ = r.Body.Close() }()
		var env struct {
			Data model.RunState `json:"data"`
		}
		if json.NewDecoder(r.Body).Decode(&env) != nil {
			return false
		}
		state = env.Data
		return state.Status.Terminal()
	}, 10*time.Second, 10*time.Millisecond)

	assert.Equal(t, model.RunStatusCompleted, state.Status)
	assert.Len(t, state.Results, 2)
	require.NotEmpty(t, state.ReportURI)
	_, err = os.Stat(state.ReportURI)
	assert.NoError(t, err, "report should be written to the artifacts dir")

	require.NoError(t, app.Shutdown(context.Background()))
}

func TestAppHealthReportsVersion(t *testing.T) {
	app := newApp(t)
	defer func() { _ = app.Shutdown(context.Background()) }()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "ok", env.Data.Status)
	assert.Equal(t, "test", env.Data.Version)
}

func TestAppServesOpenAPISpec(t *testing.T) {
	app := newApp(t)
	defer func() { _ = app.Shutdown(context.Background()) }()

	rec := httptest.NewRecorder()
	app.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/openapi.yaml", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "/runner/selfplay/start")
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	t.Setenv("SELFPLAY_REPORT_BACKEND", "s3")
	_, err := selfplay.New(selfplay.WithLogger(testutil.TestLogger()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "SELFPLAY_REPORT_BACKEND")
}

func TestRunStopsOnContextCancel(t *testing.T) {
	t.Setenv("SELFPLAY_RATE_LIMIT_ENABLED", "false")
	app := newApp(t, selfplay.WithPort(freePort(t)))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())
	return port
}
