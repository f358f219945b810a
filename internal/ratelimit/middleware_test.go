package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/selfplay/internal/model"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) { return false, errors.New("down") }
func (brokenLimiter) Close() error                                { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})
}

func TestMiddlewareDeniesOverLimit(t *testing.T) {
	m := NewMemoryLimiter(0.5, 1)
	defer func() { _ = m.Close() }()

	h := Middleware(m, IPKeyFunc, func(*http.Request) string { return "req-1" })(okHandler())

	req := httptest.NewRequest(http.MethodPost, "/runner/selfplay/start", nil)
	req.RemoteAddr = "10.0.0.1:5555"

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "2", rec.Header().Get("Retry-After"))

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
	assert.Equal(t, "req-1", body.Meta.RequestID)

	// A different client is unaffected.
	other := httptest.NewRequest(http.MethodPost, "/runner/selfplay/start", nil)
	other.RemoteAddr = "10.0.0.2:5555"
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, other)
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := Middleware(brokenLimiter{}, IPKeyFunc, nil)(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
	assert.Equal(t, http.StatusAccepted, rec.Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	m := NewMemoryLimiter(0.001, 1)
	defer func() { _ = m.Close() }()

	h := Middleware(m, func(*http.Request) string { return "" }, nil)(okHandler())
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/", nil))
		assert.Equal(t, http.StatusAccepted, rec.Code)
	}
	assert.Equal(t, 0, m.Len())
}

func TestIPKeyFunc(t *testing.T) {
	tests := map[string]string{
		"192.168.1.10:1234": "192.168.1.10",
		"[::1]:8080":        "::1",
		"no-port":           "no-port",
	}
	for addr, want := range tests {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.RemoteAddr = addr
		assert.Equal(t, want, IPKeyFunc(req), addr)
	}
}
