package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/kansoku/internal/model"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (Decision, error) {
	return Decision{}, errors.New("down")
}
func (brokenLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	limiter := NewMemoryLimiter(1, 2)
	defer func() { _ = limiter.Close() }()

	reqID := func(*http.Request) string { return "req-1" }
	handler := Middleware(limiter, "basis", IPKeyFunc, reqID, nil)(okHandler())

	for i := range 3 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/v1/basis", nil)
		req.RemoteAddr = "192.168.1.1:12345"
		handler.ServeHTTP(rec, req)

		if i < 2 {
			assert.Equal(t, http.StatusOK, rec.Code, "request %d", i)
			continue
		}
		require.Equal(t, http.StatusTooManyRequests, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("Retry-After"), "sub-second waits round up")

		var body model.APIError
		require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
		assert.Equal(t, model.ErrCodeRateLimited, body.Error.Code)
		assert.Equal(t, "req-1", body.Meta.RequestID)
	}

	// Another address has its own bucket.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/basis", nil)
	req.RemoteAddr = "10.0.0.1:1000"
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	handler := Middleware(brokenLimiter{}, "stream", IPKeyFunc, nil, nil)(okHandler())
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMiddlewareEmptyKeySkips(t *testing.T) {
	limiter := NewMemoryLimiter(1, 1)
	defer func() { _ = limiter.Close() }()

	skip := func(*http.Request) string { return "" }
	handler := Middleware(limiter, "basis", skip, nil, nil)(okHandler())
	for range 5 {
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/basis", nil))
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

func TestRetryAfterSeconds(t *testing.T) {
	assert.Equal(t, "1", retryAfterSeconds(0))
	assert.Equal(t, "1", retryAfterSeconds(10*time.Millisecond))
	assert.Equal(t, "3", retryAfterSeconds(2100*time.Millisecond))
}

func TestIPKeyFunc(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "[::1]:5555"
	assert.Equal(t, "::1", IPKeyFunc(req))
	req.RemoteAddr = "192.168.1.1:12345"
	assert.Equal(t, "192.168.1.1", IPKeyFunc(req))
	req.RemoteAddr = "10.1.2.3"
	assert.Equal(t, "10.1.2.3", IPKeyFunc(req))
}
