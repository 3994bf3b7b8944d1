package middleware_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"clinic-scheduler/internal/auth"
	"clinic-scheduler/internal/middleware"
)

func echoService() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(middleware.Service(r.Context())))
	})
}

func TestAuth(t *testing.T) {
	h := middleware.Auth("s3cret")(echoService())
	good, _ := auth.MakeToken("worker", "s3cret", time.Minute)
	bad, _ := auth.MakeToken("worker", "other", time.Minute)

	tests := []struct {
		name   string
		path   string
		header string
		code   int
		body   string
	}{
		{"valid token", "/user/1", "Bearer " + good, http.StatusOK, "worker"},
		{"missing token", "/user/1", "", http.StatusUnauthorized, ""},
		{"wrong secret", "/user/1", "Bearer " + bad, http.StatusUnauthorized, ""},
		{"health is open", "/healthz", "", http.StatusOK, ""},
		{"metrics is open", "/metrics", "", http.StatusOK, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.code, rec.Code)
			if tt.code == http.StatusOK {
				assert.Equal(t, tt.body, rec.Body.String())
			}
		})
	}
}

func TestRateLimitPerIP(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rl := middleware.NewRateLimiter(ctx, 0.001, 2)
	h := middleware.RateLimit(rl)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	hit := func(addr string) int {
		req := httptest.NewRequest(http.MethodPost, "/webhook", nil)
		req.RemoteAddr = addr
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1:5000"))
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.1:5001"))
	assert.Equal(t, http.StatusTooManyRequests, hit("10.0.0.1:5002"))
	// another client has its own bucket
	assert.Equal(t, http.StatusNoContent, hit("10.0.0.2:5000"))
}
