package ratelimit

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLimiter(t *testing.T) {
	// 10 requests per second, burst of 2: the bucket starts with 2 tokens
	limiter := NewLimiter(10, 2)

	assert.True(t, limiter.Allow("test-key"), "first request should be allowed")
	assert.True(t, limiter.Allow("test-key"), "second request should be allowed")
	assert.False(t, limiter.Allow("test-key"), "third request should be rate limited")
	assert.True(t, limiter.Allow("other-key"), "keys have separate buckets")

	// 10 req/s refills one token every 100ms
	time.Sleep(150 * time.Millisecond)
	assert.True(t, limiter.Allow("test-key"), "request after waiting should be allowed")
}

func TestMiddleware(t *testing.T) {
	limiter := NewLimiter(10, 2)
	handler := limiter.Middleware(func(r *http.Request) string {
		return "test-key"
	})(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		handler.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/queue/add", nil))
		codes = append(codes, rr.Code)
		if rr.Code == http.StatusTooManyRequests {
			assert.Equal(t, "1", rr.Header().Get("Retry-After"))
			assert.JSONEq(t, `{"error":"rate limit exceeded"}`, rr.Body.String())
		}
	}
	assert.Equal(t, []int{http.StatusOK, http.StatusOK, http.StatusTooManyRequests}, codes)
}

func TestCleanupOldLimiters(t *testing.T) {
	limiter := NewLimiter(1, 1)
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	limiter.now = func() time.Time { return now }

	limiter.Allow("old")
	now = now.Add(10 * time.Minute)
	limiter.Allow("fresh")

	assert.Equal(t, 1, limiter.CleanupOldLimiters(5*time.Minute))
	assert.Equal(t, 1, limiter.Len())
}

func TestKeyFuncs(t *testing.T) {
	tests := []struct {
		name          string
		remoteAddr    string
		xForwardedFor string
		userID        string
		expectedIP    string
		expectedUser  string
	}{
		{"direct connection", "192.168.1.1:12345", "", "", "192.168.1.1", "192.168.1.1"},
		{"behind proxy", "127.0.0.1:12345", "203.0.113.1, 10.0.0.1", "", "203.0.113.1", "203.0.113.1"},
		{"identified user", "127.0.0.1:12345", "", "alice", "127.0.0.1", "X-User-ID:alice"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/test", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xForwardedFor != "" {
				req.Header.Set("X-Forwarded-For", tt.xForwardedFor)
			}
			if tt.userID != "" {
				req.Header.Set("X-User-ID", tt.userID)
			}

			assert.Equal(t, tt.expectedIP, IPKeyFunc(req))
			assert.Equal(t, tt.expectedUser, HeaderKeyFunc("X-User-ID")(req))
		})
	}
}
