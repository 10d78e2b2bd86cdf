package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/insforge/insforge/internal/testutil"
)

func TestRateLimiterAllow(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(2, time.Minute)
	defer rl.Stop()

	allowed, remaining, _ := rl.Allow("1.2.3.4")
	testutil.True(t, allowed, "first request allowed")
	testutil.Equal(t, 1, remaining)

	allowed, remaining, _ = rl.Allow("1.2.3.4")
	testutil.True(t, allowed, "second request allowed")
	testutil.Equal(t, 0, remaining)

	allowed, _, reset := rl.Allow("1.2.3.4")
	testutil.False(t, allowed, "third request denied")
	testutil.True(t, reset.After(time.Now()), "reset is in the future")

	// A different IP has its own budget.
	allowed, _, _ = rl.Allow("5.6.7.8")
	testutil.True(t, allowed, "other ip unaffected")
}

func TestRateLimiterMiddleware(t *testing.T) {
	t.Parallel()
	rl := NewRateLimiter(1, time.Minute)
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodPost, "/email/send-verification", nil)
	req.RemoteAddr = "9.9.9.9:1234"

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusNoContent, rec.Code)
	testutil.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	testutil.StatusCode(t, http.StatusTooManyRequests, rec.Code)
	testutil.Contains(t, rec.Body.String(), "RATE_LIMITED")
	testutil.True(t, rec.Header().Get("Retry-After") != "", "retry-after should be set on denial")
}

func TestClientIPPrefersForwardedFor(t *testing.T) {
	t.Parallel()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.1:5555"
	testutil.Equal(t, "10.0.0.1", clientIP(req))

	req.Header.Set("X-Real-IP", "2.2.2.2")
	testutil.Equal(t, "2.2.2.2", clientIP(req))

	req.Header.Set("X-Forwarded-For", "1.1.1.1, 2.2.2.2")
	testutil.Equal(t, "1.1.1.1", clientIP(req))
}
