package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRateLimiterBurstThenReject(t *testing.T) {
	rl := NewRateLimiter(3)
	defer rl.Stop()

	handler := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	for i := 0; i < 3; i++ {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/api/v1/forecast", nil)
		req.RemoteAddr = "10.0.0.1:5000"
		handler.ServeHTTP(rr, req)
		if rr.Code != http.StatusNoContent {
			t.Fatalf("request %d: expected 204, got %d", i+1, rr.Code)
		}
	}

	rr := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/forecast", nil)
	req.RemoteAddr = "10.0.0.1:5001"
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429 after burst, got %d", rr.Code)
	}
	if rr.Header().Get("Retry-After") == "" {
		t.Error("expected a Retry-After header")
	}

	// A different client has its own bucket.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/forecast", nil)
	req.RemoteAddr = "10.0.0.2:5000"
	handler.ServeHTTP(rr, req)
	if rr.Code != http.StatusNoContent {
		t.Errorf("second client should not be limited, got %d", rr.Code)
	}
}

func TestRateLimiterForwardedFor(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.168.1.10:443"
	if got := clientKey(req); got != "192.168.1.10" {
		t.Errorf("clientKey() = %q, want remote host", got)
	}
	req.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	if got := clientKey(req); got != "203.0.113.7" {
		t.Errorf("clientKey() = %q, want first forwarded hop", got)
	}
}

func TestRateLimiterDisabled(t *testing.T) {
	rl := NewRateLimiter(0)
	defer rl.Stop()
	for i := 0; i < 100; i++ {
		if !rl.Allow("client") {
			t.Fatalf("limiter with 0 requests/min must not limit")
		}
	}
	if rl.Clients() != 0 {
		t.Errorf("disabled limiter should not track clients")
	}
}

func TestRateLimiterEvictsIdleClients(t *testing.T) {
	rl := NewRateLimiter(10)
	defer rl.Stop()

	now := time.Now()
	rl.now = func() time.Time { return now }
	rl.Allow("a")
	rl.Allow("b")
	if rl.Clients() != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", rl.Clients())
	}

	now = now.Add(11 * time.Minute)
	rl.Allow("b")
	rl.evictIdle()
	if rl.Clients() != 1 {
		t.Errorf("expected idle client to be evicted, %d left", rl.Clients())
	}
}

func TestRateLimiterStopIsIdempotent(t *testing.T) {
	rl := NewRateLimiter(1)
	rl.Stop()
	rl.Stop()
}
