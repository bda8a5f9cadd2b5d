package middleware

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RateLimiter enforces a per-client token bucket. Clients are keyed by the
// first X-Forwarded-For hop, falling back to the remote host.
type RateLimiter struct {
	mu             sync.Mutex
	clients        map[string]*client
	limit          rate.Limit
	burst          int
	idleTTL        time.Duration
	now            func() time.Time
	cleanupTicker  *time.Ticker
	stopOnce       sync.Once
	stopCh         chan struct{}
	requestsPerMin int
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewRateLimiter allows requestsPerMin requests per client per minute with a
// burst of the same size.
func NewRateLimiter(requestsPerMin int) *RateLimiter {
	rl := &RateLimiter{
		clients:        make(map[string]*client),
		limit:          rate.Limit(float64(requestsPerMin) / 60),
		burst:          requestsPerMin,
		idleTTL:        10 * time.Minute,
		now:            time.Now,
		cleanupTicker:  time.NewTicker(5 * time.Minute),
		stopCh:         make(chan struct{}),
		requestsPerMin: requestsPerMin,
	}

	// Cleanup stale entries every 5 minutes
	go rl.cleanup()

	return rl
}

// Middleware rejects requests over the limit with 429 and a Retry-After hint.
func (rl *RateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		res := rl.reserve(clientKey(r))
		if res == nil {
			next.ServeHTTP(w, r)
			return
		}
		if delay := res.DelayFrom(rl.now()); delay > 0 {
			res.CancelAt(rl.now())
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(delay.Seconds()))))
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]string{
				"error": "rate limit exceeded, limit is " + strconv.Itoa(rl.requestsPerMin) + " requests per minute",
			})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Allow reports whether a request from key may proceed now.
func (rl *RateLimiter) Allow(key string) bool {
	res := rl.reserve(key)
	if res == nil {
		return true
	}
	if res.DelayFrom(rl.now()) > 0 {
		res.CancelAt(rl.now())
		return false
	}
	return true
}

// reserve takes a token for key. A nil reservation means limiting is off.
func (rl *RateLimiter) reserve(key string) *rate.Reservation {
	if rl.requestsPerMin <= 0 {
		return nil
	}
	rl.mu.Lock()
	now := rl.now()
	c, ok := rl.clients[key]
	if !ok {
		c = &client{limiter: rate.NewLimiter(rl.limit, rl.burst)}
		rl.clients[key] = c
	}
	c.lastSeen = now
	rl.mu.Unlock()
	return c.limiter.ReserveN(now, 1)
}

// Clients returns the number of tracked clients.
func (rl *RateLimiter) Clients() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.clients)
}

// cleanup removes stale client entries
func (rl *RateLimiter) cleanup() {
	for {
		select {
		case <-rl.stopCh:
			return
		case <-rl.cleanupTicker.C:
			rl.evictIdle()
		}
	}
}

func (rl *RateLimiter) evictIdle() {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	now := rl.now()
	for key, c := range rl.clients {
		if now.Sub(c.lastSeen) > rl.idleTTL {
			delete(rl.clients, key)
		}
	}
}

// Stop stops the cleanup goroutine. Safe to call more than once.
func (rl *RateLimiter) Stop() {
	rl.stopOnce.Do(func() {
		rl.cleanupTicker.Stop()
		close(rl.stopCh)
	})
}

func clientKey(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first, _, _ := strings.Cut(fwd, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
