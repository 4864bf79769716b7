package auth

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/HyphaGroup/agentbridge/internal/logger"
)

type limiterEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// RateLimiter provides per-caller token buckets
type RateLimiter struct {
	limiters map[string]*limiterEntry
	mu       sync.Mutex
	rate     rate.Limit
	burst    int
	now      func() time.Time
}

// NewRateLimiter allows requestsPerSecond per key with the given burst
func NewRateLimiter(requestsPerSecond float64, burst int) *RateLimiter {
	return &RateLimiter{
		limiters: make(map[string]*limiterEntry),
		rate:     rate.Limit(requestsPerSecond),
		burst:    burst,
		now:      time.Now,
	}
}

// DefaultRateLimiter allows 10 requests/second with a burst of 20
func DefaultRateLimiter() *RateLimiter {
	return NewRateLimiter(10, 20)
}

func (r *RateLimiter) entry(key string) *limiterEntry {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.limiters[key]
	if !ok {
		e = &limiterEntry{limiter: rate.NewLimiter(r.rate, r.burst)}
		r.limiters[key] = e
	}
	e.lastSeen = r.now()
	return e
}

// Allow reports whether a request for key may proceed now
func (r *RateLimiter) Allow(key string) bool {
	return r.entry(key).limiter.Allow()
}

// Len returns the number of tracked keys
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.limiters)
}

// Cleanup forgets keys idle for longer than maxAge and returns how many
// were removed
func (r *RateLimiter) Cleanup(maxAge time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-maxAge)
	removed := 0
	for key, e := range r.limiters {
		if e.lastSeen.Before(cutoff) {
			delete(r.limiters, key)
			removed++
		}
	}
	return removed
}

// RateLimitMiddleware limits requests per token, or per remote address when
// the request carries no auth context. It must run after the auth middleware.
func RateLimitMiddleware(limiter *RateLimiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := FromContext(r.Context()).Subject()
			if key == "" || key == anonymousContext.Token.ID {
				key = r.RemoteAddr
			}

			if !limiter.Allow(key) {
				logger.WarnContext(r.Context(), "rate limit exceeded", "key", key)
				w.Header().Set("Retry-After", strconv.Itoa(1))
				jsonError(w, "Rate limit exceeded. Please slow down.", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
