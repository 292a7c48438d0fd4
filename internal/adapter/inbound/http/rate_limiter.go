package http

import (
	"fmt"
	"net/http"
	"sync"
	"time"
)

// rateLimitEntry tracks request counts for a single client.
type rateLimitEntry struct {
	count   int
	resetAt time.Time
}

// rateLimiter is a fixed-window per-client limiter for the password endpoints,
// so a 5-digit password cannot be enumerated through the API.
type rateLimiter struct {
	mu          sync.Mutex
	entries     map[string]*rateLimitEntry
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

func newRateLimiter(maxRequests int, window time.Duration) *rateLimiter {
	return &rateLimiter{
		entries:     make(map[string]*rateLimitEntry),
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

// allow checks if key may make another request.
// Returns (allowed, secondsUntilReset).
func (rl *rateLimiter) allow(key string) (bool, int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()

	for k, e := range rl.entries {
		if now.After(e.resetAt) {
			delete(rl.entries, k)
		}
	}

	entry, ok := rl.entries[key]
	if !ok {
		rl.entries[key] = &rateLimitEntry{count: 1, resetAt: now.Add(rl.window)}
		return true, 0
	}

	if entry.count >= rl.maxRequests {
		retryAfter := int(entry.resetAt.Sub(now).Seconds()) + 1
		if retryAfter < 1 {
			retryAfter = 1
		}
		return false, retryAfter
	}

	entry.count++
	return true, 0
}

// middleware responds 429 with Retry-After once a client exceeds the limit.
// A limiter with maxRequests <= 0 lets everything through.
func (rl *rateLimiter) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if rl.maxRequests <= 0 {
			next.ServeHTTP(w, r)
			return
		}
		allowed, retryAfter := rl.allow(clientIP(r))
		if !allowed {
			LoggerFromContext(r.Context()).Warn("password rate limit exceeded", "client", clientIP(r))
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Retry-After", fmt.Sprintf("%d", retryAfter))
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = fmt.Fprint(w, `{"error":"rate limit exceeded"}`)
			return
		}
		next.ServeHTTP(w, r)
	})
}
