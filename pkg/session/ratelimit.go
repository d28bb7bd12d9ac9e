package session

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Default read rate limit: 100 reads per 10 seconds.
const (
	DefaultRateLimitWindow      = 10 * time.Second
	DefaultRateLimitMaxRequests = 100
)

// RateLimitConfig bounds session reads per client identifier with
// token-bucket semantics.
type RateLimitConfig struct {
	// Window is the averaging window for the bucket refill rate.
	Window time.Duration

	// MaxRequests is the bucket capacity, refilled over Window.
	MaxRequests int
}

// readLimiter holds one token bucket per client identifier. Buckets live
// in-process; a multi-node deployment limits each node independently.
type readLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	limit   rate.Limit
	burst   int
}

func newReadLimiter(cfg RateLimitConfig) *readLimiter {
	window := cfg.Window
	if window <= 0 {
		window = DefaultRateLimitWindow
	}
	maxRequests := cfg.MaxRequests
	if maxRequests <= 0 {
		maxRequests = DefaultRateLimitMaxRequests
	}
	return &readLimiter{
		buckets: make(map[string]*rate.Limiter),
		limit:   rate.Limit(float64(maxRequests) / window.Seconds()),
		burst:   maxRequests,
	}
}

func (l *readLimiter) allow(key string) bool {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.limit, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow()
}

func (l *readLimiter) forget(key string) {
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}
