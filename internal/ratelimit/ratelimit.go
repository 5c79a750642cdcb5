// internal/ratelimit/ratelimit.go
package ratelimit

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/time/rate"

	"github.com/libranexus/circulation/internal/apperr"
)

// Limiter hands out one token bucket per key. Buckets of keys idle for
// longer than the idle window are forgotten.
type Limiter struct {
	mu      sync.Mutex
	every   time.Duration
	burst   int
	buckets *expirable.LRU[string, *rate.Limiter]
}

// New creates a limiter allowing burst requests and refilling one token
// every interval. A non-positive interval disables limiting.
func New(every time.Duration, burst int, maxKeys int, idle time.Duration) *Limiter {
	if maxKeys <= 0 {
		maxKeys = 1024
	}
	if burst <= 0 {
		burst = 1
	}
	return &Limiter{
		every:   every,
		burst:   burst,
		buckets: expirable.NewLRU[string, *rate.Limiter](maxKeys, nil, idle),
	}
}

// Allow takes a token from key's bucket.
func (l *Limiter) Allow(key string) bool {
	if l == nil || l.every <= 0 {
		return true
	}
	return l.bucket(key).Allow()
}

// Check is Allow reporting ErrRateLimited.
func (l *Limiter) Check(key string) error {
	if !l.Allow(key) {
		return apperr.ErrRateLimited.With("rate limit exceeded for %s", key)
	}
	return nil
}

func (l *Limiter) bucket(key string) *rate.Limiter {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets.Get(key); ok {
		return b
	}
	b := rate.NewLimiter(rate.Every(l.every), l.burst)
	l.buckets.Add(key, b)
	return b
}
