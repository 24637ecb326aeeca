package engine

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// RateLimiter throttles live executions. A denied token defers the action to
// a later run; it is never treated as a failure.
type RateLimiter interface {
	Allow(ctx context.Context, key string) (bool, error)
}

// LocalLimiter is an in-process token bucket per key, for single-instance
// deployments.
type LocalLimiter struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
	perSec  rate.Limit
	burst   int
}

// NewLocalLimiter creates a limiter allowing perMinute executions per key
// with the given burst.
func NewLocalLimiter(perMinute, burst int) *LocalLimiter {
	perSec := rate.Limit(float64(perMinute) / 60.0)
	if perSec <= 0 {
		perSec = rate.Inf
	}
	if burst <= 0 {
		burst = 1
	}
	return &LocalLimiter{
		buckets: make(map[string]*rate.Limiter),
		perSec:  perSec,
		burst:   burst,
	}
}

// Allow consumes one token for the key.
func (l *LocalLimiter) Allow(_ context.Context, key string) (bool, error) {
	l.mu.Lock()
	b, ok := l.buckets[key]
	if !ok {
		b = rate.NewLimiter(l.perSec, l.burst)
		l.buckets[key] = b
	}
	l.mu.Unlock()
	return b.Allow(), nil
}

// unlimited allows everything; used when no limiter is configured.
type unlimited struct{}

func (unlimited) Allow(context.Context, string) (bool, error) { return true, nil }
