package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// Local is an in-process per-producer limiter for single-replica
// deployments without Redis.
type Local struct {
	mu       sync.Mutex
	buckets  map[string]*rate.Limiter
	capacity int
	refill   rate.Limit
}

// NewLocal builds a Local limiter with the same capacity and refill
// semantics as TokenBucket.
func NewLocal(capacity int, refillPerSecond float64) *Local {
	return &Local{
		buckets:  make(map[string]*rate.Limiter),
		capacity: capacity,
		refill:   rate.Limit(refillPerSecond),
	}
}

// Allow consumes a single token from producer's bucket if one is available.
func (l *Local) Allow(_ context.Context, producer string) (Decision, error) {
	l.mu.Lock()
	lim, ok := l.buckets[producer]
	if !ok {
		lim = rate.NewLimiter(l.refill, l.capacity)
		l.buckets[producer] = lim
	}
	l.mu.Unlock()

	allowed := lim.Allow()
	return Decision{Allowed: allowed, Remaining: lim.Tokens()}, nil
}
