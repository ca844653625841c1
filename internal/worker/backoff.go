package worker

import (
	"math"
	"time"
)

// Backoff is the delay applied after consecutive failures. It starts at the
// floor, grows by factor after every use and returns to the floor only after
// a fully successful cycle. It is owned by one Loop and never persisted.
type Backoff struct {
	floor   time.Duration
	factor  float64
	max     time.Duration
	current time.Duration
}

// NewBackoff builds a Backoff. A max of zero leaves growth unbounded.
func NewBackoff(floor time.Duration, factor float64, max time.Duration) Backoff {
	if factor < 1 {
		factor = 1
	}
	return Backoff{floor: floor, factor: factor, max: max, current: floor}
}

// Current is the delay the next failure will wait.
func (b *Backoff) Current() time.Duration {
	return b.current
}

// Next returns the delay to wait now and grows the following one.
func (b *Backoff) Next() time.Duration {
	d := b.current
	grown := float64(b.current) * b.factor
	if grown >= math.MaxInt64 {
		b.current = time.Duration(math.MaxInt64)
	} else {
		b.current = time.Duration(grown)
	}
	if b.max > 0 && b.current > b.max {
		b.current = b.max
	}
	return d
}

// Reset returns the delay to the floor.
func (b *Backoff) Reset() {
	b.current = b.floor
}
