package stream

import (
	"context"
	"sync"
	"time"
)

// RateLimiter is a token bucket bounding rows/second emitted by a
// source. A zero limit means unlimited. Throttle mutations retune the
// limit between barriers.
type RateLimiter struct {
	mu     sync.Mutex
	limit  int
	tokens float64
	last   time.Time
}

// NewRateLimiter creates a limiter; limit is rows/second, 0 = unlimited
func NewRateLimiter(limit int) *RateLimiter {
	return &RateLimiter{limit: limit, last: time.Now()}
}

// SetLimit retunes the limiter
func (r *RateLimiter) SetLimit(limit int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.limit = limit
	r.tokens = 0
	r.last = time.Now()
}

// Limit returns the current limit
func (r *RateLimiter) Limit() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.limit
}

// Wait blocks until n rows may be emitted
func (r *RateLimiter) Wait(ctx context.Context, n int) error {
	for {
		r.mu.Lock()
		if r.limit <= 0 {
			r.mu.Unlock()
			return nil
		}
		now := time.Now()
		r.tokens += now.Sub(r.last).Seconds() * float64(r.limit)
		if max := float64(r.limit); r.tokens > max {
			r.tokens = max
		}
		r.last = now
		if r.tokens >= float64(n) {
			r.tokens -= float64(n)
			r.mu.Unlock()
			return nil
		}
		missing := float64(n) - r.tokens
		wait := time.Duration(missing / float64(r.limit) * float64(time.Second))
		r.mu.Unlock()

		select {
		case <-time.After(wait):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
