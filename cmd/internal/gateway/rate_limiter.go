package gateway

import (
	"sync"
	"time"
)

// RateLimiter is a per-connection sliding-window event limiter: at most
// limit events per window, timestamps pruned as the window slides.
type RateLimiter struct {
	mu     sync.Mutex
	events []time.Time // in arrival order
	limit  int
	window time.Duration
}

// NewRateLimiter constructs a RateLimiter, falling back to the package
// defaults when the inputs are invalid.
func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	if limit <= 0 {
		limit = rateLimitEvents
	}
	if window <= 0 {
		window = rateLimitWindow
	}
	return &RateLimiter{
		events: make([]time.Time, 0, limit+8),
		limit:  limit,
		window: window,
	}
}

// Allow reports whether an event at now fits the window budget, and
// records it when it does.
func (r *RateLimiter) Allow(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	// Events arrive in order, so everything aged out sits at the front.
	cut := now.Add(-r.window)
	stale := 0
	for stale < len(r.events) && !r.events[stale].After(cut) {
		stale++
	}
	if stale > 0 {
		r.events = append(r.events[:0], r.events[stale:]...)
	}

	if len(r.events) >= r.limit {
		return false
	}
	r.events = append(r.events, now)
	return true
}
