package ipc

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// RateLimiter provides per-identity connection rate limiting over a sliding
// window. In-memory only; the control socket is local.
type RateLimiter struct {
	maxAttempts int
	window      time.Duration
	clock       clockwork.Clock
	mu          sync.Mutex
	attempts    map[string][]time.Time
}

// NewRateLimiter creates a rate limiter with the given max attempts per window.
func NewRateLimiter(maxAttempts int, window time.Duration, clock clockwork.Clock) *RateLimiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &RateLimiter{
		maxAttempts: maxAttempts,
		window:      window,
		clock:       clock,
		attempts:    make(map[string][]time.Time),
	}
}

// Allow checks whether identity may connect. If allowed, it records the attempt.
func (r *RateLimiter) Allow(identity string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	cutoff := now.Add(-r.window)

	existing := r.attempts[identity]
	pruned := existing[:0]
	for _, t := range existing {
		if t.After(cutoff) {
			pruned = append(pruned, t)
		}
	}

	if len(pruned) >= r.maxAttempts {
		r.attempts[identity] = pruned
		return false
	}

	r.attempts[identity] = append(pruned, now)
	return true
}

// Reset clears all rate limit state.
func (r *RateLimiter) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts = make(map[string][]time.Time)
}
