package internal

import (
	"sync"
	"time"
)

// RateLimiter is a sliding-window counter keyed by caller identity, the
// client IP in practice. The clock is a field so tests can step time instead
// of sleeping.
type RateLimiter struct {
	mu     sync.Mutex
	hits   map[string][]time.Time
	limit  int
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{
		hits:   make(map[string][]time.Time),
		limit:  limit,
		window: window,
		now:    time.Now,
	}
}

// Allow records one hit for key and reports whether it stays within the
// limit. Hits older than the window are discarded on the way.
func (r *RateLimiter) Allow(key string) bool {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	windowStart := now.Add(-r.window)
	kept := r.hits[key][:0]
	for _, ts := range r.hits[key] {
		if ts.After(windowStart) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= r.limit {
		r.hits[key] = kept
		return false
	}
	r.hits[key] = append(kept, now)
	return true
}
