package admission

import (
	"log/slog"
	"sync"
	"time"

	"photopipe/internal/logging"
)

// Decision is the outcome of a rate-limit check.
type Decision struct {
	Allowed    bool
	RetryAfter time.Duration
}

// RateLimiter enforces a cooldown between exports per user. The entry map is
// capped; when full, the oldest entry is evicted.
type RateLimiter struct {
	mu         sync.Mutex
	cooldown   time.Duration
	maxEntries int
	now        func() time.Time
	logger     *slog.Logger
	last       map[string]time.Time
}

// NewRateLimiter constructs a limiter. maxEntries <= 0 disables the cap.
func NewRateLimiter(cooldown time.Duration, maxEntries int, opts ...Option) *RateLimiter {
	o := applyOptions(opts)
	return &RateLimiter{
		cooldown:   cooldown,
		maxEntries: maxEntries,
		now:        o.now,
		logger:     o.logger.With(logging.String(logging.FieldComponent, "admission")),
		last:       make(map[string]time.Time),
	}
}

// Check reports whether userID may start an export now.
func (r *RateLimiter) Check(userID string) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()
	last, ok := r.last[userID]
	if !ok {
		return Decision{Allowed: true}
	}
	elapsed := r.now().Sub(last)
	if elapsed >= r.cooldown {
		return Decision{Allowed: true}
	}
	return Decision{Allowed: false, RetryAfter: r.cooldown - elapsed}
}

// Record stamps an export for userID.
func (r *RateLimiter) Record(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.last[userID]; !ok && r.maxEntries > 0 && len(r.last) >= r.maxEntries {
		r.evictOldestLocked()
	}
	r.last[userID] = r.now()
}

// Sweep drops entries whose cooldown has elapsed and returns how many were removed.
func (r *RateLimiter) Sweep(now time.Time) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	removed := 0
	for user, last := range r.last {
		if now.Sub(last) >= r.cooldown {
			delete(r.last, user)
			removed++
		}
	}
	if removed > 0 {
		r.logger.Debug("rate limit entries swept", logging.Int("removed", removed), logging.Int("remaining", len(r.last)))
	}
	return removed
}

// Len returns the number of tracked users.
func (r *RateLimiter) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.last)
}

func (r *RateLimiter) evictOldestLocked() {
	var (
		oldestUser string
		oldestAt   time.Time
		found      bool
	)
	for user, at := range r.last {
		if !found || at.Before(oldestAt) {
			oldestUser, oldestAt, found = user, at, true
		}
	}
	if found {
		delete(r.last, oldestUser)
	}
}
