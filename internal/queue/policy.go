package queue

import (
	"time"

	"photopipe/internal/config"
)

// Policy tunes one broker queue.
type Policy struct {
	Concurrency   int
	RatePerMinute int
	Attempts      int
	Backoff       time.Duration
	Exponential   bool
}

// Delay returns the wait before retrying after the given failed attempt.
func (p Policy) Delay(attempt int) time.Duration {
	if !p.Exponential || attempt <= 1 {
		return p.Backoff
	}
	shift := min(attempt-1, 16)
	return p.Backoff << shift
}

// ShouldRetry reports whether another attempt follows the given one.
func (p Policy) ShouldRetry(attempt int) bool {
	return attempt < max(p.Attempts, 1)
}

// Policies derives per-queue broker policies from configuration. Process
// jobs back off exponentially; exports retry on a fixed delay.
func Policies(cfg *config.Config) map[Name]Policy {
	q := cfg.Queue
	return map[Name]Policy{
		Process: {
			Concurrency:   max(q.ProcessConcurrency, 1),
			RatePerMinute: q.ProcessRatePerMinute,
			Attempts:      max(q.ProcessAttempts, 1),
			Backoff:       time.Duration(q.ProcessBackoff) * time.Second,
			Exponential:   true,
		},
		Export: {
			Concurrency:   max(q.ExportConcurrency, 1),
			RatePerMinute: q.ExportRatePerMinute,
			Attempts:      max(q.ExportAttempts, 1),
			Backoff:       time.Duration(q.ExportBackoff) * time.Second,
		},
	}
}
