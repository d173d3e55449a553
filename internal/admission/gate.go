package admission

import (
	"log/slog"
	"sync"
	"time"

	"photopipe/internal/logging"
	"photopipe/internal/services"
)

// Option customizes a Gate or RateLimiter.
type Option func(*options)

type options struct {
	now    func() time.Time
	logger *slog.Logger
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

func applyOptions(opts []Option) options {
	o := options{now: time.Now, logger: logging.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Gate is a single-flight lock. At most one Lease is live at a time; a lease
// older than the timeout is treated as abandoned and force-released by the
// next Acquire.
type Gate struct {
	mu         sync.Mutex
	timeout    time.Duration
	retryAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
	current    *Lease
}

// Lease is a granted hold on the gate.
type Lease struct {
	gate       *Gate
	owner      string
	acquiredAt time.Time
}

// Holder describes the current lease for introspection.
type Holder struct {
	Held       bool      `json:"held"`
	Owner      string    `json:"owner,omitempty"`
	AcquiredAt time.Time `json:"acquired_at,omitzero"`
}

// NewGate constructs a gate whose leases go stale after timeout. Busy
// responses carry retryAfter as the hint.
func NewGate(timeout, retryAfter time.Duration, opts ...Option) *Gate {
	o := applyOptions(opts)
	return &Gate{
		timeout:    timeout,
		retryAfter: retryAfter,
		now:        o.now,
		logger:     o.logger.With(logging.String(logging.FieldComponent, "admission")),
	}
}

// Acquire grants the gate to owner or fails immediately with a busy problem.
// It never blocks.
func (g *Gate) Acquire(owner string) (*Lease, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if g.current != nil {
		held := now.Sub(g.current.acquiredAt)
		if held < g.timeout {
			return nil, services.Busy("another export is in progress", g.retryAfter)
		}
		logging.WarnWithContext(g.logger, "force-releasing stale export lease", "gate_stale_release",
			logging.String("owner", g.current.owner),
			logging.Duration("held", held),
			logging.String(logging.FieldErrorHint, "an export worker exited without releasing the gate"),
			logging.String(logging.FieldImpact, "the previous export may still be writing"),
		)
		g.current = nil
	}

	lease := &Lease{gate: g, owner: owner, acquiredAt: now}
	g.current = lease
	g.logger.Debug("export lease acquired", logging.String("owner", owner))
	return lease, nil
}

// Lease returns the live lease when owner holds it. Workers use this to
// adopt the lease taken on their behalf at request time.
func (g *Gate) Lease(owner string) (*Lease, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil || g.current.owner != owner {
		return nil, false
	}
	if g.now().Sub(g.current.acquiredAt) >= g.timeout {
		return nil, false
	}
	return g.current, true
}

// Holder reports the current lease, if any.
func (g *Gate) Holder() Holder {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == nil {
		return Holder{}
	}
	return Holder{Held: true, Owner: g.current.owner, AcquiredAt: g.current.acquiredAt}
}

// Owner returns the lease owner.
func (l *Lease) Owner() string {
	if l == nil {
		return ""
	}
	return l.owner
}

// Release frees the gate. It is idempotent, and a lease that was
// force-released never frees a newer holder.
func (l *Lease) Release() {
	if l == nil || l.gate == nil {
		return
	}
	g := l.gate
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.current == l {
		g.current = nil
		g.logger.Debug("export lease released",
			logging.String("owner", l.owner),
			logging.Duration("held", g.now().Sub(l.acquiredAt)),
		)
	}
}
