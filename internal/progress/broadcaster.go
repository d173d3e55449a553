package progress

import (
	"sync"
	"time"
)

// Stage names the phase of an export or job.
type Stage string

const (
	StagePreparing  Stage = "preparing"
	StageConverting Stage = "converting"
	StageEmbedding  Stage = "embedding"
	StagePackaging  Stage = "packaging"
	StageDone       Stage = "done"
)

// Status is the lifecycle state carried by a snapshot.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// Terminal reports whether the status ends the snapshot's lifetime.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Snapshot is the merged view of an id's progress.
type Snapshot struct {
	ID              string    `json:"id"`
	Status          Status    `json:"status"`
	Stage           Stage     `json:"stage,omitempty"`
	CurrentFile     int       `json:"current_file"`
	TotalFiles      int       `json:"total_files"`
	CurrentFileName string    `json:"current_file_name,omitempty"`
	Percent         int       `json:"percent,omitempty"`
	Message         string    `json:"message,omitempty"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Update is a partial snapshot. Zero fields leave the previous value in place.
type Update struct {
	Status          Status
	Stage           Stage
	CurrentFile     int
	TotalFiles      int
	CurrentFileName string
	Percent         int
	Message         string
}

func (s *Snapshot) merge(u Update) {
	if u.Status != "" {
		s.Status = u.Status
	}
	if u.Stage != "" {
		s.Stage = u.Stage
	}
	if u.CurrentFile != 0 {
		s.CurrentFile = u.CurrentFile
	}
	if u.TotalFiles != 0 {
		s.TotalFiles = u.TotalFiles
	}
	if u.CurrentFileName != "" {
		s.CurrentFileName = u.CurrentFileName
	}
	if u.Percent > s.Percent {
		s.Percent = u.Percent
	}
	if u.Message != "" {
		s.Message = u.Message
	}
}

const subscriptionBuffer = 16

// Broadcaster merges updates per id and pushes them to subscribers.
// Snapshots reaching a terminal status are removed after the grace period,
// closing every subscription on that id.
type Broadcaster struct {
	mu        sync.Mutex
	grace     time.Duration
	now       func() time.Time
	snapshots map[string]*Snapshot
	subs      map[string]map[*Subscription]struct{}
	timers    map[string]*time.Timer
	closed    bool
}

// NewBroadcaster constructs a broadcaster with the given terminal grace period.
func NewBroadcaster(grace time.Duration) *Broadcaster {
	return &Broadcaster{
		grace:     grace,
		now:       time.Now,
		snapshots: make(map[string]*Snapshot),
		subs:      make(map[string]map[*Subscription]struct{}),
		timers:    make(map[string]*time.Timer),
	}
}

// Subscription receives snapshots for one id on C. C is closed when the
// subscription ends.
type Subscription struct {
	C <-chan Snapshot

	id     string
	ch     chan Snapshot
	owner  *Broadcaster
	closed bool
}

// Emit merges u into the snapshot for id and delivers the result to all
// subscribers. It returns the merged snapshot.
func (b *Broadcaster) Emit(id string, u Update) Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	snap, ok := b.snapshots[id]
	if !ok || (snap.Status.Terminal() && u.Status != "" && !u.Status.Terminal()) {
		snap = &Snapshot{ID: id, Status: StatusPending}
		b.snapshots[id] = snap
	}
	snap.merge(u)
	snap.UpdatedAt = b.now()
	out := *snap

	for sub := range b.subs[id] {
		sub.deliver(out)
	}

	if out.Status.Terminal() && !b.closed {
		if timer, ok := b.timers[id]; ok {
			timer.Stop()
		}
		if b.grace <= 0 {
			b.removeLocked(id)
		} else {
			b.timers[id] = time.AfterFunc(b.grace, func() { b.expire(id, snap) })
		}
	}
	return out
}

// Subscribe registers a subscriber for id. The current snapshot, if any, is
// delivered immediately.
func (b *Broadcaster) Subscribe(id string) *Subscription {
	ch := make(chan Snapshot, subscriptionBuffer)
	sub := &Subscription{C: ch, id: id, ch: ch, owner: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		sub.closeLocked()
		return sub
	}
	if snap, ok := b.snapshots[id]; ok {
		sub.deliver(*snap)
	}
	set, ok := b.subs[id]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[id] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Snapshot returns the last merged snapshot for id.
func (b *Broadcaster) Snapshot(id string) (Snapshot, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	snap, ok := b.snapshots[id]
	if !ok {
		return Snapshot{}, false
	}
	return *snap, true
}

// Len returns the number of live snapshots.
func (b *Broadcaster) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.snapshots)
}

// Close ends every subscription and stops pending expiry timers.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id := range b.snapshots {
		b.removeLocked(id)
	}
	for id := range b.subs {
		b.removeLocked(id)
	}
}

func (b *Broadcaster) expire(id string, snap *Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	// A new run for the same id replaces the snapshot pointer.
	if current, ok := b.snapshots[id]; ok && current == snap && current.Status.Terminal() {
		b.removeLocked(id)
	}
}

func (b *Broadcaster) removeLocked(id string) {
	if timer, ok := b.timers[id]; ok {
		timer.Stop()
		delete(b.timers, id)
	}
	delete(b.snapshots, id)
	for sub := range b.subs[id] {
		sub.closeLocked()
	}
	delete(b.subs, id)
}

// Close unsubscribes. It is safe to call more than once.
func (s *Subscription) Close() {
	if s == nil || s.owner == nil {
		return
	}
	b := s.owner
	b.mu.Lock()
	defer b.mu.Unlock()
	if set, ok := b.subs[s.id]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.id)
		}
	}
	s.closeLocked()
}

// deliver never blocks the emitter: a full buffer drops its oldest snapshot.
func (s *Subscription) deliver(snap Snapshot) {
	if s.closed {
		return
	}
	for {
		select {
		case s.ch <- snap:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

func (s *Subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}
