package replaymerge

import (
	"time"

	"sekr/deadlineq"
)

// Manager supervises any number of concurrently-merging Engines sharing a
// single deadlineq.Queue tick wheel, per SPEC_FULL's deadlineq doc: "used
// by replaymerge to enforce the 5s progress timeout... across any number
// of concurrently-merging subscriptions without a per-session timer
// goroutine." One Manager owns one Queue and one ticking loop; Engines
// register when started and are dropped once they reach MERGED or FAILED.
//
// Ticks are an abstract counter, not wall-clock milliseconds: the tick
// interval given to NewManager is the wall-clock duration of one tick,
// chosen small enough that even
// the shortest configured ProgressTimeout maps to at least one tick.
// deadlineq.Queue.Expired sweeps one absolute tick at a time rather than
// comparing bucket indices, so correctness here does not depend on every
// engine's deadline staying within one TickCount-wide window of every
// other's — only on Advance() being called for every tick, which the
// caller's ticker loop guarantees.
type Manager struct {
	queue      *deadlineq.Queue
	byID       map[uint64]*Engine
	nextID     uint64
	now        int64
	tickPeriod time.Duration
}

// DefaultTickInterval comfortably covers the spec's default 5s progress
// timeout (500 ticks) while leaving headroom under deadlineq's 4096-tick
// window for several engines with staggered deadlines.
const DefaultTickInterval = 10 * time.Millisecond

// NewManager constructs a Manager. tickInterval <= 0 uses DefaultTickInterval.
func NewManager(tickInterval time.Duration) *Manager {
	if tickInterval <= 0 {
		tickInterval = DefaultTickInterval
	}
	return &Manager{
		queue:      deadlineq.New(),
		byID:       make(map[uint64]*Engine),
		tickPeriod: tickInterval,
	}
}

func (m *Manager) ticksFor(d time.Duration) int64 {
	n := int64(d / m.tickPeriod)
	if n < 1 {
		n = 1
	}
	if n >= deadlineq.TickCount {
		n = deadlineq.TickCount - 1
	}
	return n
}

// Register starts supervising e's progress timeout. Call once per Engine
// before the first Poll.
func (m *Manager) Register(e *Engine) {
	m.nextID++
	e.sessionID = m.nextID
	e.mgr = m
	m.byID[e.sessionID] = e
	if h, err := m.queue.Schedule(m.now+m.ticksFor(e.cfg.progressTimeout()), e.sessionID); err == nil {
		e.deadlineHandle = h
		e.supervised = true
	}
}

// touch reschedules e's deadline forward from now, called by Engine on
// every state transition (spec §4.G: "Progress timeout... enforced
// between any two state changes").
func (m *Manager) touch(e *Engine) {
	m.queue.Reschedule(e.deadlineHandle, m.now+m.ticksFor(e.cfg.progressTimeout()))
}

// unregister stops supervising e, e.g. once it reaches MERGED.
func (m *Manager) unregister(e *Engine) {
	m.queue.Cancel(e.deadlineHandle)
	delete(m.byID, e.sessionID)
}

// Advance moves the tick wheel forward by one tick and fails any Engine
// whose progress deadline has expired. Callers run this on a ticker at the
// tick interval given to NewManager, alongside the goroutine(s) calling
// Engine.Poll.
func (m *Manager) Advance() {
	m.now++
	var expired []uint64
	m.queue.Expired(m.now, func(sessionID uint64) {
		expired = append(expired, sessionID)
	})
	for _, id := range expired {
		if e, ok := m.byID[id]; ok {
			delete(m.byID, id)
			e.supervised = false // handle already unlinked by Expired above
			e.fail(ErrProgressTimeout)
		}
	}
}

// Active returns the number of engines currently supervised.
func (m *Manager) Active() int { return len(m.byID) }
