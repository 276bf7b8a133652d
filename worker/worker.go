// Package worker implements the single consumer of the SPSC ring (spec
// §4.H): validate, deduplicate, dispatch by message type, emit a stats
// record, release the slot. Grounded on the teacher's ring24
// pinned_consumer.go adaptive idle loop (spin, then yield, then sleep),
// generalized from a fixed WebSocket-frame consumer to a type-dispatching
// message worker.
package worker

import (
	"runtime"
	"sync/atomic"
	"time"

	"sekr/bufpool"
	"sekr/control"
	"sekr/internal/cpurelax"
	"sekr/internal/logx"
	"sekr/localset"
	"sekr/spscring"
	"sekr/statsring"
	"sekr/wire"
)

// Handler processes one validated, deduplicated message. It must not
// retain slot beyond the call (spec §4.H step 5).
type Handler func(slot *bufpool.Slot)

// Stats is a snapshot of the worker's counters.
type Stats struct {
	MessagesProcessed  uint64
	InvalidMessages    uint64
	DuplicatesDetected uint64
	UnknownTypes       uint64
	StatsDropped       int64
}

const (
	spinIters  = 64
	yieldIters = 256
	idleSleep  = 10 * time.Microsecond
)

// Worker is the single consumer of a spscring.Ring.
type Worker struct {
	ring    *spscring.Ring
	stats   *statsring.Ring
	dedup   *localset.Set
	pool    *bufpool.Pool
	handler map[wire.MessageType]Handler

	messagesProcessed  uint64
	invalidMessages    uint64
	duplicatesDetected uint64
	unknownTypes       uint64
}

// New constructs a Worker. handlers maps message type to the
// user-registered handler for that type; an unregistered type is
// dispatched to nothing but still counted via UnknownTypes only if the
// type is not present in the map at all.
func New(ring *spscring.Ring, stats *statsring.Ring, dedup *localset.Set, pool *bufpool.Pool, handlers map[wire.MessageType]Handler) *Worker {
	if handlers == nil {
		handlers = map[wire.MessageType]Handler{}
	}
	return &Worker{ring: ring, stats: stats, dedup: dedup, pool: pool, handler: handlers}
}

// Stats returns a snapshot of the worker's counters.
func (w *Worker) Stats() Stats {
	return Stats{
		MessagesProcessed:  atomic.LoadUint64(&w.messagesProcessed),
		InvalidMessages:    atomic.LoadUint64(&w.invalidMessages),
		DuplicatesDetected: atomic.LoadUint64(&w.duplicatesDetected),
		UnknownTypes:       atomic.LoadUint64(&w.unknownTypes),
		StatsDropped:       w.stats.Dropped(),
	}
}

// processOne runs the 7-step pipeline of spec §4.H over one dequeued slot.
func (w *Worker) processOne(slot *bufpool.Slot) {
	// Step 1: stamp dequeue time.
	slot.WorkerDequeueTimeNs = time.Now().UnixNano()

	// Step 2: validate.
	payload := slot.Payload[:slot.ActualPayloadLength]
	if err := wire.ValidateMessage(&slot.Header, payload); err != nil {
		w.pool.Release(slot)
		atomic.AddUint64(&w.invalidMessages, 1)
		return
	}

	// Step 3: deduplicate.
	if w.dedup.CheckAndAdd(slot.Header.SequenceNumber, payload) {
		w.pool.Release(slot)
		atomic.AddUint64(&w.duplicatesDetected, 1)
		return
	}

	// Step 4/5: dispatch and invoke handler.
	h, ok := w.handler[slot.Header.MessageType]
	if !ok {
		atomic.AddUint64(&w.unknownTypes, 1)
		logx.DropMessage("worker", "unknown message type")
	} else {
		h(slot)
	}

	// Step 6: emit monitoring record.
	w.stats.Enqueue(statsring.Record{
		Sequence: slot.Header.SequenceNumber,
		SendTs:   slot.Header.PublishTimeNs,
		RecvTs:   slot.Header.RecvTimeNs,
		Position: slot.WorkerDequeueTimeNs,
	})

	atomic.AddUint64(&w.messagesProcessed, 1)

	// Step 7: release.
	w.pool.Release(slot)
}

// Run dequeues slots until flag is stopped, applying an adaptive idle
// strategy when the ring is empty: spin, then yield, then sleep for
// ~10µs, matching the teacher's pinned_consumer escalation (spec §4.H
// "Adaptive idle").
func (w *Worker) Run(flag *control.Flag) {
	idle := 0
	for flag.Running() {
		slot := w.ring.Dequeue()
		if slot == nil {
			idle++
			switch {
			case idle < spinIters:
				cpurelax.Relax()
			case idle < yieldIters:
				runtime.Gosched()
			default:
				time.Sleep(idleSleep)
			}
			continue
		}
		idle = 0
		w.processOne(slot)
	}
	w.ring.Drain(w.pool.Release)
}
