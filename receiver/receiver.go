// Package receiver implements the receive fast path (spec §4.F): the
// per-fragment pipeline that turns a transport fragment into a gap-checked,
// deduplicated, checkpointed slot pointer on the SPSC ring to the worker.
// Header and checksum validation happen later, in the worker.
//
// Grounded on the teacher's main.go ingestion loop structure (poll,
// dispatch, never block) generalized from WebSocket frames to the
// abstract transport.Image contract, and on §4.F's nine numbered steps
// verbatim.
package receiver

import (
	"sync/atomic"
	"time"

	"sekr/bufpool"
	"sekr/checkpoint"
	"sekr/control"
	"sekr/dedupe"
	"sekr/gapqueue"
	"sekr/internal/logx"
	"sekr/spscring"
	"sekr/transport"
	"sekr/wire"
)

// Stats is a snapshot of the receive path's counters.
type Stats struct {
	MessagesReceived    uint64
	AllocationFailures  uint64
	QueueFullFailures   uint64
	GapsDetected        uint64
	DuplicatesDetected  uint64
	ReplayBoundaryCount uint64
}

// Receiver drives one transport image into one SPSC ring, per spec §5
// ("Receive thread: producer into ring C, producer of checkpoint
// updates. Must never block on I/O, locks, or allocation.").
type Receiver struct {
	pool  *bufpool.Pool
	ring  *spscring.Ring
	ckpt  *checkpoint.Manager
	dedup *dedupe.Window
	gapq  *gapqueue.Ring

	gapTolerance   uint64
	duplicateCheck bool

	expected uint64

	messagesReceived    uint64
	allocationFailures  uint64
	queueFullFailures   uint64
	gapsDetected        uint64
	duplicatesDetected  uint64
	replayBoundaryCount uint64
}

// New constructs a Receiver. gapq may be nil if gap-recovery triggering is
// not wired (in which case gaps within tolerance are still counted, but no
// recovery request is queued).
func New(pool *bufpool.Pool, ring *spscring.Ring, ckpt *checkpoint.Manager, dedup *dedupe.Window, gapq *gapqueue.Ring, gapTolerance uint64, duplicateCheck bool) *Receiver {
	return &Receiver{
		pool:           pool,
		ring:           ring,
		ckpt:           ckpt,
		dedup:          dedup,
		gapq:           gapq,
		gapTolerance:   gapTolerance,
		duplicateCheck: duplicateCheck,
	}
}

// Stats returns a snapshot of the receive path's counters.
func (r *Receiver) Stats() Stats {
	return Stats{
		MessagesReceived:    atomic.LoadUint64(&r.messagesReceived),
		AllocationFailures:  atomic.LoadUint64(&r.allocationFailures),
		QueueFullFailures:   atomic.LoadUint64(&r.queueFullFailures),
		GapsDetected:        atomic.LoadUint64(&r.gapsDetected),
		DuplicatesDetected:  atomic.LoadUint64(&r.duplicatesDetected),
		ReplayBoundaryCount: atomic.LoadUint64(&r.replayBoundaryCount),
	}
}

// OnFragment implements transport.FragmentHandler, running the nine-step
// pipeline of spec §4.F over exactly one wire fragment.
func (r *Receiver) OnFragment(buf []byte, offset, length int, position int64) {
	// Step 1: receive timestamp.
	recvTimeNs := time.Now().UnixNano()

	// Step 2: acquire a slot.
	slot, err := r.pool.Acquire()
	if err != nil {
		atomic.AddUint64(&r.allocationFailures, 1)
		return
	}

	// Step 3: copy fragment into slot.
	frag := buf[offset : offset+length]
	headerLen := wire.HeaderSize
	if len(frag) < headerLen {
		headerLen = len(frag)
	}
	slot.Header.Decode(frag[:headerLen])
	payloadLen := len(frag) - headerLen
	if payloadLen > len(slot.Payload) {
		payloadLen = len(slot.Payload)
	}
	copy(slot.Payload[:payloadLen], frag[headerLen:headerLen+payloadLen])
	slot.ActualPayloadLength = uint32(payloadLen)
	slot.Header.RecvTimeNs = recvTimeNs

	s := slot.Header.SequenceNumber

	// Step 4: gap test.
	if r.expected == 0 {
		r.expected = s + 1
	} else if s < r.expected {
		// not a gap
	} else if s > r.expected {
		diff := s - r.expected
		if diff <= r.gapTolerance {
			atomic.AddUint64(&r.gapsDetected, 1)
			r.triggerGapRecovery(r.expected, s)
		} else {
			logx.DropMessage("receiver", "gap beyond tolerance, treating as replay boundary")
			atomic.AddUint64(&r.replayBoundaryCount, 1)
		}
	}

	// Step 5: dup test.
	if r.duplicateCheck {
		if r.dedup.Check(s) {
			r.pool.Release(slot)
			atomic.AddUint64(&r.duplicatesDetected, 1)
			return
		}
	}

	// Step 6: update expected sequence (dedup window already updated by Check).
	r.expected = s + 1

	// Step 7: enqueue.
	if !r.ring.Enqueue(slot) {
		r.pool.Release(slot)
		atomic.AddUint64(&r.queueFullFailures, 1)
		return
	}

	// Step 8: count.
	n := atomic.AddUint64(&r.messagesReceived, 1)

	// Step 9: checkpoint update.
	if r.ckpt != nil {
		r.ckpt.Update(int64(s), position, int64(n), recvTimeNs)
	}
}

// triggerGapRecovery asks the recovery dispatcher to replay [from, to) via
// the non-blocking gap queue (spec §4.F "Gap-recovery trigger... must be
// non-blocking"). If the queue is absent or full, the gap is simply
// counted; the receive path never waits.
func (r *Receiver) triggerGapRecovery(from, to uint64) {
	if r.gapq == nil {
		return
	}
	r.gapq.Push(gapqueue.Request{From: from, To: to})
}

// Run polls img in a loop, invoking OnFragment for each delivered
// fragment, until flag is stopped. On exit, drains the ring back to the
// pool so no buffer slots leak (spec §5 "drain ring C before exiting").
func (r *Receiver) Run(flag *control.Flag, img transport.Image, fragmentLimit int) error {
	for flag.Running() {
		if _, err := img.Poll(r.OnFragment, fragmentLimit); err != nil {
			logx.DropError("receiver: poll", err)
		}
	}
	r.ring.Drain(r.pool.Release)
	return nil
}
