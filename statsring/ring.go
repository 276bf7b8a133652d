// Package statsring implements the monitoring channel from the worker
// thread to the monitor (spec §4.D). It has the same SPSC shape as
// spscring, generalized from the teacher's ring32 (which carried a fixed
// [56]byte payload) to a fixed 32-byte Record type. Unlike spscring,
// overflow here is never fatal to the worker: Enqueue simply counts a
// drop and returns.
package statsring

import (
	"sync/atomic"

	"sekr/internal/cpurelax"
)

// Record is the fixed monitoring record emitted once per dequeued,
// dispatched message (spec §3 "SPSC Stats Ring").
type Record struct {
	Sequence uint64
	SendTs   int64
	RecvTs   int64
	Position int64
}

type slot struct {
	seq uint64
	rec Record
}

// Ring is a fixed-capacity SPSC ring of Records.
type Ring struct {
	_    [64]byte
	head uint64

	_    [64]byte
	tail uint64

	_ [64]byte

	mask    uint64
	step    uint64
	buf     []slot
	dropped int64 // count of Enqueue calls that found the ring full
}

// New constructs a ring of the given power-of-two capacity S. As in
// spscring, one slot is always kept empty, so usable capacity is S-1.
func New(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("statsring: size must be a power of two")
	}
	r := &Ring{
		mask: uint64(size - 1),
		step: uint64(size),
		buf:  make([]slot, size),
	}
	for i := range r.buf {
		r.buf[i].seq = uint64(i)
	}
	return r
}

// Enqueue is called only by the worker thread. On overflow it increments
// Dropped() and returns false; callers must not treat that as an error.
//
//go:nosplit
func (r *Ring) Enqueue(rec Record) bool {
	t := r.tail
	s := &r.buf[t&r.mask]
	// Full when the slot after tail still holds an unconsumed record.
	if atomic.LoadUint64(&s.seq) != t || atomic.LoadUint64(&r.buf[(t+1)&r.mask].seq) != t+1 {
		atomic.AddInt64(&r.dropped, 1)
		return false
	}
	s.rec = rec
	atomic.StoreUint64(&s.seq, t+1)
	r.tail = t + 1
	return true
}

// Dequeue is called only by the monitor thread.
//
//go:nosplit
func (r *Ring) Dequeue() (Record, bool) {
	h := r.head
	s := &r.buf[h&r.mask]
	if atomic.LoadUint64(&s.seq) != h+1 {
		return Record{}, false
	}
	rec := s.rec
	atomic.StoreUint64(&s.seq, h+r.step)
	r.head = h + 1
	return rec, true
}

// DequeueWait busy-spins until a record is available.
//
//go:nosplit
func (r *Ring) DequeueWait() Record {
	for {
		if rec, ok := r.Dequeue(); ok {
			return rec
		}
		cpurelax.Relax()
	}
}

// Dropped returns the total number of records lost to overflow.
func (r *Ring) Dropped() int64 {
	return atomic.LoadInt64(&r.dropped)
}
