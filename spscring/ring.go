// Package spscring implements the single-producer/single-consumer ring
// that carries buffer-slot handles from the receive thread to the worker
// thread (spec §4.C). It is a generalization of the teacher's pointer-
// payload ring (ring/ring.go) to an explicit *bufpool.Slot element type,
// with the exact ordering contract spec §4.C demands:
//
//   - exactly one goroutine calls Enqueue, exactly one calls Dequeue
//   - Enqueue fails iff (tail+1) mod S == head
//   - Dequeue fails iff head == tail
//   - Size/Empty/Full are approximations; never use them for correctness
package spscring

import (
	"sync/atomic"

	"sekr/bufpool"
	"sekr/internal/cpurelax"
)

// slot couples a payload pointer with a sequence stamp, so Enqueue/Dequeue
// can be wait-free without a separate full/empty flag.
type slot struct {
	seq uint64
	ptr *bufpool.Slot
}

// Ring is a fixed-capacity SPSC ring of *bufpool.Slot pointers. Producer
// and consumer cursors live on separate cache lines to avoid false
// sharing between the receive and worker threads.
type Ring struct {
	_    [64]byte
	head uint64 // consumer cursor, written only by the consumer

	_    [64]byte
	tail uint64 // producer cursor, written only by the producer

	_ [64]byte

	mask uint64
	step uint64
	buf  []slot
}

// New constructs a ring of the given power-of-two capacity S (16 ≤ S ≤
// 65536 per spec §3; usable capacity is S-1).
func New(size int) *Ring {
	if size < 16 || size > 65536 || size&(size-1) != 0 {
		panic("spscring: size must be a power of two in [16, 65536]")
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

// Enqueue is called only by the producer (receive thread). It returns
// false iff (tail+1) mod S == head, i.e. the ring already holds S-1
// items: one slot is always kept empty so the sequence stamp below can
// never be asked to publish into a slot the consumer has not reclaimed.
//
//go:nosplit
func (r *Ring) Enqueue(p *bufpool.Slot) bool {
	t := r.tail
	if t-atomic.LoadUint64(&r.head) >= r.mask {
		return false // ring holds S-1 items already
	}
	s := &r.buf[t&r.mask]
	s.ptr = p
	atomic.StoreUint64(&s.seq, t+1) // release: publishes ptr to the consumer
	r.tail = t + 1
	return true
}

// Dequeue is called only by the consumer (worker thread). It returns nil
// iff the ring is empty.
//
//go:nosplit
func (r *Ring) Dequeue() *bufpool.Slot {
	h := r.head
	s := &r.buf[h&r.mask]
	if atomic.LoadUint64(&s.seq) != h+1 {
		return nil // producer has not yet published to this slot
	}
	p := s.ptr
	atomic.StoreUint64(&s.seq, h+r.step) // re-stamp the slot for the producer's next lap
	atomic.StoreUint64(&r.head, h+1)     // release: frees the slot for reuse (read by Enqueue)
	return p
}

// DequeueWait busy-spins, relaxing the CPU between misses, until an item
// becomes available.
//
//go:nosplit
func (r *Ring) DequeueWait() *bufpool.Slot {
	for {
		if p := r.Dequeue(); p != nil {
			return p
		}
		cpurelax.Relax()
	}
}

// ApproxLen returns an approximate occupancy. It is racy by construction
// (head and tail are read without synchronization with each other) and
// must never be used to decide whether Enqueue/Dequeue will succeed.
func (r *Ring) ApproxLen() int {
	t := atomic.LoadUint64(&r.tail)
	h := atomic.LoadUint64(&r.head)
	return int((t - h) & r.mask)
}

// Reset resets both cursors to zero. It is only safe when both the
// producer and consumer threads are quiesced and the caller has already
// returned any in-flight pointers (spec §4.C "clear"); calling it while
// either thread is active will corrupt the sequence invariant.
func (r *Ring) Reset() {
	for i := range r.buf {
		r.buf[i].seq = uint64(i)
		r.buf[i].ptr = nil
	}
	r.head = 0
	r.tail = 0
}

// Drain repeatedly dequeues and calls release on whatever remains in the
// ring, for shutdown paths that must not leak held slots (spec §5
// "threads ... drain ring C before exiting").
func (r *Ring) Drain(release func(*bufpool.Slot)) {
	for {
		p := r.Dequeue()
		if p == nil {
			return
		}
		release(p)
	}
}
