// Package bufpool implements the fixed-capacity, lock-free buffer pool that
// backs the receive fast path. Slots are pre-allocated once at construction;
// steady-state operation never calls into the allocator.
package bufpool

import "sekr/wire"

// Slot is a pre-allocated unit of storage sized for header + maximum
// payload plus bookkeeping (spec §3 "Buffer slot"). Slots are owned by the
// pool; at any moment a slot is either free (in the pool's free list) or
// held (its pointer in transit on a ring or in worker scope).
//
//go:notinheap
//go:align 64
type Slot struct {
	Header wire.Header // 64B wire header, recv_time_ns filled by the receiver

	Payload [wire.MaxPayloadSize]byte // raw payload bytes, wire order

	ActualPayloadLength uint32 // bytes of Payload actually populated
	WorkerDequeueTimeNs int64  // stamped by the worker for queuing latency

	inUse uint32 // CAS-managed; 0 = free, 1 = held. Owned by the pool.
}

// InUse reports whether the slot is currently checked out of the pool.
// Intended for diagnostics only — it is not a substitute for pool
// ownership discipline.
func (s *Slot) InUse() bool {
	return s.inUse != 0
}

// resetMetadata clears everything except the payload bytes, matching the
// original MessageBuffer::reset(): the 4KB payload array is left untouched
// (copy() on acquire overwrites exactly ActualPayloadLength bytes of it),
// only the header and bookkeeping fields are zeroed.
func (s *Slot) resetMetadata() {
	s.Header = wire.Header{}
	s.ActualPayloadLength = 0
	s.WorkerDequeueTimeNs = 0
}

// WireSize returns the total on-wire length of the message currently held
// in the slot: header plus the actual payload bytes copied in.
func (s *Slot) WireSize() int {
	return wire.HeaderSize + int(s.ActualPayloadLength)
}
