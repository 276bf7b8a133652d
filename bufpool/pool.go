// pool.go — lock-free buffer pool with CAS-managed free list.
//
// Acquire/Release use the same compare-and-swap discipline as the
// teacher's localidx.Hash probe loop and PooledQuantumQueue's bitmap CAS:
// no locks, retry on contention, counters for every outcome. The contract
// allows multiple concurrent acquirers and releasers (spec §4.B); in
// practice the receive thread is the sole acquirer and the worker thread
// is the sole releaser, but nothing here depends on that.
package bufpool

import (
	"errors"
	"sync/atomic"
	"unsafe"

	"sekr/internal/logx"
)

// ErrExhausted is returned by Acquire when the pool has no free slots.
var ErrExhausted = errors.New("bufpool: exhausted")

// Pool is a fixed-capacity array of pre-allocated slots plus a CAS-managed
// free list of pointers into that array.
//
//go:notinheap
//go:align 64
type Pool struct {
	slots []Slot // backing storage; never resized after New

	_ [64]byte

	freeList  []*Slot // freeList[0:freeCount] are valid held pointers to distinct slots
	freeCount int64   // atomic; invariant freeCount ∈ [0, capacity]

	_ [64]byte

	totalAcquires      int64
	totalReleases      int64
	allocationFailures int64

	base uintptr // address of slots[0], for Release's range check
	end  uintptr // address one past slots[len(slots)-1]

	loggedBadRelease uint32 // CAS-guarded: log a programming error once
}

// Preset pool capacities named in spec §3.
const (
	Small  = 256
	Medium = 1024
	Large  = 4096
)

// New allocates a pool of the given capacity. capacity must be a power of
// two in [1, 65536], matching the teacher's ring constructors' panic-on-
// bad-size convention.
func New(capacity int) *Pool {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		panic("bufpool: capacity must be >0 and a power of two")
	}
	if capacity > 65536 {
		panic("bufpool: capacity too large (max 65536)")
	}

	p := &Pool{
		slots:    make([]Slot, capacity),
		freeList: make([]*Slot, capacity),
	}
	for i := range p.slots {
		p.freeList[i] = &p.slots[i]
	}
	p.freeCount = int64(capacity)
	p.base = uintptr(unsafe.Pointer(&p.slots[0]))
	p.end = p.base + uintptr(capacity)*unsafe.Sizeof(Slot{})
	return p
}

// Capacity returns the pool's fixed total slot count.
func (p *Pool) Capacity() int {
	return len(p.slots)
}

// Acquire takes one slot from the free list. It succeeds when free_count >
// 0: atomically decrements free_count, takes the top pointer, marks the
// slot held, and zeroes its metadata (not the payload bytes). Returns
// ErrExhausted when the pool is empty — a recoverable event, never fatal.
//
//go:nosplit
func (p *Pool) Acquire() (*Slot, error) {
	for {
		count := atomic.LoadInt64(&p.freeCount)
		if count <= 0 {
			atomic.AddInt64(&p.allocationFailures, 1)
			return nil, ErrExhausted
		}
		if atomic.CompareAndSwapInt64(&p.freeCount, count, count-1) {
			s := p.freeList[count-1]
			atomic.StoreUint32(&s.inUse, 1)
			s.resetMetadata()
			atomic.AddInt64(&p.totalAcquires, 1)
			return s, nil
		}
		// CAS lost the race; reload and retry.
	}
}

// Release returns a slot to the free list. Releasing a pointer that does
// not belong to this pool is a programming error: it is reported once via
// logx and then ignored, per spec §7 ("a loud log and no further action").
//
//go:nosplit
func (p *Pool) Release(s *Slot) {
	if s == nil {
		return
	}
	if !p.owns(s) {
		if atomic.CompareAndSwapUint32(&p.loggedBadRelease, 0, 1) {
			logx.Warn("bufpool", "Release called with pointer outside pool range")
		}
		return
	}

	atomic.StoreUint32(&s.inUse, 0)

	for {
		count := atomic.LoadInt64(&p.freeCount)
		if count >= int64(len(p.slots)) {
			// Invariant violation: more releases than acquires. Never
			// expected in correct usage; log once and drop the release
			// rather than corrupt the free list.
			if atomic.CompareAndSwapUint32(&p.loggedBadRelease, 0, 1) {
				logx.Warn("bufpool", "free list overflow on Release")
			}
			return
		}
		p.freeList[count] = s // write before the release-store below
		if atomic.CompareAndSwapInt64(&p.freeCount, count, count+1) {
			atomic.AddInt64(&p.totalReleases, 1)
			return
		}
		// CAS lost the race; the write above is harmless (overwritten by
		// the winner's retry) and we simply reload and try again.
	}
}

// owns reports whether s points inside this pool's backing array.
//
//go:nosplit
//go:inline
func (p *Pool) owns(s *Slot) bool {
	addr := uintptr(unsafe.Pointer(s))
	return addr >= p.base && addr < p.end
}

// Stats is a point-in-time snapshot of pool counters, mirroring the
// original BufferPool::Statistics shape (spec §4.B "Metrics").
type Stats struct {
	Capacity           int
	Available          int
	InUse              int
	TotalAcquires      int64
	TotalReleases      int64
	AllocationFailures int64
	Utilization        float64
}

// Stats returns a snapshot of the pool's counters. Safe to call
// concurrently with Acquire/Release; the snapshot may be momentarily
// inconsistent across fields, which is acceptable for monitoring.
func (p *Pool) Stats() Stats {
	cap := len(p.slots)
	avail := int(atomic.LoadInt64(&p.freeCount))
	inUse := cap - avail
	var util float64
	if cap > 0 {
		util = float64(inUse) / float64(cap)
	}
	return Stats{
		Capacity:           cap,
		Available:          avail,
		InUse:              inUse,
		TotalAcquires:      atomic.LoadInt64(&p.totalAcquires),
		TotalReleases:      atomic.LoadInt64(&p.totalReleases),
		AllocationFailures: atomic.LoadInt64(&p.allocationFailures),
		Utilization:        util,
	}
}
