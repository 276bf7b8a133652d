// Package archivequeue decouples the replay-merge state machine (spec
// §4.G) from the archive/replay RPCs it drives. It is the same fixed-
// payload SPSC shape as the teacher's ring56, sized for one ArchiveCommand
// struct, so a single archive-client goroutine can serialize
// get-recording-position / start-replay / stop-replay calls without ever
// blocking the goroutine that owns the FSM's state transitions.
//
// Recovered from original_source's RecordingController, which tracked
// in-flight sessions by correlation ID: every command here carries one, so
// the archive-client goroutine can match its (necessarily async, from the
// FSM's point of view) result back to the request that caused it.
package archivequeue

import (
	"sync/atomic"

	"sekr/internal/cpurelax"
)

// CommandKind identifies which archive RPC a Command requests.
type CommandKind int32

const (
	KindGetRecordingPosition CommandKind = iota
	KindStartReplay
	KindStopReplay
	KindFindLatestRecording
)

// Command is a fixed-size request enqueued by the replay-merge FSM.
// Fields not used by a given Kind are left zero.
type Command struct {
	Correlation  uint64
	Kind         CommandKind
	RecordingID  int64
	StartPos     int64
	Length       int64
	DestStreamID int32
	_            [8]byte // padding to keep the struct a stable 56 bytes
}

type slot struct {
	val Command
	seq uint64
}

// Ring is a fixed-capacity SPSC ring of archive commands.
type Ring struct {
	_    [64]byte
	head uint64

	_    [64]byte
	tail uint64

	_ [64]byte

	mask uint64
	step uint64
	buf  []slot
}

// New constructs a ring with a power-of-two size.
func New(size int) *Ring {
	if size <= 0 || size&(size-1) != 0 {
		panic("archivequeue: size must be a power of two")
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

// Push is called only by the goroutine driving the replay-merge FSM.
//
//go:nosplit
func (r *Ring) Push(cmd Command) bool {
	t := r.tail
	s := &r.buf[t&r.mask]
	if atomic.LoadUint64(&s.seq) != t {
		return false
	}
	s.val = cmd
	atomic.StoreUint64(&s.seq, t+1)
	r.tail = t + 1
	return true
}

// Pop is called only by the archive-client goroutine.
//
//go:nosplit
func (r *Ring) Pop() (Command, bool) {
	h := r.head
	s := &r.buf[h&r.mask]
	if atomic.LoadUint64(&s.seq) != h+1 {
		return Command{}, false
	}
	val := s.val
	atomic.StoreUint64(&s.seq, h+r.step)
	r.head = h + 1
	return val, true
}

// PopWait busy-spins until a command becomes available.
//
//go:nosplit
func (r *Ring) PopWait() Command {
	for {
		if v, ok := r.Pop(); ok {
			return v
		}
		cpurelax.Relax()
	}
}
