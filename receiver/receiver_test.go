package receiver

import (
	"testing"
	"time"

	"sekr/bufpool"
	"sekr/checkpoint"
	"sekr/control"
	"sekr/dedupe"
	"sekr/gapqueue"
	"sekr/spscring"
	"sekr/transport"
	"sekr/wire"
)

// fragment builds a raw wire fragment (header + payload) for sequence seq.
func fragment(seq uint64) []byte {
	h := wire.Header{Version: 1, MessageType: 1, SequenceNumber: seq, MessageLength: wire.HeaderSize}
	h.SetMagic()
	buf := make([]byte, wire.HeaderSize)
	h.Encode(buf)
	return buf
}

// stubImage replays a fixed slice of fragments, up to fragmentLimit per Poll
// call, then reports Closed.
type stubImage struct {
	frags [][]byte
	pos   int
}

func (s *stubImage) Poll(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	delivered := 0
	for delivered < fragmentLimit && s.pos < len(s.frags) {
		f := s.frags[s.pos]
		handler(f, 0, len(f), int64(s.pos))
		s.pos++
		delivered++
	}
	return delivered, nil
}

func (s *stubImage) Position() int64 { return int64(s.pos) }
func (s *stubImage) Closed() bool    { return s.pos >= len(s.frags) }

func newTestReceiver(t *testing.T, gapTolerance uint64, dupCheck bool) (*Receiver, *spscring.Ring, *bufpool.Pool) {
	t.Helper()
	pool := bufpool.New(64)
	ring := spscring.New(64)
	dedup := dedupe.New(1000)
	return New(pool, ring, nil, dedup, nil, gapTolerance, dupCheck), ring, pool
}

func TestHappyPathDeliversAllSequencesInOrder(t *testing.T) {
	r, ring, pool := newTestReceiver(t, 5, true)
	for s := uint64(0); s < 10; s++ {
		r.OnFragment(fragment(s), 0, wire.HeaderSize, int64(s))
	}
	stats := r.Stats()
	if stats.MessagesReceived != 10 {
		t.Fatalf("expected 10 messages received, got %d", stats.MessagesReceived)
	}
	for s := uint64(0); s < 10; s++ {
		slot := ring.Dequeue()
		if slot == nil {
			t.Fatalf("expected slot for sequence %d", s)
		}
		if slot.Header.SequenceNumber != s {
			t.Fatalf("out of order: got %d want %d", slot.Header.SequenceNumber, s)
		}
		pool.Release(slot)
	}
}

func TestDuplicateIsDroppedAndCounted(t *testing.T) {
	r, ring, pool := newTestReceiver(t, 5, true)
	r.OnFragment(fragment(5), 0, wire.HeaderSize, 0)
	r.OnFragment(fragment(5), 0, wire.HeaderSize, 1)

	if r.Stats().DuplicatesDetected != 1 {
		t.Fatalf("expected 1 duplicate detected, got %d", r.Stats().DuplicatesDetected)
	}
	slot := ring.Dequeue()
	if slot == nil || slot.Header.SequenceNumber != 5 {
		t.Fatal("expected exactly one delivered slot for sequence 5")
	}
	pool.Release(slot)
	if s := ring.Dequeue(); s != nil {
		t.Fatal("expected no second slot to be enqueued for the duplicate")
	}
}

func TestGapWithinToleranceIsDetectedAndDelivered(t *testing.T) {
	r, ring, pool := newTestReceiver(t, 5, true)
	r.OnFragment(fragment(0), 0, wire.HeaderSize, 0)
	r.OnFragment(fragment(3), 0, wire.HeaderSize, 1) // skip 1,2

	if r.Stats().GapsDetected != 1 {
		t.Fatalf("expected 1 gap detected, got %d", r.Stats().GapsDetected)
	}
	s0 := ring.Dequeue()
	s3 := ring.Dequeue()
	if s0 == nil || s3 == nil || s0.Header.SequenceNumber != 0 || s3.Header.SequenceNumber != 3 {
		t.Fatal("expected both sequence 0 and 3 to be delivered despite the gap")
	}
	pool.Release(s0)
	pool.Release(s3)
}

func TestGapBeyondToleranceIsTreatedAsReplayBoundary(t *testing.T) {
	r, ring, pool := newTestReceiver(t, 2, true)
	r.OnFragment(fragment(0), 0, wire.HeaderSize, 0)
	r.OnFragment(fragment(100), 0, wire.HeaderSize, 1)

	stats := r.Stats()
	if stats.GapsDetected != 0 {
		t.Fatalf("expected no gap-detected event beyond tolerance, got %d", stats.GapsDetected)
	}
	if stats.ReplayBoundaryCount != 1 {
		t.Fatalf("expected replay boundary count 1, got %d", stats.ReplayBoundaryCount)
	}
	for i := 0; i < 2; i++ {
		if s := ring.Dequeue(); s != nil {
			pool.Release(s)
		}
	}
}

func TestGapRecoveryPushesRequestOntoGapQueueWithoutBlocking(t *testing.T) {
	pool := bufpool.New(64)
	ring := spscring.New(64)
	dedup := dedupe.New(1000)
	gapq := gapqueue.New(16)
	r := New(pool, ring, nil, dedup, gapq, 5, true)

	r.OnFragment(fragment(0), 0, wire.HeaderSize, 0)
	r.OnFragment(fragment(3), 0, wire.HeaderSize, 1)

	req, ok := gapq.Pop()
	if !ok {
		t.Fatal("expected a gap-recovery request to have been pushed")
	}
	if req.From != 1 || req.To != 3 {
		t.Fatalf("expected request {1,3}, got %+v", req)
	}
	for i := 0; i < 2; i++ {
		if s := ring.Dequeue(); s != nil {
			pool.Release(s)
		}
	}
}

func TestPoolExhaustionCountsAllocationFailure(t *testing.T) {
	pool := bufpool.New(1)
	ring := spscring.New(16)
	dedup := dedupe.New(10)
	r := New(pool, ring, nil, dedup, nil, 5, true)

	r.OnFragment(fragment(0), 0, wire.HeaderSize, 0)
	r.OnFragment(fragment(1), 0, wire.HeaderSize, 1) // pool has capacity 1, exhausted

	if r.Stats().AllocationFailures != 1 {
		t.Fatalf("expected 1 allocation failure, got %d", r.Stats().AllocationFailures)
	}
}

func TestCheckpointIsUpdatedAfterEachAcceptedMessage(t *testing.T) {
	dir := t.TempDir()
	ckpt := checkpoint.New(dir+"/chk", time.Hour)
	defer ckpt.Stop()

	pool := bufpool.New(64)
	ring := spscring.New(64)
	dedup := dedupe.New(1000)
	r := New(pool, ring, ckpt, dedup, nil, 5, true)

	r.OnFragment(fragment(0), 0, wire.HeaderSize, 77)
	d := ckpt.Snapshot()
	if d.LastSequenceNumber != 0 || d.LastPosition != 77 || d.MessageCount != 1 {
		t.Fatalf("unexpected checkpoint snapshot: %+v", d)
	}

	slot := ring.Dequeue()
	pool.Release(slot)
}

func TestRunDrainsRingOnStop(t *testing.T) {
	pool := bufpool.New(64)
	ring := spscring.New(64)
	dedup := dedupe.New(1000)
	r := New(pool, ring, nil, dedup, nil, 5, true)

	frags := [][]byte{fragment(0), fragment(1), fragment(2)}
	img := &stubImage{frags: frags}
	flag := control.New()

	done := make(chan struct{})
	go func() {
		r.Run(flag, img, 1)
		close(done)
	}()

	// Let it drain all fragments, then stop.
	for !img.Closed() {
		time.Sleep(time.Millisecond)
	}
	flag.Stop()
	<-done

	statsBefore := pool.Stats()
	if statsBefore.InUse != 0 {
		t.Fatalf("expected no slots held after Run exits, got %d in use", statsBefore.InUse)
	}
}
