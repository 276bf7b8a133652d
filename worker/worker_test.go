package worker

import (
	"testing"
	"time"

	"sekr/bufpool"
	"sekr/control"
	"sekr/localset"
	"sekr/spscring"
	"sekr/statsring"
	"sekr/wire"
)

// acquire builds a valid, checksummed slot for sequence seq carrying
// msgType, ready to push straight onto a spscring.Ring.
func acquire(t *testing.T, pool *bufpool.Pool, seq uint64, msgType wire.MessageType) *bufpool.Slot {
	t.Helper()
	slot, err := pool.Acquire()
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	payload := []byte("payload")
	n := copy(slot.Payload[:], payload)
	slot.ActualPayloadLength = uint32(n)

	slot.Header = wire.Header{
		Version:        1,
		MessageType:    msgType,
		SequenceNumber: seq,
		MessageLength:  wire.HeaderSize + uint32(n),
		Flags:          wire.FlagChecksumEnabled,
	}
	slot.Header.SetMagic()
	slot.Header.Checksum = wire.ComputeCRC(&slot.Header, slot.Payload[:n])
	return slot
}

func newTestWorker(t *testing.T, handlers map[wire.MessageType]Handler) (*Worker, *spscring.Ring, *bufpool.Pool) {
	t.Helper()
	pool := bufpool.New(64)
	ring := spscring.New(64)
	stats := statsring.New(64)
	dedup := localset.New(256)
	return New(ring, stats, dedup, pool, handlers), ring, pool
}

func TestProcessOneDispatchesToRegisteredHandler(t *testing.T) {
	var dispatched []uint64
	handlers := map[wire.MessageType]Handler{
		1: func(slot *bufpool.Slot) {
			dispatched = append(dispatched, slot.Header.SequenceNumber)
		},
	}
	w, _, pool := newTestWorker(t, handlers)

	slot := acquire(t, pool, 42, 1)
	w.processOne(slot)

	if len(dispatched) != 1 || dispatched[0] != 42 {
		t.Fatalf("expected handler invoked with sequence 42, got %v", dispatched)
	}
	if s := w.Stats(); s.MessagesProcessed != 1 {
		t.Fatalf("expected 1 message processed, got %d", s.MessagesProcessed)
	}
}

func TestProcessOneCountsUnknownType(t *testing.T) {
	w, _, pool := newTestWorker(t, nil)

	slot := acquire(t, pool, 1, 99) // no handler registered for type 99
	w.processOne(slot)

	if s := w.Stats(); s.UnknownTypes != 1 {
		t.Fatalf("expected 1 unknown type, got %d", s.UnknownTypes)
	}
}

func TestProcessOneRejectsInvalidChecksum(t *testing.T) {
	w, _, pool := newTestWorker(t, nil)

	slot := acquire(t, pool, 1, 1)
	slot.Header.Checksum ^= 0xFF // corrupt
	w.processOne(slot)

	if s := w.Stats(); s.InvalidMessages != 1 {
		t.Fatalf("expected 1 invalid message, got %d", s.InvalidMessages)
	}
}

func TestProcessOneDropsDuplicateSequence(t *testing.T) {
	w, _, pool := newTestWorker(t, nil)

	w.processOne(acquire(t, pool, 7, 1))
	w.processOne(acquire(t, pool, 7, 1))

	if s := w.Stats(); s.DuplicatesDetected != 1 {
		t.Fatalf("expected 1 duplicate detected, got %d", s.DuplicatesDetected)
	}
}

func TestProcessOneEmitsStatsRecordAndReleasesSlot(t *testing.T) {
	w, _, pool := newTestWorker(t, nil)
	before := pool.Stats().InUse

	w.processOne(acquire(t, pool, 1, 1))

	if after := pool.Stats().InUse; after != before {
		t.Fatalf("expected slot released back to pool, in-use before=%d after=%d", before, after)
	}
	if rec, ok := w.stats.Dequeue(); !ok || rec.Sequence != 1 {
		t.Fatalf("expected a stats record for sequence 1, got %+v ok=%v", rec, ok)
	}
}

func TestRunDequeuesUntilStoppedAndDrainsRing(t *testing.T) {
	w, ring, pool := newTestWorker(t, nil)

	for s := uint64(0); s < 3; s++ {
		if !ring.Enqueue(acquire(t, pool, s, 1)) {
			t.Fatal("failed to enqueue test slot")
		}
	}

	flag := control.New()
	done := make(chan struct{})
	go func() {
		w.Run(flag)
		close(done)
	}()

	deadline := time.Now().Add(time.Second)
	for w.Stats().MessagesProcessed < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	flag.Stop()
	<-done

	if s := w.Stats(); s.MessagesProcessed != 3 {
		t.Fatalf("expected 3 messages processed, got %d", s.MessagesProcessed)
	}
	if got := pool.Stats().InUse; got != 0 {
		t.Fatalf("expected no slots held after Run exits, got %d in use", got)
	}
}
