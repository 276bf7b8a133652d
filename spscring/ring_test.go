package spscring

import (
	"testing"
	"time"

	"sekr/bufpool"
)

func TestNewPanicsOnBadSize(t *testing.T) {
	bad := []int{0, 3, 8, 70000}
	for _, sz := range bad {
		func() {
			defer func() {
				if recover() == nil {
					t.Fatalf("New(%d) should panic", sz)
				}
			}()
			_ = New(sz)
		}()
	}
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	r := New(16)
	s := &bufpool.Slot{}
	if !r.Enqueue(s) {
		t.Fatal("enqueue should succeed")
	}
	if got := r.Dequeue(); got != s {
		t.Fatalf("got %p, want %p", got, s)
	}
	if r.Dequeue() != nil {
		t.Fatal("ring should be empty")
	}
}

func TestFullRingRejectsEnqueueThenAcceptsAfterDequeue(t *testing.T) {
	r := New(16)
	var slots [15]bufpool.Slot // usable capacity is S-1 = 15
	for i := range slots {
		if !r.Enqueue(&slots[i]) {
			t.Fatalf("enqueue %d unexpectedly failed", i)
		}
	}
	if r.Enqueue(&bufpool.Slot{}) {
		t.Fatal("enqueue into full ring should fail")
	}
	if r.Dequeue() == nil {
		t.Fatal("dequeue should succeed on non-empty ring")
	}
	if !r.Enqueue(&bufpool.Slot{}) {
		t.Fatal("enqueue should succeed after one dequeue freed a slot")
	}
}

func TestFIFOOrderPreserved(t *testing.T) {
	r := New(16)
	var slots [5]bufpool.Slot
	for i := range slots {
		slots[i].ActualPayloadLength = uint32(i)
		r.Enqueue(&slots[i])
	}
	for i := range slots {
		got := r.Dequeue()
		if got.ActualPayloadLength != uint32(i) {
			t.Fatalf("out of order: got %d, want %d", got.ActualPayloadLength, i)
		}
	}
}

func TestDequeueWaitBlocksUntilEnqueue(t *testing.T) {
	r := New(16)
	want := &bufpool.Slot{}

	go func() {
		time.Sleep(5 * time.Millisecond)
		r.Enqueue(want)
	}()

	if got := r.DequeueWait(); got != want {
		t.Fatalf("got %p, want %p", got, want)
	}
}

func TestDrainReleasesRemainingSlots(t *testing.T) {
	r := New(16)
	var slots [3]bufpool.Slot
	for i := range slots {
		r.Enqueue(&slots[i])
	}
	released := 0
	r.Drain(func(*bufpool.Slot) { released++ })
	if released != 3 {
		t.Fatalf("drained %d, want 3", released)
	}
	if r.Dequeue() != nil {
		t.Fatal("ring should be empty after drain")
	}
}
