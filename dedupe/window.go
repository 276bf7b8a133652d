// Package dedupe implements the receive-side dedup window: a fixed-size
// ring of recently-seen sequence numbers, linearly scanned, exclusively
// owned by the receive thread (spec §3 "Dedup Window", §4.F steps 5-6).
//
// This is deliberately simpler than the teacher's dedupe.go, which
// direct-maps (block, tx, log) triples into a hash-indexed cache with a
// fingerprint to resolve collisions — that structure is the right shape
// for the worker's size-capped hash set (see package localset) but is
// overkill here: the receive window only ever needs to ask "have I seen
// this exact sequence number in the last W accepted messages", which a
// small linearly-scanned ring answers directly, matching spec §4.F's
// explicit "linear scan the W-entry dedup ring" instruction.
//
// ⚠️ Window is not safe for concurrent use. It is single-threaded to the
// receive thread by contract (spec §5).
package dedupe

// Window is a fixed-capacity ring of the last W accepted sequence numbers.
//
//go:notinheap
//go:align 64
type Window struct {
	seen []uint64 // capacity W; seen[pos] is the next slot to overwrite (the oldest once full)
	pos  int      // next write position, modulo len(seen)
	full bool     // true once every slot has been written at least once
}

// New constructs a dedup window of capacity w. w must be > 0; a window of
// capacity 1 rejects only the immediately previous sequence (spec §8
// boundary behavior).
func New(w int) *Window {
	if w <= 0 {
		panic("dedupe: window capacity must be > 0")
	}
	return &Window{seen: make([]uint64, w)}
}

// Contains reports whether seq was written into the window at any point
// still retained (i.e. within the last len(seen) accepted sequences).
//
//go:nosplit
func (w *Window) Contains(seq uint64) bool {
	limit := w.pos
	if w.full {
		limit = len(w.seen)
	}
	for i := 0; i < limit; i++ {
		if w.seen[i] == seq {
			return true
		}
	}
	return false
}

// Insert records seq as seen, evicting the oldest entry once the window
// is at capacity.
//
//go:nosplit
func (w *Window) Insert(seq uint64) {
	w.seen[w.pos] = seq
	w.pos++
	if w.pos == len(w.seen) {
		w.pos = 0
		w.full = true
	}
}

// Check is the combined Contains-then-Insert-if-new operation the receive
// fast path actually wants: it reports whether seq is a duplicate, and if
// it is not, records it. Mirrors spec §4.F steps 5-6 exactly.
//
//go:nosplit
func (w *Window) Check(seq uint64) (duplicate bool) {
	if w.Contains(seq) {
		return true
	}
	w.Insert(seq)
	return false
}
