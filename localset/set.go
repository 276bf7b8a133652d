// Package localset implements the worker-side deduplication set: a
// direct-mapped, size-capped cache of seen sequence numbers (spec §4.H
// step 3, §3 "Coarser (worker-side) dedup may use a hash set bounded by a
// high-water mark"). It is single-threaded to the worker by contract.
//
// The indexing scheme is ported from the teacher's dedupe/dedupe.go: hash
// the key into a direct-mapped slot, then compare a fingerprint to
// distinguish genuine duplicates from two different keys that happen to
// hash to the same slot. Where the teacher ages entries out by block
// height (Ethereum reorg depth), this set instead counts live entries and
// clears the whole table once the configured high-water mark is reached —
// spec §4.H is explicit that the acceptable cost of bounded memory is
// "occasional false negatives", i.e. a cleared set may let a handful of
// stale duplicates back through right after a clear, which is tolerable
// because the receive-side dedupe.Window already caught the common case.
package localset

import (
	"encoding/binary"

	"golang.org/x/crypto/sha3"
)

type entry struct {
	seq      uint64
	tagHi    uint64
	tagLo    uint64
	occupied bool
}

// Set is a fixed-capacity, direct-mapped sequence-number dedup cache.
//
//go:notinheap
//go:align 64
type Set struct {
	slots     []entry
	mask      uint64
	live      int
	highWater int
	clears    int64
}

// New constructs a set with 2*capacity slots (load-factor headroom, as in
// the teacher's localidx.Hash) and a clear-on-cap threshold of capacity
// live entries.
func New(capacity int) *Set {
	if capacity <= 0 {
		panic("localset: capacity must be > 0")
	}
	sz := nextPow2(capacity * 2)
	return &Set{
		slots:     make([]entry, sz),
		mask:      uint64(sz - 1),
		highWater: capacity,
	}
}

func nextPow2(n int) int {
	s := 1
	for s < n {
		s <<= 1
	}
	return s
}

// fingerprint derives a 128-bit content tag for seq+payload, analogous to
// the teacher's topic0-derived tagHi/tagLo.
func fingerprint(seq uint64, payload []byte) (hi, lo uint64) {
	var seqBuf [8]byte
	binary.LittleEndian.PutUint64(seqBuf[:], seq)
	sum := sha3.Sum256(append(seqBuf[:], payload...))
	hi = binary.LittleEndian.Uint64(sum[0:8])
	lo = binary.LittleEndian.Uint64(sum[8:16])
	return hi, lo
}

func mix64(x uint64) uint64 {
	x ^= x >> 33
	x *= 0xff51afd7ed558ccd
	x ^= x >> 33
	x *= 0xc4ceb9fe1a85ec53
	x ^= x >> 33
	return x
}

// CheckAndAdd reports whether (seq, payload) has already been seen. If it
// has not, it is recorded and the set may clear itself (counted in
// Clears()) if that push crosses the high-water mark.
//
//go:nosplit
func (s *Set) CheckAndAdd(seq uint64, payload []byte) (duplicate bool) {
	hi, lo := fingerprint(seq, payload)
	idx := mix64(seq) & s.mask
	e := &s.slots[idx]

	if e.occupied && e.seq == seq && e.tagHi == hi && e.tagLo == lo {
		return true
	}

	if !e.occupied {
		s.live++ // overwriting a colliding entry leaves the live count unchanged
	}
	*e = entry{seq: seq, tagHi: hi, tagLo: lo, occupied: true}
	if s.live >= s.highWater {
		s.clear()
	}
	return false
}

func (s *Set) clear() {
	for i := range s.slots {
		s.slots[i] = entry{}
	}
	s.live = 0
	s.clears++
}

// Clears returns the number of times the set has been reset after hitting
// its high-water mark.
func (s *Set) Clears() int64 {
	return s.clears
}

// Len returns the current number of live entries.
func (s *Set) Len() int {
	return s.live
}
