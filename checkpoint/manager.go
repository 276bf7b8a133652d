// Package checkpoint implements the checkpoint manager (spec §4.E): four
// atomically-updated int64 values (last sequence, last transport
// position, message count, timestamp) persisted to disk via a background
// flush loop, grounded on the original implementation's
// CheckpointManager (original_source/subscriber/include/CheckpointManager.h):
// "Main Thread: update() -> Atomic store (~10ns), no I/O. Background
// Thread: periodic flush to disk, atomic rename for crash safety."
//
// The on-disk layout is fixed at 40 bytes: magic "CHKP" (0x43484B50),
// uint16 version (1), uint16 padding, then the four int64s, little-endian
// throughout — matching the binary layout the spec pins down explicitly
// (distinct from the original's iostream-based load/flush, which leaves
// the wire format unspecified).
package checkpoint

import (
	"encoding/binary"
	"errors"
	"os"
	"sync/atomic"
	"time"

	"sekr/internal/logx"
)

const (
	magic      uint32 = 0x43484B50 // "CHKP"
	fileVer    uint16 = 1
	recordSize        = 40
)

var (
	// ErrBadMagic and ErrBadVersion are returned by Load's internal parse
	// step but never escape the constructor: a parse failure is logged and
	// the manager starts fresh, per spec §4.E "Any validation failure is
	// non-fatal".
	ErrBadMagic   = errors.New("checkpoint: bad magic")
	ErrBadVersion = errors.New("checkpoint: unsupported version")
	ErrShortFile  = errors.New("checkpoint: file too short")
)

// Data is a consistent snapshot of the four persisted values.
type Data struct {
	LastSequenceNumber int64
	LastPosition       int64
	MessageCount       int64
	TimestampNs        int64
}

// Stats mirrors the original's printStatistics() counters (spec
// SUPPLEMENTED FEATURES #2).
type Stats struct {
	FlushCount    uint64
	FlushFailures uint64
}

// Manager owns the in-memory atomic checkpoint state, the background
// flush task, and the on-disk file. It must be constructed with New and
// stopped with Stop before the process exits, to guarantee the final
// flush the spec requires of the destructor.
type Manager struct {
	lastSequenceNumber int64
	lastPosition       int64
	messageCount       int64
	timestampNs        int64

	flushCount    uint64
	flushFailures uint64

	path          string
	flushInterval time.Duration

	running int32
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Manager, attempting to load path if it exists, and
// starts the background flush loop. flushInterval defaults to 1 second
// when <= 0.
func New(path string, flushInterval time.Duration) *Manager {
	if flushInterval <= 0 {
		flushInterval = time.Second
	}
	m := &Manager{
		path:          path,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	if d, err := load(path); err == nil {
		atomic.StoreInt64(&m.lastSequenceNumber, d.LastSequenceNumber)
		atomic.StoreInt64(&m.lastPosition, d.LastPosition)
		atomic.StoreInt64(&m.messageCount, d.MessageCount)
		atomic.StoreInt64(&m.timestampNs, d.TimestampNs)
	} else if !errors.Is(err, os.ErrNotExist) {
		logx.DropError("checkpoint: load", err)
	}
	atomic.StoreInt32(&m.running, 1)
	go m.flushLoop()
	return m
}

// Update is the fast-path call (spec §4.E): four relaxed atomic stores, no
// I/O, safe to call from the receive thread at any rate. It does not read a
// clock itself; the timestamp is the caller-supplied nowNs.
//
//go:nosplit
func (m *Manager) Update(seq, pos, count int64, nowNs int64) {
	atomic.StoreInt64(&m.lastSequenceNumber, seq)
	atomic.StoreInt64(&m.lastPosition, pos)
	atomic.StoreInt64(&m.messageCount, count)
	atomic.StoreInt64(&m.timestampNs, nowNs)
}

// Snapshot returns a consistent-enough read of the four atomics (not a
// single atomic transaction, matching the original's four independent
// relaxed loads).
func (m *Manager) Snapshot() Data {
	return Data{
		LastSequenceNumber: atomic.LoadInt64(&m.lastSequenceNumber),
		LastPosition:       atomic.LoadInt64(&m.lastPosition),
		MessageCount:       atomic.LoadInt64(&m.messageCount),
		TimestampNs:        atomic.LoadInt64(&m.timestampNs),
	}
}

// Stats returns the flush counters.
func (m *Manager) Stats() Stats {
	return Stats{
		FlushCount:    atomic.LoadUint64(&m.flushCount),
		FlushFailures: atomic.LoadUint64(&m.flushFailures),
	}
}

// ForceFlush performs a synchronous snapshot-and-rename, bypassing the
// background interval.
func (m *Manager) ForceFlush() {
	m.flush()
}

func (m *Manager) flushLoop() {
	defer close(m.doneCh)
	t := time.NewTicker(m.flushInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.flush()
		case <-m.stopCh:
			m.flush()
			return
		}
	}
}

func (m *Manager) flush() {
	d := m.Snapshot()
	if d.LastSequenceNumber == 0 && d.LastPosition == 0 && d.MessageCount == 0 && d.TimestampNs == 0 {
		return // no progress yet, skip per spec §4.E
	}

	var buf [recordSize]byte
	binary.LittleEndian.PutUint32(buf[0:4], magic)
	binary.LittleEndian.PutUint16(buf[4:6], fileVer)
	binary.LittleEndian.PutUint16(buf[6:8], 0)
	binary.LittleEndian.PutUint64(buf[8:16], uint64(d.LastSequenceNumber))
	binary.LittleEndian.PutUint64(buf[16:24], uint64(d.LastPosition))
	binary.LittleEndian.PutUint64(buf[24:32], uint64(d.MessageCount))
	binary.LittleEndian.PutUint64(buf[32:40], uint64(d.TimestampNs))

	tmp := m.path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		atomic.AddUint64(&m.flushFailures, 1)
		logx.DropError("checkpoint: create temp file", err)
		return
	}
	if _, err := f.Write(buf[:]); err != nil {
		f.Close()
		atomic.AddUint64(&m.flushFailures, 1)
		logx.DropError("checkpoint: write temp file", err)
		return
	}
	if err := f.Close(); err != nil {
		atomic.AddUint64(&m.flushFailures, 1)
		logx.DropError("checkpoint: close temp file", err)
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		atomic.AddUint64(&m.flushFailures, 1)
		logx.DropError("checkpoint: rename", err)
		return
	}
	atomic.AddUint64(&m.flushCount, 1)
}

// Stop halts the background flush loop and performs one final flush,
// matching the original's destructor sequence ("Stops background thread,
// performs final flush").
func (m *Manager) Stop() {
	if !atomic.CompareAndSwapInt32(&m.running, 1, 0) {
		return
	}
	close(m.stopCh)
	<-m.doneCh
}

func load(path string) (Data, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Data{}, err
	}
	if len(b) < recordSize {
		return Data{}, ErrShortFile
	}
	if binary.LittleEndian.Uint32(b[0:4]) != magic {
		return Data{}, ErrBadMagic
	}
	if binary.LittleEndian.Uint16(b[4:6]) != fileVer {
		return Data{}, ErrBadVersion
	}
	return Data{
		LastSequenceNumber: int64(binary.LittleEndian.Uint64(b[8:16])),
		LastPosition:       int64(binary.LittleEndian.Uint64(b[16:24])),
		MessageCount:       int64(binary.LittleEndian.Uint64(b[24:32])),
		TimestampNs:        int64(binary.LittleEndian.Uint64(b[32:40])),
	}, nil
}
