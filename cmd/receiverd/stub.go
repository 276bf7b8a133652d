// Synthetic transport.Image/ArchiveClient/ImageFactory implementations,
// standing in for the real Aeron-like transport and archive that spec §1
// places out of scope ("connection setup, channel parsing... and archive
// protocol wiring are explicitly out of scope"). Grounded on the teacher's
// processEventStream, which likewise owns one in-process generator of wire
// traffic (there a WebSocket frame parser) feeding the same OnFragment
// contract this stub feeds.
package main

import (
	"math/rand"
	"sync"
	"time"

	"sekr/transport"
	"sekr/wire"
)

// stubImage manufactures a monotonically increasing sequence of valid wire
// messages every Poll call, simulating a live transport image. dropRate
// occasionally skips a sequence number to exercise gap-recovery.
type stubImage struct {
	mu       sync.Mutex
	next     uint64
	session  uint64
	dropRate float64
	buf      [wire.HeaderSize + 64]byte
	closed   bool
}

func newStubImage(startSeq uint64, session uint64, dropRate float64) *stubImage {
	return &stubImage{next: startSeq, session: session, dropRate: dropRate}
}

func (s *stubImage) Poll(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, nil
	}

	n := 0
	for n < fragmentLimit {
		seq := s.next
		s.next++
		if s.dropRate > 0 && rand.Float64() < s.dropRate {
			continue // simulate a lost message: sequence number is skipped
		}

		payload := s.buf[wire.HeaderSize:]
		for i := range payload {
			payload[i] = byte(seq + uint64(i))
		}

		now := time.Now().UnixNano()
		h := wire.Header{
			Version:        1,
			MessageType:    1,
			SequenceNumber: seq,
			EventTimeNs:    now - int64(time.Millisecond),
			PublishTimeNs:  now,
			MessageLength:  uint32(len(s.buf)),
			SessionID:      s.session,
			Flags:          wire.FlagChecksumEnabled,
		}
		h.SetMagic()
		h.Checksum = wire.ComputeCRC(&h, payload)
		h.Encode(s.buf[:wire.HeaderSize])

		handler(s.buf[:], 0, len(s.buf), int64(seq))
		n++
	}
	return n, nil
}

func (s *stubImage) Position() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(s.next)
}

func (s *stubImage) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *stubImage) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
}

// stubArchive answers replay-merge RPCs against an in-memory "recording"
// covering sequence numbers [0, writeHead) at the moment each call runs.
type stubArchive struct {
	mu        sync.Mutex
	writeHead int64
}

func (a *stubArchive) advance(n int64) {
	a.mu.Lock()
	a.writeHead += n
	a.mu.Unlock()
}

func (a *stubArchive) FindLastMatchingRecording(minID int64, channelFragment string, stream int32, anySession bool) (int64, bool, error) {
	return 1, true, nil
}

func (a *stubArchive) GetRecordingPosition(id int64) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.writeHead, nil
}

func (a *stubArchive) StartReplay(id int64, startPos, length int64, destChannel string, destStream int32) (transport.ReplaySession, error) {
	return transport.ReplaySession(1), nil
}

func (a *stubArchive) StopReplay(session transport.ReplaySession) error {
	return nil
}

// stubFactory opens a stubImage per channel, keyed by name so the same
// channel string always resolves to the same image instance within a run.
type stubFactory struct {
	mu     sync.Mutex
	images map[string]*stubImage
}

func newStubFactory() *stubFactory {
	return &stubFactory{images: map[string]*stubImage{}}
}

func (f *stubFactory) OpenImage(channel string, streamID int32) (transport.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if img, ok := f.images[channel]; ok {
		return img, nil
	}
	img := newStubImage(0, 1, 0)
	f.images[channel] = img
	return img, nil
}

func (f *stubFactory) CloseImage(img transport.Image) error {
	if si, ok := img.(*stubImage); ok {
		si.Close()
	}
	return nil
}
