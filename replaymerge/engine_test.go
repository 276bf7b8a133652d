package replaymerge

import (
	"sync"
	"testing"
	"time"

	"sekr/transport"
)

// fakeImage is an in-memory transport.Image backed by a slice of positions,
// draining up to fragmentLimit fragments per Poll call once armed.
type fakeImage struct {
	mu       sync.Mutex
	frags    []int64 // positions to deliver, in order
	closed   bool
}

func (f *fakeImage) Poll(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for n < fragmentLimit && len(f.frags) > 0 {
		pos := f.frags[0]
		f.frags = f.frags[1:]
		handler([]byte("x"), 0, 1, pos)
		n++
	}
	return n, nil
}

func (f *fakeImage) Position() int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.frags) == 0 {
		return 0
	}
	return f.frags[0]
}

func (f *fakeImage) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed && len(f.frags) == 0
}

func (f *fakeImage) push(positions ...int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.frags = append(f.frags, positions...)
}

type fakeFactory struct {
	mu     sync.Mutex
	images map[string]*fakeImage
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{images: map[string]*fakeImage{}}
}

func (f *fakeFactory) OpenImage(channel string, streamID int32) (transport.Image, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	img := &fakeImage{}
	f.images[channel] = img
	return img, nil
}

func (f *fakeFactory) CloseImage(img transport.Image) error { return nil }

func (f *fakeFactory) image(channel string) *fakeImage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[channel]
}

type fakeArchive struct {
	recordingID  int64
	stopPosition int64
	replayErr    error
}

func (a *fakeArchive) FindLastMatchingRecording(minID int64, channelFragment string, stream int32, anySession bool) (int64, bool, error) {
	if a.recordingID == 0 {
		return 0, false, nil
	}
	return a.recordingID, true, nil
}

func (a *fakeArchive) GetRecordingPosition(id int64) (int64, error) {
	return a.stopPosition, nil
}

func (a *fakeArchive) StartReplay(id int64, startPos, length int64, destChannel string, destStream int32) (transport.ReplaySession, error) {
	if a.replayErr != nil {
		return 0, a.replayErr
	}
	return transport.ReplaySession(1), nil
}

func (a *fakeArchive) StopReplay(session transport.ReplaySession) error { return nil }

func waitForState(t *testing.T, e *Engine, s State, img *fakeImage, pushPositions []int64, timeout time.Duration) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	pushed := false
	for time.Now().Before(deadline) {
		n, _ := e.Poll(func([]byte, int, int, int64) {}, 16)
		_ = n
		if !pushed && img != nil {
			img.push(pushPositions...)
			pushed = true
		}
		if e.State() == s {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("engine did not reach state %s within %s (state=%s, err=%v)", s, timeout, e.State(), e.Err())
}

func TestMergeHappyPath(t *testing.T) {
	archive := &fakeArchive{recordingID: 7, stopPosition: 1000}
	factory := newFakeFactory()

	cfg := Config{
		Channel:         "live",
		StreamID:        1,
		ReplayChannel:   "replay",
		ReplayStreamID:  2,
		RecordingID:     7,
		StartPosition:   500,
		ProgressTimeout: time.Second,
		CatchupEpsilon:  0,
	}
	e := New(archive, factory, cfg)
	defer e.Close()

	deadline := time.Now().Add(2 * time.Second)
	var delivered []int64
	var liveArmed bool
	for time.Now().Before(deadline) {
		e.Poll(func(buf []byte, offset, length int, position int64) {
			delivered = append(delivered, position)
		}, 16)

		if e.State() == StateCatchup {
			if img := factory.image("replay"); img != nil {
				img.push(1000) // reach stopPosition exactly -> caught up
			}
		}
		if e.State() == StateAttemptLiveJoin && !liveArmed {
			liveArmed = true
			if img := factory.image("live"); img != nil {
				img.push(1001) // overlaps highestReplayPosition(1000)+1
			}
		}
		if e.State() == StateMerged {
			break
		}
		time.Sleep(time.Millisecond)
	}

	if e.State() != StateMerged {
		t.Fatalf("expected MERGED, got %s (err=%v)", e.State(), e.Err())
	}
	if e.LiveImage() == nil {
		t.Fatalf("expected a live image to be available after MERGED")
	}
}

func TestNoRecordingFails(t *testing.T) {
	archive := &fakeArchive{recordingID: 0}
	factory := newFakeFactory()

	cfg := Config{
		Channel:         "live",
		StreamID:        1,
		ReplayChannel:   "replay",
		ReplayStreamID:  2,
		ChannelFragment: "live",
		Stream:          1,
		ProgressTimeout: time.Second,
	}
	e := New(archive, factory, cfg)
	defer e.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && e.State() != StateFailed {
		e.Poll(func([]byte, int, int, int64) {}, 16)
		time.Sleep(time.Millisecond)
	}

	if e.State() != StateFailed {
		t.Fatalf("expected FAILED, got %s", e.State())
	}
	if e.Err() != ErrNoRecording {
		t.Fatalf("expected ErrNoRecording, got %v", e.Err())
	}
}

func TestManagerFailsOnProgressTimeout(t *testing.T) {
	// An archive that never answers (StartReplay blocks forever) would
	// require a goroutine leak to simulate; instead we drive the timeout
	// directly: register an engine that is never polled, so it stays in
	// RESOLVE_REPLAY_PORT, and confirm the Manager's tick wheel, not the
	// engine's own wall clock, is what fails it.
	archive := &fakeArchive{recordingID: 1, stopPosition: 100}
	factory := newFakeFactory()

	cfg := Config{
		Channel:         "live",
		StreamID:        1,
		ReplayChannel:   "replay",
		ReplayStreamID:  2,
		RecordingID:     1,
		ProgressTimeout: 50 * time.Millisecond,
	}
	e := New(archive, factory, cfg)
	defer e.Close()

	mgr := NewManager(time.Millisecond)
	mgr.Register(e)

	// Freeze e at its current state by never calling Poll again; only
	// advance the tick wheel past the progress timeout.
	for i := 0; i < 200; i++ {
		mgr.Advance()
	}

	if e.State() != StateFailed {
		t.Fatalf("expected Manager to fail the engine on progress timeout, got %s", e.State())
	}
	if e.Err() != ErrProgressTimeout {
		t.Fatalf("expected ErrProgressTimeout, got %v", e.Err())
	}
	if mgr.Active() != 0 {
		t.Fatalf("expected engine to be unregistered after failing, active=%d", mgr.Active())
	}
}

func TestFindLatestRecordingNoMatch(t *testing.T) {
	archive := &fakeArchive{recordingID: 0}
	id, found, err := FindLatestRecording(archive, "live", 1)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if found {
		t.Fatalf("expected found=false, got id=%d", id)
	}
}
