// Package replaymerge implements the replay-merge engine (spec §4.G): the
// state machine that joins a historical archive replay to the live
// transport stream on one logical subscription, with no duplicated
// delivery at the boundary.
//
// Grounded on original_source's ReplayToLiveHandler (subscriber/include
// and src/ReplayToLiveHandler.{h,cpp}): its SubscriptionMode{REPLAY,
// TRANSITIONING,LIVE} plus poll()'s mode switch is the direct ancestor of
// the State enum and Engine.Poll below, generalized from that handler's
// two hardcoded fields (replay_subscription_/live_subscription_) into the
// seven-state machine spec §4.G actually specifies, and from the
// original's blocking archive_->listRecordingsForUri/startReplay calls
// into the non-blocking archivequeue-backed calls SPEC_FULL requires.
package replaymerge

import (
	"errors"
	"math"
	"sync/atomic"
	"time"

	"sekr/archivequeue"
	"sekr/deadlineq"
	"sekr/internal/logx"
	"sekr/transport"
)

// State is one of the seven states of spec §4.G's state table.
type State int32

const (
	StateResolveReplayPort State = iota
	StateGetRecordingPosition
	StateReplay
	StateCatchup
	StateAttemptLiveJoin
	StateMerged
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateResolveReplayPort:
		return "RESOLVE_REPLAY_PORT"
	case StateGetRecordingPosition:
		return "GET_RECORDING_POSITION"
	case StateReplay:
		return "REPLAY"
	case StateCatchup:
		return "CATCHUP"
	case StateAttemptLiveJoin:
		return "ATTEMPT_LIVE_JOIN"
	case StateMerged:
		return "MERGED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Errors surfaced by the engine, per spec §7's ReplayMergeFailed kind:
// "terminal for the merge; caller is informed and may retry or fall back
// to live-only." Archive RPC failures and image-open failures surface as
// whatever error the collaborator returned — Engine does not re-wrap them,
// so callers can still distinguish e.g. a transport error from a genuine
// no-recording condition via errors.Is against the collaborator's own
// sentinels.
var (
	ErrProgressTimeout = errors.New("replaymerge: progress timeout")
	ErrNoRecording     = errors.New("replaymerge: no matching recording")
)

// Config holds one merge session's parameters.
type Config struct {
	// Channel/StreamID name the live destination; ReplayChannel/
	// ReplayStreamID name the destination the archive replays into.
	Channel        string
	StreamID       int32
	ReplayChannel  string
	ReplayStreamID int32

	// RecordingID pins a specific recording; if zero, GET_RECORDING_POSITION
	// auto-discovers the latest one matching ChannelFragment/Stream via
	// FindLastMatchingRecording (spec §4.G "Auto-discovery").
	RecordingID     int64
	ChannelFragment string
	Stream          int32

	// StartPosition is the position to resume replay from, typically the
	// last persisted checkpoint position.
	StartPosition int64

	// ProgressTimeout bounds the time between any two state transitions
	// (spec §4.G, default 5s).
	ProgressTimeout time.Duration

	// CatchupEpsilon is the ε in "local read position >= P-ε" (spec §4.G
	// CATCHUP); 0 means exact.
	CatchupEpsilon int64

	// OnPositionGap is called (never blocking) if the live image's first
	// observed position is strictly above the replay end, per spec §4.G's
	// tie-break policy: "a gap is reported and gap-recovery is triggered."
	// The engine itself does not own a gapqueue.Ring — the caller wires
	// whatever gap-recovery mechanism it already runs on the receive side.
	OnPositionGap func(replayEnd, liveStart int64)
}

func (c *Config) progressTimeout() time.Duration {
	if c.ProgressTimeout <= 0 {
		return 5 * time.Second
	}
	return c.ProgressTimeout
}

// unboundedLength is used as the replay length when the recording's stop
// position is not yet known (still growing), matching original_source's
// std::numeric_limits<int64_t>::max() sentinel.
const unboundedLength = math.MaxInt64

// Engine drives one merge session. It is not safe for concurrent use by
// more than one goroutine — exactly like the subscription it replaces, it
// is meant to be polled by the single receive thread (spec §5, "(G)
// drives which transport image (F) is polling during startup-with-
// history").
type Engine struct {
	archive transport.ArchiveClient
	images  transport.ImageFactory
	cfg     Config

	cmdQueue *archivequeue.Ring
	quit     chan struct{}

	state atomic.Int32

	recordingID   int64
	stopPosition  int64
	replaySession transport.ReplaySession
	replayImage   transport.Image
	liveImage     transport.Image

	highestReplayPosition int64
	lowestLivePosition    int64
	livePositionSeen      bool
	positionGapReported   bool

	lastTransition time.Time
	err            error

	pendingCorrelation uint64
	nextCorrelation    uint64
	result             atomic.Pointer[cmdResult]

	// sessionID/deadlineHandle are populated by a Manager when one
	// supervises this engine's progress timeout across many concurrent
	// sessions (spec §4.G + SPEC_FULL's deadlineq "without a per-session
	// timer goroutine"). Zero value means "not supervised"; Poll then
	// falls back to Engine's own lastTransition wall-clock check.
	sessionID      uint64
	mgr            *Manager
	deadlineHandle deadlineq.Handle
	supervised     bool
}

type cmdResult struct {
	correlation uint64
	kind        archivequeue.CommandKind
	err         error
	id          int64
	ok          bool
	position    int64
	session     transport.ReplaySession
}

// New constructs an Engine and starts its dedicated archive-client
// goroutine, which is the only goroutine that ever calls into archive
// (spec §4.G / SPEC_FULL: "FSM transitions never block on RPC round-
// trips").
func New(archive transport.ArchiveClient, images transport.ImageFactory, cfg Config) *Engine {
	e := &Engine{
		archive:        archive,
		images:         images,
		cfg:            cfg,
		cmdQueue:       archivequeue.New(16),
		quit:           make(chan struct{}),
		lastTransition: time.Now(),
		recordingID:    cfg.RecordingID,
	}
	go e.archiveLoop()
	return e
}

// State returns the engine's current state.
func (e *Engine) State() State { return State(e.state.Load()) }

// Err returns the terminal error, non-nil only once State() == StateFailed.
func (e *Engine) Err() error { return e.err }

// LiveImage returns the live image once the engine has reached MERGED; the
// caller should hand subsequent polling off to it directly, per spec §4.G
// "When MERGED, the engine detaches from the subscription but the
// subscription lives on as the live source."
func (e *Engine) LiveImage() transport.Image { return e.liveImage }

// Close stops the archive-client goroutine. Safe to call once, after the
// engine reaches MERGED or FAILED.
func (e *Engine) Close() {
	select {
	case <-e.quit:
	default:
		close(e.quit)
	}
}

func (e *Engine) transition(s State) {
	e.state.Store(int32(s))
	e.lastTransition = time.Now()
	if e.mgr == nil || !e.supervised {
		return
	}
	switch s {
	case StateMerged, StateFailed:
		e.mgr.unregister(e)
		e.supervised = false
	default:
		e.mgr.touch(e)
	}
}

func (e *Engine) fail(err error) {
	e.err = err
	e.transition(StateFailed)
	logx.DropError("replaymerge", err)
}

// progressExpired reports whether more than ProgressTimeout has elapsed
// since the last transition, for standalone (unsupervised) use. A Manager
// supervises this at scale instead (see manager.go); an engine with a
// non-nil mgr skips this check since the manager's tick wheel owns it.
func (e *Engine) progressExpired() bool {
	if e.mgr != nil {
		return false
	}
	return time.Since(e.lastTransition) > e.cfg.progressTimeout()
}

// Poll advances the merge state machine by at most one step and, if the
// current state has an image to read from, delivers up to fragmentLimit
// fragments to handler — letting the receive thread poll an Engine exactly
// as it would poll a transport.Image while the merge is in progress (spec
// DESIGN NOTES: "SubscriptionSource ∈ {LiveOnly, Merging(state),
// ReplayOnly}").
func (e *Engine) Poll(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	if !e.Closed() && e.progressExpired() {
		e.fail(ErrProgressTimeout)
		return 0, ErrProgressTimeout
	}

	switch e.State() {
	case StateResolveReplayPort:
		e.stepResolveReplayPort()
		return 0, nil
	case StateGetRecordingPosition:
		e.stepGetRecordingPosition()
		return 0, nil
	case StateReplay:
		e.stepStartReplay()
		return 0, nil
	case StateCatchup:
		return e.stepCatchup(handler, fragmentLimit)
	case StateAttemptLiveJoin:
		return e.stepAttemptLiveJoin(handler, fragmentLimit)
	default: // MERGED, FAILED: nothing left for the engine to do
		return 0, nil
	}
}

// Position satisfies transport.Image. Until the live image has delivered a
// fragment it returns the highest replay position consumed so far; after
// that it returns the first live position observed. Later live positions
// are not tracked.
func (e *Engine) Position() int64 {
	if e.livePositionSeen {
		return e.lowestLivePosition
	}
	return e.highestReplayPosition
}

// Closed reports whether the engine has reached a terminal state,
// satisfying transport.Image.
func (e *Engine) Closed() bool {
	s := e.State()
	return s == StateMerged || s == StateFailed
}

// stepResolveReplayPort pre-opens the replay destination image, mirroring
// original_source's pre-creation of replay_subscription_ before telling
// the archive where to replay.
func (e *Engine) stepResolveReplayPort() {
	img, err := e.images.OpenImage(e.cfg.ReplayChannel, e.cfg.ReplayStreamID)
	if err != nil {
		e.fail(err)
		return
	}
	e.replayImage = img
	e.transition(StateGetRecordingPosition)
}

// stepGetRecordingPosition resolves the recording id (auto-discovering it
// if unset) and queries its current end position, both via the async
// archive-client goroutine so this call never blocks.
func (e *Engine) stepGetRecordingPosition() {
	r := e.result.Load()
	if r == nil || r.correlation != e.pendingCorrelation {
		if e.pendingCorrelation == 0 {
			if e.recordingID == 0 {
				e.submit(archivequeue.Command{Kind: archivequeue.KindFindLatestRecording})
			} else {
				e.submit(archivequeue.Command{Kind: archivequeue.KindGetRecordingPosition, RecordingID: e.recordingID})
			}
		}
		return // waiting on the archive-client goroutine
	}
	e.result.Store(nil)

	switch r.kind {
	case archivequeue.KindFindLatestRecording:
		if r.err != nil {
			e.fail(r.err)
			return
		}
		if !r.ok {
			e.fail(ErrNoRecording)
			return
		}
		e.recordingID = r.id
		e.pendingCorrelation = 0 // re-submit for the position query next Poll
		return
	case archivequeue.KindGetRecordingPosition:
		if r.err != nil {
			e.fail(r.err)
			return
		}
		e.stopPosition = r.position
		e.pendingCorrelation = 0
		e.transition(StateReplay)
	}
}

// stepStartReplay instructs the archive to replay [StartPosition,
// stopPosition) into the replay destination, asynchronously.
func (e *Engine) stepStartReplay() {
	r := e.result.Load()
	if r == nil || r.correlation != e.pendingCorrelation {
		if e.pendingCorrelation == 0 {
			length := int64(unboundedLength)
			if e.stopPosition > 0 {
				length = e.stopPosition - e.cfg.StartPosition
			}
			e.submit(archivequeue.Command{
				Kind:        archivequeue.KindStartReplay,
				RecordingID: e.recordingID,
				StartPos:    e.cfg.StartPosition,
				Length:      length,
			})
		}
		return
	}
	e.result.Store(nil)
	if r.err != nil {
		e.fail(r.err)
		return
	}
	e.replaySession = r.session
	e.highestReplayPosition = e.cfg.StartPosition
	e.transition(StateCatchup)
}

// stepCatchup polls the replay image. Once the local read position is
// within CatchupEpsilon of the recording's stop position, it opens the
// live destination and transitions to ATTEMPT_LIVE_JOIN.
func (e *Engine) stepCatchup(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	n, err := e.replayImage.Poll(func(buf []byte, offset, length int, position int64) {
		e.highestReplayPosition = position
		handler(buf, offset, length, position)
	}, fragmentLimit)
	if err != nil {
		logx.DropError("replaymerge: catchup poll", err)
	}

	if e.caughtUp(n) {
		img, oerr := e.images.OpenImage(e.cfg.Channel, e.cfg.StreamID)
		if oerr != nil {
			e.fail(oerr)
			return n, err
		}
		e.liveImage = img
		e.transition(StateAttemptLiveJoin)
	}
	return n, err
}

// caughtUp reports whether replay has drained enough to attempt the live
// join. A recording with a known stop position (the common case) is caught
// up once within CatchupEpsilon of it. A still-growing recording (stop
// position unknown at replay start, spec §4.G "Auto-discovery") has no
// fixed target, so catchup instead ends the first time a poll returns no
// fragments: replay has drained whatever existed when it started.
func (e *Engine) caughtUp(polled int) bool {
	if e.stopPosition <= 0 {
		return polled == 0
	}
	return e.stopPosition-e.highestReplayPosition <= e.cfg.CatchupEpsilon
}

// stepAttemptLiveJoin polls both images; once the live image's lowest
// observed position overlaps what has already been consumed from replay,
// the merge completes. A live stream that begins strictly above the
// replay end is reported via OnPositionGap, per spec §4.G's tie-break
// policy, but does not by itself fail the merge — spec only names a
// progress-timeout as the FAILED trigger for this state.
func (e *Engine) stepAttemptLiveJoin(handler transport.FragmentHandler, fragmentLimit int) (int, error) {
	total := 0

	if e.replayImage != nil && !e.replayImage.Closed() {
		n, err := e.replayImage.Poll(func(buf []byte, offset, length int, position int64) {
			e.highestReplayPosition = position
			handler(buf, offset, length, position)
		}, fragmentLimit)
		total += n
		if err != nil {
			logx.DropError("replaymerge: live-join replay poll", err)
		}
	}

	n, err := e.liveImage.Poll(func(buf []byte, offset, length int, position int64) {
		if !e.livePositionSeen {
			e.lowestLivePosition = position
			e.livePositionSeen = true
			if position > e.highestReplayPosition+1 && !e.positionGapReported {
				e.positionGapReported = true
				if e.cfg.OnPositionGap != nil {
					e.cfg.OnPositionGap(e.highestReplayPosition, position)
				}
			}
		}
		handler(buf, offset, length, position)
	}, fragmentLimit)
	total += n
	if err != nil {
		logx.DropError("replaymerge: live-join live poll", err)
	}

	if e.livePositionSeen && e.lowestLivePosition <= e.highestReplayPosition+1 {
		e.completeMerge()
	}
	return total, err
}

// completeMerge removes the replay destination and stops the replay
// session, per spec §4.G "MERGED: Remove replay destination; release
// replay resources."
func (e *Engine) completeMerge() {
	if e.replayImage != nil {
		if err := e.images.CloseImage(e.replayImage); err != nil {
			logx.DropError("replaymerge: close replay image", err)
		}
	}
	e.submit(archivequeue.Command{Kind: archivequeue.KindStopReplay, RecordingID: int64(e.replaySession)})
	e.transition(StateMerged)
}

func (e *Engine) submit(cmd archivequeue.Command) {
	e.nextCorrelation++
	cmd.Correlation = e.nextCorrelation
	e.pendingCorrelation = cmd.Correlation
	if !e.cmdQueue.Push(cmd) {
		// queue momentarily full; next Poll retries with the same
		// pendingCorrelation unset-in-result condition, matching the
		// pattern used by the receive path's gap queue.
		e.pendingCorrelation = 0
	}
}

// archiveLoop is the single goroutine that ever calls into the
// ArchiveClient, serializing replay/position/stop RPCs via cmdQueue so the
// FSM driver (typically the receive thread) never blocks on one.
func (e *Engine) archiveLoop() {
	for {
		select {
		case <-e.quit:
			return
		default:
		}
		cmd, ok := e.cmdQueue.Pop()
		if !ok {
			time.Sleep(200 * time.Microsecond)
			continue
		}
		e.execute(cmd)
	}
}

func (e *Engine) execute(cmd archivequeue.Command) {
	res := &cmdResult{correlation: cmd.Correlation, kind: cmd.Kind}
	switch cmd.Kind {
	case archivequeue.KindFindLatestRecording:
		res.id, res.ok, res.err = e.archive.FindLastMatchingRecording(0, e.cfg.ChannelFragment, e.cfg.Stream, true)
	case archivequeue.KindGetRecordingPosition:
		res.position, res.err = e.archive.GetRecordingPosition(cmd.RecordingID)
	case archivequeue.KindStartReplay:
		res.session, res.err = e.archive.StartReplay(cmd.RecordingID, cmd.StartPos, cmd.Length, e.cfg.ReplayChannel, e.cfg.ReplayStreamID)
	case archivequeue.KindStopReplay:
		res.err = e.archive.StopReplay(transport.ReplaySession(cmd.RecordingID))
	}
	e.result.Store(res)
}

// FindLatestRecording is the standalone form of spec §4.G's
// "find_latest_recording(channel, stream)" auto-discovery call, for
// callers that want to resolve a recording id before constructing an
// Engine (e.g. to decide whether to fall back to live-only).
func FindLatestRecording(archive transport.ArchiveClient, channelFragment string, stream int32) (id int64, found bool, err error) {
	id, ok, err := archive.FindLastMatchingRecording(0, channelFragment, stream, true)
	if err != nil {
		return 0, false, err
	}
	if !ok {
		return 0, false, nil
	}
	return id, true, nil
}
