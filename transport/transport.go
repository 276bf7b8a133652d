// Package transport defines the contracts for the external collaborators
// named in spec §6: the inbound message transport and the archive/replay
// RPC surface. Neither is implemented here — connection setup, channel
// parsing, and fragmented reassembly are explicitly out of scope (spec
// §1) — these are the interfaces receiver and replaymerge consume.
package transport

import "errors"

// ErrTransport wraps failures from Poll (connect, channel add, poll)
// per spec §7's TransportError kind.
var ErrTransport = errors.New("transport: error")

// FragmentHandler receives one wire fragment per call. Per spec §6, each
// call is expected to correspond to exactly one wire message; buf is only
// valid for the duration of the call.
type FragmentHandler func(buf []byte, offset, length int, position int64)

// Image is a pollable source of fragments: either the live transport
// image or a replay image opened against the archive.
type Image interface {
	// Poll delivers up to fragmentLimit fragments to handler and returns
	// the number delivered. Never blocks longer than one underlying
	// transport poll.
	Poll(handler FragmentHandler, fragmentLimit int) (int, error)

	// Position returns the image's current read position.
	Position() int64

	// Closed reports whether the underlying image has reached end-of-stream
	// (a replay image that has been fully consumed).
	Closed() bool
}

// ReplaySession is an opaque handle to an in-progress archive replay.
type ReplaySession int64

// ArchiveClient is the inbound RPC surface the core invokes from the
// replay-merge thread (spec §6 "Archive/replay (inbound RPC)"). All
// methods must be usable without blocking the receive path for longer
// than one round-trip; replaymerge calls them from its own goroutine via
// archivequeue, never from the receive thread.
type ArchiveClient interface {
	// FindLastMatchingRecording returns the highest recording id >= minID
	// matching channelFragment and stream, or ok=false if none exists.
	FindLastMatchingRecording(minID int64, channelFragment string, stream int32, anySession bool) (id int64, ok bool, err error)

	// GetRecordingPosition returns the recording's current (possibly
	// still-growing) end position.
	GetRecordingPosition(id int64) (position int64, err error)

	// StartReplay instructs the archive to replay [startPos, startPos+length)
	// of recording id into destChannel/destStream, returning a session handle.
	StartReplay(id int64, startPos, length int64, destChannel string, destStream int32) (ReplaySession, error)

	// StopReplay terminates an in-progress replay session.
	StopReplay(session ReplaySession) error
}

// ImageFactory opens and closes the transport images that replaymerge
// drives through a replay→live merge (spec §4.G "RESOLVE_REPLAY_PORT",
// "add replay destination", "add live destination", "MERGED: remove
// replay destination"). Grounded directly on original_source's
// ReplayToLiveHandler, which opens a replay subscription and a live
// subscription side by side — addSubscription/findSubscription for each —
// rather than true Aeron MDC destination-add/remove on one subscription;
// that is the simpler and sufficient shape for this core's contract.
type ImageFactory interface {
	// OpenImage opens a new image against channel/streamID. It must not
	// block longer than one connection round-trip; replaymerge calls it
	// (and CloseImage) from Engine.Poll, on whichever goroutine polls the
	// engine.
	OpenImage(channel string, streamID int32) (Image, error)

	// CloseImage releases an image opened by OpenImage.
	CloseImage(img Image) error
}
