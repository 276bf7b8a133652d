// Command receiverd wires every component of the receiver core together
// against a stub transport, mirroring the teacher's main.go phased
// orchestration (Phase 0 data loading, signal handling, production loop)
// with the arbitrage-specific phases replaced by this core's own startup
// sequence: load config, construct the shared pool/rings/checkpoint, start
// the receive thread and the worker thread pinned to their own cores, and
// block until a signal arrives.
package main

import (
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"sekr/bufpool"
	"sekr/checkpoint"
	"sekr/config"
	"sekr/control"
	"sekr/dedupe"
	"sekr/gapqueue"
	"sekr/internal/affinity"
	"sekr/internal/logx"
	"sekr/localset"
	"sekr/receiver"
	"sekr/replaymerge"
	"sekr/spscring"
	"sekr/statsarchive"
	"sekr/statsring"
	"sekr/transport"
	"sekr/wire"
	"sekr/worker"
)

func main() {
	logx.DropMessage("INIT", "loading configuration")

	cfg := config.Default()
	if path := os.Getenv("SEKR_CONFIG"); path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			logx.DropError("INIT", err)
			os.Exit(1)
		}
		cfg = loaded
	}

	pool := bufpool.New(cfg.PoolCapacity)
	ring := spscring.New(cfg.RingCapacity)
	stats := statsring.New(cfg.StatsRingCapacity)
	dedup := dedupe.New(cfg.DedupWindowSize)
	gapq := gapqueue.New(16)
	workerDedup := localset.New(cfg.WorkerDedupCapacity)

	ckpt := checkpoint.New(cfg.CheckpointPath, cfg.CheckpointFlushInterval())
	defer ckpt.Stop()

	archiver, err := statsarchive.Open(cfg.CheckpointPath+".stats.db", stats, 256, time.Second)
	if err != nil {
		logx.DropError("INIT", err)
	} else {
		defer archiver.Close()
	}

	recv := receiver.New(pool, ring, ckpt, dedup, gapq, cfg.GapTolerance, cfg.DuplicateCheck)
	wrk := worker.New(ring, stats, workerDedup, pool, map[wire.MessageType]worker.Handler{
		1: func(slot *bufpool.Slot) {
			// Application dispatch for message type 1 lives here; the
			// core itself stops at "hand the validated slot to a
			// registered handler" (spec §4.H step 5).
		},
	})

	factory := newStubFactory()
	archive := &stubArchive{}
	archive.advance(4096) // pretend the archive already has history to replay

	img := resumeWithReplay(recv, ckpt, factory, archive, cfg)

	recvFlag := control.New()
	workerFlag := control.New()

	go func() {
		if err := affinity.Pin(0); err != nil {
			logx.DropError("receiver: pin", err)
		}
		recv.Run(recvFlag, img, 64)
	}()

	go func() {
		if err := affinity.Pin(1); err != nil {
			logx.DropError("worker: pin", err)
		}
		wrk.Run(workerFlag)
	}()

	logx.DropMessage("READY", "receiver core running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	logx.DropMessage("SHUTDOWN", "stopping receive and worker threads")
	recvFlag.Stop()
	workerFlag.Stop()
	ckpt.ForceFlush()

	rs, ws := recv.Stats(), wrk.Stats()
	logx.DropMessage("STATS", "received="+strconv.FormatUint(rs.MessagesReceived, 10)+
		" processed="+strconv.FormatUint(ws.MessagesProcessed, 10))
}

// resumeWithReplay drives a replaymerge.Engine from RESOLVE_REPLAY_PORT to
// MERGED before the receive thread ever starts, feeding every replayed
// fragment through recv.OnFragment so checkpoint/dedup state is warm by
// the time the live image takes over (spec §4.G "drives which transport
// image is polling during startup-with-history"). On merge failure it
// falls back to live-only, per §4.G's documented fallback.
func resumeWithReplay(recv *receiver.Receiver, ckpt *checkpoint.Manager, factory *stubFactory, archive *stubArchive, cfg config.ReceiverConfig) transport.Image {
	engine := replaymerge.New(archive, factory, replaymerge.Config{
		Channel:         "live",
		StreamID:        1,
		ReplayChannel:   "replay",
		ReplayStreamID:  2,
		ChannelFragment: "live",
		Stream:          1,
		StartPosition:   ckpt.Snapshot().LastPosition,
		ProgressTimeout: cfg.ProgressTimeout(),
		OnPositionGap: func(replayEnd, liveStart int64) {
			logx.DropMessage("replaymerge", "position gap at live join: replayEnd="+
				strconv.FormatInt(replayEnd, 10)+" liveStart="+strconv.FormatInt(liveStart, 10))
		},
	})
	defer engine.Close()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		engine.Poll(recv.OnFragment, 64)
		switch engine.State() {
		case replaymerge.StateMerged:
			logx.DropMessage("replaymerge", "merged, handing off to live image")
			return engine.LiveImage()
		case replaymerge.StateFailed:
			logx.DropError("replaymerge", engine.Err())
			img, err := factory.OpenImage("live", 1)
			if err != nil {
				logx.DropError("INIT", err)
				os.Exit(1)
			}
			return img
		}
		time.Sleep(time.Millisecond)
	}

	logx.DropMessage("replaymerge", "timed out waiting for merge, falling back to live-only")
	img, err := factory.OpenImage("live", 1)
	if err != nil {
		logx.DropError("INIT", err)
		os.Exit(1)
	}
	return img
}
