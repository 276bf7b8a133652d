// Package statsarchive is a best-effort consumer of statsring (spec §4.D)
// that batches Records and appends them to a local SQLite table for
// offline latency analysis, grounded on the teacher's router.go mustDB/
// addr20 pattern (sql.Open("sqlite3", ...), prepared QueryRow/Exec against
// github.com/mattn/go-sqlite3) and the flush-loop shape of
// checkpoint.Manager. Unlike checkpoint, nothing here sits on the receive
// or worker hot path: Archiver drains statsring on its own goroutine and
// every failure is counted, never propagated to the caller.
package statsarchive

import (
	"database/sql"
	"sync/atomic"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"sekr/internal/logx"
	"sekr/statsring"
)

const createTableSQL = `CREATE TABLE IF NOT EXISTS stats (
	sequence  INTEGER NOT NULL,
	send_ts   INTEGER NOT NULL,
	recv_ts   INTEGER NOT NULL,
	position  INTEGER NOT NULL
)`

const insertSQL = `INSERT INTO stats (sequence, send_ts, recv_ts, position) VALUES (?, ?, ?, ?)`

// Stats mirrors the counters an operator would want out of the archiver
// itself, separate from statsring.Ring.Dropped (which counts records the
// worker never managed to enqueue at all).
type Stats struct {
	Archived      uint64
	BatchFailures uint64
	RowFailures   uint64
}

// Archiver drains a statsring.Ring on its own goroutine and appends each
// batch to a SQLite database. It is constructed once per receiver
// instance, matching the teacher's one-database-per-process router.go
// convention.
type Archiver struct {
	ring          *statsring.Ring
	db            *sql.DB
	insert        *sql.Stmt
	batchSize     int
	flushInterval time.Duration

	archived      uint64
	batchFailures uint64
	rowFailures   uint64

	running int32
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// Open opens (creating if necessary) the SQLite database at path and
// constructs an Archiver draining ring. batchSize bounds how many records
// accumulate in one transaction before a flush; flushInterval bounds how
// long an under-full batch waits before flushing anyway. Both default
// to sane values when <= 0.
func Open(path string, ring *statsring.Ring, batchSize int, flushInterval time.Duration) (*Archiver, error) {
	if batchSize <= 0 {
		batchSize = 256
	}
	if flushInterval <= 0 {
		flushInterval = time.Second
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, err
	}
	insert, err := db.Prepare(insertSQL)
	if err != nil {
		db.Close()
		return nil, err
	}

	a := &Archiver{
		ring:          ring,
		db:            db,
		insert:        insert,
		batchSize:     batchSize,
		flushInterval: flushInterval,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
	atomic.StoreInt32(&a.running, 1)
	go a.run()
	return a, nil
}

// Stats returns the archiver's own counters.
func (a *Archiver) Stats() Stats {
	return Stats{
		Archived:      atomic.LoadUint64(&a.archived),
		BatchFailures: atomic.LoadUint64(&a.batchFailures),
		RowFailures:   atomic.LoadUint64(&a.rowFailures),
	}
}

// Close stops the drain loop, flushing whatever is buffered, and closes
// the underlying database.
func (a *Archiver) Close() {
	if !atomic.CompareAndSwapInt32(&a.running, 1, 0) {
		return
	}
	close(a.stopCh)
	<-a.doneCh
	a.insert.Close()
	a.db.Close()
}

func (a *Archiver) run() {
	defer close(a.doneCh)
	t := time.NewTicker(a.flushInterval)
	defer t.Stop()

	batch := make([]statsring.Record, 0, a.batchSize)
	for {
		for len(batch) < a.batchSize {
			rec, ok := a.ring.Dequeue()
			if !ok {
				break
			}
			batch = append(batch, rec)
		}
		if len(batch) >= a.batchSize {
			batch = a.flush(batch)
			continue
		}

		select {
		case <-t.C:
			batch = a.flush(batch)
		case <-a.stopCh:
			a.flush(batch)
			a.drainRemaining()
			return
		default:
			time.Sleep(time.Millisecond)
		}
	}
}

// drainRemaining gives the ring one last best-effort sweep after stopCh
// fires, so records enqueued right before shutdown are not silently lost.
func (a *Archiver) drainRemaining() {
	batch := make([]statsring.Record, 0, a.batchSize)
	for {
		rec, ok := a.ring.Dequeue()
		if !ok {
			break
		}
		batch = append(batch, rec)
	}
	a.flush(batch)
}

func (a *Archiver) flush(batch []statsring.Record) []statsring.Record {
	if len(batch) == 0 {
		return batch[:0]
	}

	tx, err := a.db.Begin()
	if err != nil {
		atomic.AddUint64(&a.batchFailures, 1)
		logx.DropError("statsarchive: begin", err)
		return batch[:0]
	}
	stmt := tx.Stmt(a.insert)

	for _, rec := range batch {
		if _, err := stmt.Exec(int64(rec.Sequence), rec.SendTs, rec.RecvTs, rec.Position); err != nil {
			atomic.AddUint64(&a.rowFailures, 1)
			logx.DropError("statsarchive: insert row", err)
			continue
		}
		atomic.AddUint64(&a.archived, 1)
	}

	if err := tx.Commit(); err != nil {
		atomic.AddUint64(&a.batchFailures, 1)
		logx.DropError("statsarchive: commit", err)
	}
	return batch[:0]
}
