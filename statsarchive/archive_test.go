package statsarchive

import (
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"sekr/statsring"
)

func TestArchiverDrainsRingOnClose(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.db")

	ring := statsring.New(16)
	ring.Enqueue(statsring.Record{Sequence: 1, SendTs: 10, RecvTs: 20, Position: 100})
	ring.Enqueue(statsring.Record{Sequence: 2, SendTs: 11, RecvTs: 21, Position: 101})

	a, err := Open(path, ring, 64, time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	a.Close()

	if s := a.Stats(); s.Archived != 2 {
		t.Fatalf("expected 2 archived, got %+v", s)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM stats").Scan(&count); err != nil {
		t.Fatal(err)
	}
	if count != 2 {
		t.Fatalf("expected 2 rows persisted, got %d", count)
	}
}

func TestArchiverFlushesOnInterval(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.db")

	ring := statsring.New(16)
	a, err := Open(path, ring, 64, 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	ring.Enqueue(statsring.Record{Sequence: 1, SendTs: 1, RecvTs: 2, Position: 3})
	time.Sleep(50 * time.Millisecond)

	if s := a.Stats(); s.Archived != 1 {
		t.Fatalf("expected interval flush to archive 1 record, got %+v", s)
	}
}

func TestArchiverStatsStartEmpty(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "stats.db")

	ring := statsring.New(16)
	a, err := Open(path, ring, 64, time.Hour)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()

	s := a.Stats()
	if s.Archived != 0 || s.BatchFailures != 0 || s.RowFailures != 0 {
		t.Fatalf("expected zero-value stats, got %+v", s)
	}
}
