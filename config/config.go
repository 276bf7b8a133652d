// Package config loads the receiver's tunables from a JSON file using
// sonnet (github.com/sugawarayuuta/sonnet), the teacher's drop-in
// encoding/json replacement already used in syncharvester for JSON-RPC
// decoding. INI parsing and CLI flag handling remain out of scope per
// spec §1 ("the process supervisor / CLI / INI parsing" is an external
// collaborator).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/sugawarayuuta/sonnet"
)

// ReceiverConfig holds every tunable named across spec §3-§4.
type ReceiverConfig struct {
	PoolCapacity        int    `json:"pool_capacity"`
	RingCapacity        int    `json:"ring_capacity"`
	StatsRingCapacity   int    `json:"stats_ring_capacity"`
	GapTolerance        uint64 `json:"gap_tolerance"`
	DedupWindowSize     int    `json:"dedup_window_size"`
	DuplicateCheck      bool   `json:"duplicate_check_enabled"`
	WorkerDedupCapacity int    `json:"worker_dedup_capacity"`

	CheckpointPath            string        `json:"checkpoint_path"`
	CheckpointFlushIntervalMs int64         `json:"checkpoint_flush_interval_ms"`
	checkpointFlushInterval   time.Duration `json:"-"`

	ProgressTimeoutMs int64         `json:"progress_timeout_ms"`
	progressTimeout   time.Duration `json:"-"`
}

// CheckpointFlushInterval returns the configured flush interval as a
// time.Duration, resolved by Load/Validate.
func (c *ReceiverConfig) CheckpointFlushInterval() time.Duration {
	return c.checkpointFlushInterval
}

// ProgressTimeout returns the configured replay-merge progress timeout
// (spec §4.G, default 5s) as a time.Duration.
func (c *ReceiverConfig) ProgressTimeout() time.Duration {
	return c.progressTimeout
}

// Default returns a ReceiverConfig with the spec's named defaults: pool
// capacity 1024 (the "Medium" preset), ring capacity 1024, dedup window
// 1000, checkpoint flush interval 1s, progress timeout 5s.
func Default() ReceiverConfig {
	c := ReceiverConfig{
		PoolCapacity:              1024,
		RingCapacity:              1024,
		StatsRingCapacity:         1024,
		GapTolerance:              5,
		DedupWindowSize:           1000,
		DuplicateCheck:            true,
		WorkerDedupCapacity:       8192,
		CheckpointPath:            "receiver.chk",
		CheckpointFlushIntervalMs: 1000,
		ProgressTimeoutMs:         5000,
	}
	c.resolveDurations()
	return c
}

func (c *ReceiverConfig) resolveDurations() {
	c.checkpointFlushInterval = time.Duration(c.CheckpointFlushIntervalMs) * time.Millisecond
	c.progressTimeout = time.Duration(c.ProgressTimeoutMs) * time.Millisecond
}

// Load reads a ReceiverConfig from a JSON file at path, starting from
// Default() so any field the file omits keeps its default value.
func Load(path string) (ReceiverConfig, error) {
	c := Default()
	b, err := os.ReadFile(path)
	if err != nil {
		return c, err
	}
	if err := sonnet.Unmarshal(b, &c); err != nil {
		return c, fmt.Errorf("config: parse %s: %w", path, err)
	}
	c.resolveDurations()
	return c, c.Validate()
}

// Validate rejects obviously-broken values before they reach constructors
// that would otherwise panic (pool/ring New all panic on bad sizing, per
// the teacher's New convention carried in SPEC_FULL's error handling
// section).
func (c *ReceiverConfig) Validate() error {
	if c.PoolCapacity <= 0 || c.PoolCapacity > 65536 || c.PoolCapacity&(c.PoolCapacity-1) != 0 {
		return fmt.Errorf("config: pool_capacity must be a power of two in [1, 65536], got %d", c.PoolCapacity)
	}
	if c.RingCapacity < 16 || c.RingCapacity > 65536 || c.RingCapacity&(c.RingCapacity-1) != 0 {
		return fmt.Errorf("config: ring_capacity must be a power of two in [16, 65536], got %d", c.RingCapacity)
	}
	if c.StatsRingCapacity <= 0 || c.StatsRingCapacity&(c.StatsRingCapacity-1) != 0 {
		return fmt.Errorf("config: stats_ring_capacity must be a positive power of two, got %d", c.StatsRingCapacity)
	}
	if c.DedupWindowSize <= 0 {
		return fmt.Errorf("config: dedup_window_size must be > 0, got %d", c.DedupWindowSize)
	}
	return nil
}
