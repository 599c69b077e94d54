package crypt

import (
	"errors"
	"time"
)

// replayWindow tracks recently admitted receive-sequence numbers. A sequence
// is admitted at most once; sequences older than the window period, or
// pushed out by the capacity bound, are rejected outright.
//
// Callers hold the per-user mutex — the window itself is not synchronized.
type replayWindow struct {
	period   time.Duration
	capacity int

	entries []replayEntry // ring, ordered by admission time
	head    int
	count   int
	seen    map[int64]struct{}
	highest int64
}

type replayEntry struct {
	seq    int64
	seenAt time.Time
}

var (
	errReplaySeen    = errors.New("sequence already admitted")
	errReplayExpired = errors.New("sequence outside replay window")
)

func newReplayWindow(period time.Duration, capacity int) *replayWindow {
	if period <= 0 {
		period = 60 * time.Second
	}
	if capacity <= 0 {
		capacity = 1024
	}
	return &replayWindow{
		period:   period,
		capacity: capacity,
		entries:  make([]replayEntry, capacity),
		seen:     make(map[int64]struct{}, capacity),
	}
}

// check reports whether seq is admissible at now without recording it.
func (w *replayWindow) check(seq int64, now time.Time) error {
	w.evict(now)
	if _, dup := w.seen[seq]; dup {
		return errReplaySeen
	}
	// Once the ring has wrapped, anything at or below the evicted horizon
	// cannot be distinguished from a replay.
	if w.count == w.capacity && seq <= w.highest-int64(w.capacity) {
		return errReplayExpired
	}
	return nil
}

// record admits seq. Call only after check succeeded.
func (w *replayWindow) record(seq int64, now time.Time) {
	if w.count == w.capacity {
		old := w.entries[w.head]
		delete(w.seen, old.seq)
		w.count--
		w.head = (w.head + 1) % w.capacity
	}
	tail := (w.head + w.count) % w.capacity
	w.entries[tail] = replayEntry{seq: seq, seenAt: now}
	w.count++
	w.seen[seq] = struct{}{}
	if seq > w.highest {
		w.highest = seq
	}
}

// evict drops entries older than the window period.
func (w *replayWindow) evict(now time.Time) {
	cutoff := now.Add(-w.period)
	for w.count > 0 {
		e := w.entries[w.head]
		if !e.seenAt.Before(cutoff) {
			break
		}
		delete(w.seen, e.seq)
		w.head = (w.head + 1) % w.capacity
		w.count--
	}
}
