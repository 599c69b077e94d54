package crypt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReplayWindow_DuplicateRejected(t *testing.T) {
	w := newReplayWindow(time.Minute, 8)
	now := time.Now()

	require.NoError(t, w.check(1, now))
	w.record(1, now)

	assert.ErrorIs(t, w.check(1, now), errReplaySeen)
	require.NoError(t, w.check(2, now))
}

func TestReplayWindow_TimeEviction(t *testing.T) {
	w := newReplayWindow(time.Minute, 8)
	now := time.Now()

	w.record(1, now)
	assert.ErrorIs(t, w.check(1, now), errReplaySeen)

	// After the window period the entry is evicted; the bare duplicate check
	// no longer sees it.
	later := now.Add(61 * time.Second)
	assert.NoError(t, w.check(1, later))
}

func TestReplayWindow_CapacityHorizon(t *testing.T) {
	w := newReplayWindow(time.Minute, 4)
	now := time.Now()

	for seq := int64(1); seq <= 4; seq++ {
		require.NoError(t, w.check(seq, now))
		w.record(seq, now)
	}

	// A jump ahead evicts the oldest entry and moves the horizon: with the
	// ring full, anything at or below highest-capacity is indistinguishable
	// from a replay.
	require.NoError(t, w.check(10, now))
	w.record(10, now)

	assert.ErrorIs(t, w.check(5, now), errReplayExpired, "below the horizon")
	assert.NoError(t, w.check(7, now), "unseen and above the horizon")
	assert.ErrorIs(t, w.check(3, now), errReplaySeen, "still tracked in the ring")
}

func TestReplayWindow_OutOfOrderWithinWindow(t *testing.T) {
	w := newReplayWindow(time.Minute, 16)
	now := time.Now()

	w.record(5, now)
	w.record(7, now)

	// Gaps are fine; only duplicates fail.
	assert.NoError(t, w.check(6, now))
	assert.ErrorIs(t, w.check(7, now), errReplaySeen)
}
