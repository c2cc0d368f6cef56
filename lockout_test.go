// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLockoutCrossesThresholdExactlyOnce(t *testing.T) {
	lr := newLockoutRegistry(5, 900)

	for i := 0; i < 4; i++ {
		require.False(t, lr.recordFailure(1, 0))
	}
	require.True(t, lr.recordFailure(1, 0), "fifth failure locks")

	locked, unlockAt, _ := lr.isLocked(1, 0)
	require.True(t, locked)
	require.Equal(t, int64(900_000), unlockAt)

	// Failures past the threshold do not re-report the crossing.
	require.False(t, lr.recordFailure(1, 1))
}

func TestLockoutLoweredThresholdLocksExistingStreak(t *testing.T) {
	lr := newLockoutRegistry(5, 900)

	for i := 0; i < 4; i++ {
		require.False(t, lr.recordFailure(1, 0))
	}

	// Policy tightens below a streak already on record; the next
	// failure must still lock even though the count skips past the
	// new threshold.
	lr.setPolicy(2, 900)
	require.True(t, lr.recordFailure(1, 1000))

	locked, unlockAt, _ := lr.isLocked(1, 1000)
	require.True(t, locked)
	require.Equal(t, int64(901_000), unlockAt)
}

func TestLockoutAutoUnlockAtBoundary(t *testing.T) {
	lr := newLockoutRegistry(3, 900)

	lr.recordFailure(1, 0)
	lr.recordFailure(1, 0)
	lr.recordFailure(1, 0)

	locked, _, _ := lr.isLocked(1, 899_999)
	require.True(t, locked)

	// Exactly at the unlock instant the account reads unlocked.
	locked, _, _ = lr.isLocked(1, 900_000)
	require.False(t, locked)
}

func TestLockoutSuccessResetsStreak(t *testing.T) {
	lr := newLockoutRegistry(3, 900)

	lr.recordFailure(1, 0)
	lr.recordFailure(1, 0)
	lr.recordSuccess(1, 0)

	require.Equal(t, 0, lr.failures(1))
	require.False(t, lr.recordFailure(1, 0))
	require.False(t, lr.recordFailure(1, 0))
}

func TestLockoutSuccessCannotClearActiveLock(t *testing.T) {
	lr := newLockoutRegistry(2, 900)

	lr.recordFailure(1, 0)
	lr.recordFailure(1, 0)
	lr.recordSuccess(1, 1000)

	locked, _, _ := lr.isLocked(1, 1000)
	require.True(t, locked)
}

func TestLockoutStreakResetsAfterExpiredLock(t *testing.T) {
	lr := newLockoutRegistry(2, 900)

	lr.recordFailure(1, 0)
	lr.recordFailure(1, 0) // Locked until 900s.

	// First failure after the lock expires starts a fresh streak.
	require.False(t, lr.recordFailure(1, 901_000))
	require.Equal(t, 1, lr.failures(1))
}

func TestLockoutAdminPermanent(t *testing.T) {
	lr := newLockoutRegistry(5, 900)

	lr.lock(1, "compromised", 0, 0)

	locked, unlockAt, reason := lr.isLocked(1, 1<<40)
	require.True(t, locked)
	require.Equal(t, int64(0), unlockAt)
	require.Equal(t, "compromised", reason)

	info := lr.info(1, 0)
	require.True(t, info.Permanent)
}

func TestLockoutAdminTimed(t *testing.T) {
	lr := newLockoutRegistry(5, 900)

	lr.lock(1, "investigation", 60_000, 0)

	locked, unlockAt, _ := lr.isLocked(1, 0)
	require.True(t, locked)
	require.Equal(t, int64(60_000), unlockAt)

	locked, _, _ = lr.isLocked(1, 60_000)
	require.False(t, locked)
}

func TestLockoutUnlockIdempotent(t *testing.T) {
	lr := newLockoutRegistry(5, 900)

	lr.lock(1, "x", 0, 0)
	lr.unlock(1)
	lr.unlock(1)

	locked, _, _ := lr.isLocked(1, 0)
	require.False(t, locked)
	require.Equal(t, 0, lr.failures(1))
}

func TestLockoutSweep(t *testing.T) {
	lr := newLockoutRegistry(2, 900)

	lr.recordFailure(1, 0)
	lr.recordFailure(1, 0) // Locked until 900s.
	lr.recordFailure(2, 0) // Streak of one.
	lr.lock(3, "x", 0, 0)  // Permanent.

	// Before expiry nothing is swept.
	require.Equal(t, 0, lr.sweep(500_000))

	// Past lock expiry and streak staleness, only the permanent stays.
	removed := lr.sweep(2_000_000)
	require.Equal(t, 2, removed)
	locked, _, _ := lr.isLocked(3, 2_000_000)
	require.True(t, locked)
}
