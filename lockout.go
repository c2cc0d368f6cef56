// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import "sync"

// =============================================================================
// LOCKOUT REGISTRY
// =============================================================================

// lockoutEntry tracks consecutive failures and any active lock for one
// principal.
type lockoutEntry struct {
	failures      int
	lastFailureMs int64
	lockedUntilMs int64 // 0 when not locked
	permanent     bool
	reason        string
}

// LockoutInfo is the externally visible lock state of a principal.
type LockoutInfo struct {
	Principal  Principal `json:"principal"`
	Failures   int       `json:"failures"`
	Locked     bool      `json:"locked"`
	Permanent  bool      `json:"permanent"`
	UnlockAtMs int64     `json:"unlock_at_ms,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}

// lockoutRegistry enforces the consecutive-failure lockout policy. All
// methods are safe for concurrent use.
type lockoutRegistry struct {
	mu         sync.RWMutex
	entries    map[Principal]*lockoutEntry
	threshold  int
	durationMs int64
}

func newLockoutRegistry(threshold, durationSecs int) *lockoutRegistry {
	return &lockoutRegistry{
		entries:    make(map[Principal]*lockoutEntry),
		threshold:  threshold,
		durationMs: int64(durationSecs) * 1000,
	}
}

// recordFailure counts one failed attempt. When the count reaches or
// exceeds the threshold and no lock is active, the principal is locked
// and crossed is true; only the crossing failure reports it. The >=
// comparison matters when the threshold is lowered under an existing
// streak.
func (lr *lockoutRegistry) recordFailure(p Principal, nowMs int64) (crossed bool) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	e, exists := lr.entries[p]
	if !exists {
		e = &lockoutEntry{}
		lr.entries[p] = e
	}

	// An expired timed lock resets the streak before counting.
	if e.lockedUntilMs != 0 && !e.permanent && e.lockedUntilMs <= nowMs {
		e.failures = 0
		e.lockedUntilMs = 0
		e.reason = ""
	}

	e.failures++
	e.lastFailureMs = nowMs

	if e.failures >= lr.threshold && e.lockedUntilMs == 0 {
		e.lockedUntilMs = nowMs + lr.durationMs
		e.reason = "too many failed attempts"
		return true
	}
	return false
}

// recordSuccess resets the failure streak. An active lock is untouched;
// a success cannot race a lock away.
func (lr *lockoutRegistry) recordSuccess(p Principal, nowMs int64) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	e, exists := lr.entries[p]
	if !exists {
		return
	}
	if e.lockedUntilMs != 0 && (e.permanent || e.lockedUntilMs > nowMs) {
		return
	}
	delete(lr.entries, p)
}

// isLocked reports the lock state at nowMs. A timed lock that has
// elapsed reads as unlocked; the entry is cleared lazily on the next
// failure or by the sweeper.
func (lr *lockoutRegistry) isLocked(p Principal, nowMs int64) (locked bool, unlockAtMs int64, reason string) {
	lr.mu.RLock()
	defer lr.mu.RUnlock()

	e, exists := lr.entries[p]
	if !exists || e.lockedUntilMs == 0 {
		return false, 0, ""
	}
	if e.permanent {
		return true, 0, e.reason
	}
	if e.lockedUntilMs <= nowMs {
		return false, 0, ""
	}
	return true, e.lockedUntilMs, e.reason
}

// lock imposes an administrative lock. durationMs <= 0 means permanent.
func (lr *lockoutRegistry) lock(p Principal, reason string, durationMs, nowMs int64) {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	e, exists := lr.entries[p]
	if !exists {
		e = &lockoutEntry{}
		lr.entries[p] = e
	}
	e.reason = reason
	if durationMs <= 0 {
		e.permanent = true
		e.lockedUntilMs = -1
		return
	}
	e.permanent = false
	e.lockedUntilMs = nowMs + durationMs
}

// unlock clears any lock and failure streak. Idempotent.
func (lr *lockoutRegistry) unlock(p Principal) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	delete(lr.entries, p)
}

// failures returns the current consecutive-failure count.
func (lr *lockoutRegistry) failures(p Principal) int {
	lr.mu.RLock()
	defer lr.mu.RUnlock()

	e, exists := lr.entries[p]
	if !exists {
		return 0
	}
	return e.failures
}

// info snapshots the lock state of a principal.
func (lr *lockoutRegistry) info(p Principal, nowMs int64) LockoutInfo {
	lr.mu.RLock()
	defer lr.mu.RUnlock()

	out := LockoutInfo{Principal: p}
	e, exists := lr.entries[p]
	if !exists {
		return out
	}
	out.Failures = e.failures
	out.Reason = e.reason
	if e.permanent {
		out.Locked = true
		out.Permanent = true
	} else if e.lockedUntilMs > nowMs {
		out.Locked = true
		out.UnlockAtMs = e.lockedUntilMs
	}
	return out
}

// listLocked snapshots every principal currently locked, in no
// particular order.
func (lr *lockoutRegistry) listLocked(nowMs int64) []LockoutInfo {
	lr.mu.RLock()
	defer lr.mu.RUnlock()

	var out []LockoutInfo
	for p, e := range lr.entries {
		if !e.permanent && e.lockedUntilMs <= nowMs {
			continue
		}
		info := LockoutInfo{
			Principal: p,
			Failures:  e.failures,
			Locked:    true,
			Permanent: e.permanent,
			Reason:    e.reason,
		}
		if !e.permanent {
			info.UnlockAtMs = e.lockedUntilMs
		}
		out = append(out, info)
	}
	return out
}

// lockedCount counts principals currently locked.
func (lr *lockoutRegistry) lockedCount(nowMs int64) int {
	lr.mu.RLock()
	defer lr.mu.RUnlock()

	n := 0
	for _, e := range lr.entries {
		if e.permanent || e.lockedUntilMs > nowMs {
			n++
		}
	}
	return n
}

// setPolicy replaces the threshold and duration for future failures.
func (lr *lockoutRegistry) setPolicy(threshold, durationSecs int) {
	lr.mu.Lock()
	defer lr.mu.Unlock()
	lr.threshold = threshold
	lr.durationMs = int64(durationSecs) * 1000
}

// sweep drops entries whose timed lock has expired and whose failure
// streak is stale (older than one lockout duration). Returns the number
// removed.
func (lr *lockoutRegistry) sweep(nowMs int64) int {
	lr.mu.Lock()
	defer lr.mu.Unlock()

	removed := 0
	for p, e := range lr.entries {
		if e.permanent {
			continue
		}
		if e.lockedUntilMs > nowMs {
			continue
		}
		if nowMs-e.lastFailureMs < lr.durationMs {
			continue
		}
		delete(lr.entries, p)
		removed++
	}
	return removed
}
