// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import "sync"

// =============================================================================
// PASSWORD HISTORY
// =============================================================================

// historyEntry is one retired password hash kept for reuse checks.
type historyEntry struct {
	hash        []byte
	salt        []byte
	changedAtMs int64
}

// passwordHistory remembers retired hashes per principal, newest first,
// bounded by the policy's HistoryCount at record time.
type passwordHistory struct {
	mu      sync.Mutex
	entries map[Principal][]historyEntry
	lastSet map[Principal]int64
}

func newPasswordHistory() *passwordHistory {
	return &passwordHistory{
		entries: make(map[Principal][]historyEntry),
		lastSet: make(map[Principal]int64),
	}
}

// record retires the given hash and trims the history to keep entries.
func (ph *passwordHistory) record(p Principal, hash, salt []byte, nowMs int64, keep int) {
	ph.mu.Lock()
	defer ph.mu.Unlock()

	ph.lastSet[p] = nowMs
	if keep <= 0 || len(hash) == 0 {
		return
	}
	list := append([]historyEntry{{hash: hash, salt: salt, changedAtMs: nowMs}}, ph.entries[p]...)
	if len(list) > keep {
		list = list[:keep]
	}
	ph.entries[p] = list
}

// reused reports whether password matches any retired hash, using the
// credential primitives for the comparison.
func (ph *passwordHistory) reused(p Principal, password string, prims CredentialPrimitives) bool {
	ph.mu.Lock()
	list := ph.entries[p]
	ph.mu.Unlock()

	for _, e := range list {
		if prims.Verify(password, e.hash, e.salt) {
			return true
		}
	}
	return false
}

// lastChangedMs returns when the principal last changed their password
// and whether a change was ever observed by this core.
func (ph *passwordHistory) lastChangedMs(p Principal) (int64, bool) {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	at, ok := ph.lastSet[p]
	return at, ok
}

// purge drops everything recorded for a principal.
func (ph *passwordHistory) purge(p Principal) {
	ph.mu.Lock()
	defer ph.mu.Unlock()
	delete(ph.entries, p)
	delete(ph.lastSet, p)
}
