// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"sync"

	"github.com/google/uuid"
)

// =============================================================================
// MFA ORCHESTRATOR
// =============================================================================

// mfaChallenge is the server-side state of one multi-factor login in
// progress. The embedded mutex serializes proof submissions against the
// same challenge; the table lock only guards lookup and removal.
type mfaChallenge struct {
	mu sync.Mutex

	id             string
	principal      Principal
	required       []Method
	requiredSet    map[Method]struct{}
	proofs         map[Method]bool
	allowedUntilMs int64
	attempts       int
	source         string
	userAgent      string
}

// MFAChallenge is an immutable snapshot of a pending challenge.
type MFAChallenge struct {
	ID           string    `json:"id"`
	Principal    Principal `json:"principal"`
	Required     []Method  `json:"required"`
	Proved       []Method  `json:"proved"`
	ExpiresAtMs  int64     `json:"expires_at_ms"`
	AttemptsLeft int       `json:"attempts_left"`
}

// mfaOrchestrator tracks pending challenges. Challenge ids are opaque
// and unguessable; holding one is the only way to address a challenge.
type mfaOrchestrator struct {
	mu          sync.RWMutex
	table       map[string]*mfaChallenge
	lifetimeMs  int64
	maxAttempts int
}

func newMFAOrchestrator(lifetimeSecs, maxAttempts int) *mfaOrchestrator {
	return &mfaOrchestrator{
		table:       make(map[string]*mfaChallenge),
		lifetimeMs:  int64(lifetimeSecs) * 1000,
		maxAttempts: maxAttempts,
	}
}

// begin opens a challenge requiring every method in required.
func (mo *mfaOrchestrator) begin(p Principal, required []Method, source, userAgent string, nowMs int64) (MFAChallenge, error) {
	const op = "mfa.begin"

	set, ok := methodSet(required)
	if !ok || len(set) == 0 {
		return MFAChallenge{}, errKind(op, KindUnsupportedMethodSet, "required methods must be non-empty and distinct")
	}

	ch := &mfaChallenge{
		id:             "mfa_" + uuid.NewString(),
		principal:      p,
		required:       append([]Method(nil), required...),
		requiredSet:    set,
		proofs:         make(map[Method]bool, len(required)),
		allowedUntilMs: nowMs + mo.lifetimeMs,
		source:         source,
		userAgent:      userAgent,
	}

	mo.mu.Lock()
	mo.table[ch.id] = ch
	mo.mu.Unlock()

	return mo.snapshot(ch), nil
}

// lookup fetches a live challenge, removing it when expired.
func (mo *mfaOrchestrator) lookup(id string, nowMs int64) (*mfaChallenge, error) {
	mo.mu.RLock()
	ch, ok := mo.table[id]
	mo.mu.RUnlock()
	if !ok {
		return nil, errKind("mfa", KindChallengeUnknown, "unknown challenge")
	}
	if nowMs > ch.allowedUntilMs {
		mo.remove(id)
		return nil, errKind("mfa", KindChallengeExpired, "challenge expired")
	}
	return ch, nil
}

// submit records a proof for one required method. verify runs under the
// challenge mutex so concurrent submissions to the same challenge
// serialize. A method already proved succeeds without re-verifying.
// Exhausting the attempt budget destroys the challenge.
func (mo *mfaOrchestrator) submit(id string, m Method, nowMs int64, verify func() error) error {
	const op = "mfa.submit"

	ch, err := mo.lookup(id, nowMs)
	if err != nil {
		return err
	}

	// The table lock is never taken while ch.mu is held: commit locks
	// table then challenge, so removal here happens after unlocking.
	var destroy bool
	err = func() error {
		ch.mu.Lock()
		defer ch.mu.Unlock()

		// Re-check expiry under the challenge lock; a slow prior submit
		// may have carried us past the deadline.
		if nowMs > ch.allowedUntilMs {
			destroy = true
			return errKind(op, KindChallengeExpired, "challenge expired")
		}

		if _, required := ch.requiredSet[m]; !required {
			return errKindf(op, KindMethodNotRequired, "method %q not part of this challenge", m)
		}
		if ch.proofs[m] {
			return nil
		}

		if err := verify(); err != nil {
			ch.attempts++
			if ch.attempts >= mo.maxAttempts {
				destroy = true
				return errKindf(op, KindRateLimited, "challenge destroyed after %d failed proofs", ch.attempts)
			}
			return err
		}

		ch.proofs[m] = true
		return nil
	}()
	if destroy {
		mo.remove(id)
	}
	return err
}

// commit finalizes a fully proved challenge, removing it from the table
// so a second commit of the same id fails as unknown. The returned
// methods are exactly the required set.
func (mo *mfaOrchestrator) commit(id string, nowMs int64) (p Principal, methods []Method, source, userAgent string, err error) {
	const op = "mfa.commit"

	mo.mu.Lock()
	defer mo.mu.Unlock()

	ch, ok := mo.table[id]
	if !ok {
		return 0, nil, "", "", errKind(op, KindChallengeUnknown, "unknown challenge")
	}
	if nowMs > ch.allowedUntilMs {
		delete(mo.table, id)
		return 0, nil, "", "", errKind(op, KindChallengeExpired, "challenge expired")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	for _, m := range ch.required {
		if !ch.proofs[m] {
			return 0, nil, "", "", errKindf(op, KindChallengeIncomplete, "method %q not proved", m)
		}
	}

	delete(mo.table, id)
	return ch.principal, append([]Method(nil), ch.required...), ch.source, ch.userAgent, nil
}

// cancel discards a challenge. Idempotent.
func (mo *mfaOrchestrator) cancel(id string) {
	mo.remove(id)
}

func (mo *mfaOrchestrator) remove(id string) {
	mo.mu.Lock()
	delete(mo.table, id)
	mo.mu.Unlock()
}

// removeForPrincipal discards every challenge belonging to p.
func (mo *mfaOrchestrator) removeForPrincipal(p Principal) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	for id, ch := range mo.table {
		if ch.principal == p {
			delete(mo.table, id)
		}
	}
}

// status snapshots a live challenge.
func (mo *mfaOrchestrator) status(id string, nowMs int64) (MFAChallenge, error) {
	ch, err := mo.lookup(id, nowMs)
	if err != nil {
		return MFAChallenge{}, err
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return mo.snapshot(ch), nil
}

// snapshot copies the challenge state. Caller holds ch.mu or has sole
// access.
func (mo *mfaOrchestrator) snapshot(ch *mfaChallenge) MFAChallenge {
	proved := make([]Method, 0, len(ch.proofs))
	for _, m := range ch.required {
		if ch.proofs[m] {
			proved = append(proved, m)
		}
	}
	return MFAChallenge{
		ID:           ch.id,
		Principal:    ch.principal,
		Required:     append([]Method(nil), ch.required...),
		Proved:       proved,
		ExpiresAtMs:  ch.allowedUntilMs,
		AttemptsLeft: mo.maxAttempts - ch.attempts,
	}
}

// pendingCount returns the number of open challenges.
func (mo *mfaOrchestrator) pendingCount() int {
	mo.mu.RLock()
	defer mo.mu.RUnlock()
	return len(mo.table)
}

// sweep drops expired challenges. Returns the number removed.
func (mo *mfaOrchestrator) sweep(nowMs int64) int {
	mo.mu.Lock()
	defer mo.mu.Unlock()

	removed := 0
	for id, ch := range mo.table {
		if nowMs > ch.allowedUntilMs {
			delete(mo.table, id)
			removed++
		}
	}
	return removed
}

// setPolicy replaces the lifetime and attempt budget for new
// challenges.
func (mo *mfaOrchestrator) setPolicy(lifetimeSecs, maxAttempts int) {
	mo.mu.Lock()
	defer mo.mu.Unlock()
	mo.lifetimeMs = int64(lifetimeSecs) * 1000
	mo.maxAttempts = maxAttempts
}
