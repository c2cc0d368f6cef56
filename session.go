// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"encoding/hex"
	"sync"
)

// =============================================================================
// SESSION STORE
// =============================================================================

// sessionRecord is the internal mutable session state. Fields are
// guarded by the store mutex; contextID is set before the record enters
// the store and never changes afterward.
type sessionRecord struct {
	token        string
	principal    Principal
	methods      []Method
	createdAtMs  int64
	lastAccessMs int64
	expiresAtMs  int64
	source       string
	userAgent    string
	contextID    uint64
}

// Session is an immutable snapshot of a live session.
type Session struct {
	Token          string    `json:"token"`
	Principal      Principal `json:"principal"`
	Methods        []Method  `json:"methods"`
	CreatedAtMs    int64     `json:"created_at_ms"`
	LastAccessAtMs int64     `json:"last_access_at_ms"`
	ExpiresAtMs    int64     `json:"expires_at_ms"`
	Source         string    `json:"source,omitempty"`
	UserAgent      string    `json:"user_agent,omitempty"`
	ContextID      uint64    `json:"context_id,omitempty"`
}

func (r *sessionRecord) snapshot() Session {
	methods := make([]Method, len(r.methods))
	copy(methods, r.methods)
	return Session{
		Token:          r.token,
		Principal:      r.principal,
		Methods:        methods,
		CreatedAtMs:    r.createdAtMs,
		LastAccessAtMs: r.lastAccessMs,
		ExpiresAtMs:    r.expiresAtMs,
		Source:         r.source,
		UserAgent:      r.userAgent,
		ContextID:      r.contextID,
	}
}

// sessionStore holds all live sessions, indexed by token and by
// principal. One mutex guards both indexes so they can never disagree.
type sessionStore struct {
	mu          sync.RWMutex
	byToken     map[string]*sessionRecord
	byPrincipal map[Principal]map[string]struct{}
	ttlMs       int64
	maxPer      int
	eviction    EvictionPolicy
}

func newSessionStore(ttlSecs, maxPer int, eviction EvictionPolicy) *sessionStore {
	return &sessionStore{
		byToken:     make(map[string]*sessionRecord),
		byPrincipal: make(map[Principal]map[string]struct{}),
		ttlMs:       int64(ttlSecs) * 1000,
		maxPer:      maxPer,
		eviction:    eviction,
	}
}

// newSessionToken draws an opaque 128-bit token. Tokens carry no
// embedded claims; all session state lives server side.
func newSessionToken(random Random) (string, error) {
	var raw [16]byte
	if err := random.Fill(raw[:]); err != nil {
		return "", err
	}
	return "sess_" + hex.EncodeToString(raw[:]), nil
}

// insert adds a session, applying the per-principal cap first. When the
// cap is hit under EvictLRU the least-recently-used session of the same
// principal is removed and returned so the caller can tear down its
// context; under EvictReject a SessionCapExceeded error is returned.
func (ss *sessionStore) insert(rec *sessionRecord) (evicted *sessionRecord, err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	tokens := ss.byPrincipal[rec.principal]
	if len(tokens) >= ss.maxPer {
		if ss.eviction == EvictReject {
			return nil, errKindf("session.insert", KindSessionCapExceeded,
				"principal %d already holds %d sessions", rec.principal, len(tokens))
		}
		var lru *sessionRecord
		for token := range tokens {
			s := ss.byToken[token]
			if lru == nil || s.lastAccessMs < lru.lastAccessMs {
				lru = s
			}
		}
		if lru != nil {
			ss.removeLocked(lru.token)
			evicted = lru
		}
	}

	ss.byToken[rec.token] = rec
	if ss.byPrincipal[rec.principal] == nil {
		ss.byPrincipal[rec.principal] = make(map[string]struct{})
	}
	ss.byPrincipal[rec.principal][rec.token] = struct{}{}
	return evicted, nil
}

// validate checks a token at nowMs. A live session slides: its expiry
// is pushed to nowMs+ttl and last access is touched. An expired session
// is removed and returned as expired so the caller can tear down its
// context.
func (ss *sessionStore) validate(token string, nowMs int64) (snap Session, expired *sessionRecord, err error) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	rec, ok := ss.byToken[token]
	if !ok {
		return Session{}, nil, errKind("session.validate", KindSessionUnknown, "unknown session token")
	}
	if nowMs >= rec.expiresAtMs {
		ss.removeLocked(token)
		return Session{}, rec, errKind("session.validate", KindSessionExpired, "session expired")
	}

	rec.lastAccessMs = nowMs
	rec.expiresAtMs = nowMs + ss.ttlMs
	return rec.snapshot(), nil, nil
}

// remove deletes a session by token, reporting the record if present.
func (ss *sessionStore) remove(token string) (*sessionRecord, bool) {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	rec, ok := ss.byToken[token]
	if !ok {
		return nil, false
	}
	ss.removeLocked(token)
	return rec, true
}

// removeAll deletes every session of a principal.
func (ss *sessionStore) removeAll(p Principal) []*sessionRecord {
	ss.mu.Lock()
	defer ss.mu.Unlock()

	var removed []*sessionRecord
	for token := range ss.byPrincipal[p] {
		removed = append(removed, ss.byToken[token])
		ss.removeLocked(token)
	}
	return removed
}

// removeLocked unlinks a token from both indexes. Caller holds ss.mu.
func (ss *sessionStore) removeLocked(token string) {
	rec, ok := ss.byToken[token]
	if !ok {
		return
	}
	delete(ss.byToken, token)
	tokens := ss.byPrincipal[rec.principal]
	delete(tokens, token)
	if len(tokens) == 0 {
		delete(ss.byPrincipal, rec.principal)
	}
}

// list snapshots the live sessions of a principal.
func (ss *sessionStore) list(p Principal) []Session {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	out := make([]Session, 0, len(ss.byPrincipal[p]))
	for token := range ss.byPrincipal[p] {
		out = append(out, ss.byToken[token].snapshot())
	}
	return out
}

// count returns the number of live sessions for a principal.
func (ss *sessionStore) count(p Principal) int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.byPrincipal[p])
}

// countAll returns the total number of live sessions.
func (ss *sessionStore) countAll() int {
	ss.mu.RLock()
	defer ss.mu.RUnlock()
	return len(ss.byToken)
}

// expiredTokens collects tokens whose expiry has passed at nowMs.
func (ss *sessionStore) expiredTokens(nowMs int64) []string {
	ss.mu.RLock()
	defer ss.mu.RUnlock()

	var out []string
	for token, rec := range ss.byToken {
		if nowMs >= rec.expiresAtMs {
			out = append(out, token)
		}
	}
	return out
}

// setPolicy replaces the TTL, cap, and eviction policy. Existing
// sessions keep their current expiry until the next slide.
func (ss *sessionStore) setPolicy(ttlSecs, maxPer int, eviction EvictionPolicy) {
	ss.mu.Lock()
	defer ss.mu.Unlock()
	ss.ttlMs = int64(ttlSecs) * 1000
	ss.maxPer = maxPer
	ss.eviction = eviction
}
