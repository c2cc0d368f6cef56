// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func makeSession(token string, p Principal, nowMs, ttlMs int64) *sessionRecord {
	return &sessionRecord{
		token:        token,
		principal:    p,
		methods:      []Method{MethodPassword},
		createdAtMs:  nowMs,
		lastAccessMs: nowMs,
		expiresAtMs:  nowMs + ttlMs,
	}
}

func TestSessionTokenShape(t *testing.T) {
	token, err := newSessionToken(NewCryptoRandom())
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(token, "sess_"))
	require.Len(t, token, len("sess_")+32)

	other, err := newSessionToken(NewCryptoRandom())
	require.NoError(t, err)
	require.NotEqual(t, token, other)
}

func TestSessionValidateSlidesExpiry(t *testing.T) {
	ss := newSessionStore(1800, 3, EvictLRU)
	_, err := ss.insert(makeSession("sess_a", 1, 0, 1_800_000))
	require.NoError(t, err)

	snap, _, err := ss.validate("sess_a", 1_000_000)
	require.NoError(t, err)
	require.Equal(t, int64(2_800_000), snap.ExpiresAtMs)
	require.Equal(t, int64(1_000_000), snap.LastAccessAtMs)
}

func TestSessionExpiryMonotone(t *testing.T) {
	ss := newSessionStore(1800, 3, EvictLRU)
	ss.insert(makeSession("sess_a", 1, 0, 1_800_000))

	var last int64
	for _, at := range []int64{100, 5_000, 60_000, 900_000} {
		snap, _, err := ss.validate("sess_a", at)
		require.NoError(t, err)
		require.GreaterOrEqual(t, snap.ExpiresAtMs, last)
		last = snap.ExpiresAtMs
	}
}

func TestSessionExpiresExactlyAtTTL(t *testing.T) {
	ss := newSessionStore(1800, 3, EvictLRU)
	ss.insert(makeSession("sess_a", 1, 0, 1_800_000))

	_, _, err := ss.validate("sess_a", 1_799_999)
	require.NoError(t, err)

	// The slide pushed expiry to 1_799_999 + 1_800_000.
	_, expired, err := ss.validate("sess_a", 3_599_999)
	require.Error(t, err)
	require.True(t, IsKind(err, KindSessionExpired))
	require.NotNil(t, expired)

	// The expired session is gone; a retry reads unknown.
	_, _, err = ss.validate("sess_a", 3_599_999)
	require.True(t, IsKind(err, KindSessionUnknown))
}

func TestSessionUnknownToken(t *testing.T) {
	ss := newSessionStore(1800, 3, EvictLRU)
	_, _, err := ss.validate("sess_nope", 0)
	require.True(t, IsKind(err, KindSessionUnknown))
}

func TestSessionCapEvictsLRU(t *testing.T) {
	ss := newSessionStore(1800, 2, EvictLRU)

	ss.insert(makeSession("sess_a", 1, 0, 1_800_000))
	ss.insert(makeSession("sess_b", 1, 100, 1_800_100))

	// Touch a so b becomes the least recently used.
	_, _, err := ss.validate("sess_a", 500)
	require.NoError(t, err)

	evicted, err := ss.insert(makeSession("sess_c", 1, 1000, 1_801_000))
	require.NoError(t, err)
	require.NotNil(t, evicted)
	require.Equal(t, "sess_b", evicted.token)
	require.Equal(t, 2, ss.count(1))
}

func TestSessionCapReject(t *testing.T) {
	ss := newSessionStore(1800, 1, EvictReject)

	ss.insert(makeSession("sess_a", 1, 0, 1_800_000))
	_, err := ss.insert(makeSession("sess_b", 1, 0, 1_800_000))
	require.True(t, IsKind(err, KindSessionCapExceeded))
	require.Equal(t, 1, ss.count(1))
}

func TestSessionCapIsPerPrincipal(t *testing.T) {
	ss := newSessionStore(1800, 1, EvictReject)

	ss.insert(makeSession("sess_a", 1, 0, 1_800_000))
	_, err := ss.insert(makeSession("sess_b", 2, 0, 1_800_000))
	require.NoError(t, err)
}

func TestSessionRemoveAll(t *testing.T) {
	ss := newSessionStore(1800, 5, EvictLRU)

	ss.insert(makeSession("sess_a", 1, 0, 1_800_000))
	ss.insert(makeSession("sess_b", 1, 0, 1_800_000))
	ss.insert(makeSession("sess_c", 2, 0, 1_800_000))

	removed := ss.removeAll(1)
	require.Len(t, removed, 2)
	require.Equal(t, 0, ss.count(1))
	require.Equal(t, 1, ss.countAll())

	// Idempotent.
	require.Empty(t, ss.removeAll(1))
}

func TestSessionExpiredTokens(t *testing.T) {
	ss := newSessionStore(1800, 5, EvictLRU)

	ss.insert(makeSession("sess_a", 1, 0, 100))
	ss.insert(makeSession("sess_b", 1, 0, 1_800_000))

	expired := ss.expiredTokens(100)
	require.Equal(t, []string{"sess_a"}, expired)
}
