// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"fmt"
	"sync"
)

// =============================================================================
// RATE LIMITER
// =============================================================================

// rateBucket tracks attempt counts for one key inside the current
// window. A bucket whose blockedUntilMs is in the future rejects every
// attempt without counting it.
type rateBucket struct {
	windowStartMs  int64
	count          int
	blockedUntilMs int64
}

// rateLimiter is a fixed-window counter per key. Keys are namespaced by
// the caller ("src:" for sources, "pid:" for principals) so one table
// serves both keyspaces.
type rateLimiter struct {
	mu       sync.Mutex
	buckets  map[string]*rateBucket
	limit    int
	windowMs int64
}

func newRateLimiter(limit, windowSecs int) *rateLimiter {
	return &rateLimiter{
		buckets:  make(map[string]*rateBucket),
		limit:    limit,
		windowMs: int64(windowSecs) * 1000,
	}
}

// allow records one attempt for key. It returns ok=false and the
// monotonic timestamp at which the key unblocks when the key is blocked
// or the attempt exhausts the window budget. Blocked keys do not
// accumulate further counts.
func (rl *rateLimiter) allow(key string, nowMs int64) (retryAtMs int64, ok bool) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	b, exists := rl.buckets[key]
	if !exists {
		rl.buckets[key] = &rateBucket{windowStartMs: nowMs, count: 1}
		return 0, true
	}

	if b.blockedUntilMs > nowMs {
		return b.blockedUntilMs, false
	}

	if nowMs-b.windowStartMs >= rl.windowMs {
		b.windowStartMs = nowMs
		b.count = 0
		b.blockedUntilMs = 0
	}

	b.count++
	if b.count > rl.limit {
		b.blockedUntilMs = nowMs + rl.windowMs
		return b.blockedUntilMs, false
	}
	return 0, true
}

// reset clears the bucket for key.
func (rl *rateLimiter) reset(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.buckets, key)
}

// setLimits replaces the budget and window, applied to new windows.
func (rl *rateLimiter) setLimits(limit, windowSecs int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	rl.limit = limit
	rl.windowMs = int64(windowSecs) * 1000
}

// sweep drops buckets whose window has fully elapsed and that are not
// blocked. Returns the number of buckets removed.
func (rl *rateLimiter) sweep(nowMs int64) int {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	removed := 0
	for key, b := range rl.buckets {
		if b.blockedUntilMs > nowMs {
			continue
		}
		if nowMs-b.windowStartMs >= rl.windowMs {
			delete(rl.buckets, key)
			removed++
		}
	}
	return removed
}

// size returns the number of tracked buckets.
func (rl *rateLimiter) size() int {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	return len(rl.buckets)
}

// sourceKey and principalKey namespace the two keyspaces sharing one
// bucket table.
func sourceKey(source string) string { return "src:" + source }

func principalKey(p Principal) string { return fmt.Sprintf("pid:%d", p) }
