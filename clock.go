// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import "time"

// Clock is the core's time source.
//
// NowMs is monotonic with millisecond resolution and bounds every
// lifetime the core tracks (sessions, lockouts, rate windows, MFA
// challenges), so wall-clock jumps can neither extend nor shorten them.
// Wall is used only where a protocol demands calendar time: TOTP step
// computation and the SMS daily-send counter.
type Clock interface {
	// NowMs returns monotonic milliseconds.
	NowMs() int64

	// Wall returns the current wall-clock time.
	Wall() time.Time
}

// systemClock reads the process clock. The monotonic reading is anchored
// at construction so NowMs is immune to wall-clock steps.
type systemClock struct {
	origin   time.Time
	originMs int64
}

// NewSystemClock returns the default Clock backed by the OS.
func NewSystemClock() Clock {
	now := time.Now()
	return &systemClock{origin: now, originMs: now.UnixMilli()}
}

func (c *systemClock) NowMs() int64 {
	// time.Since uses the monotonic reading carried by origin.
	return c.originMs + time.Since(c.origin).Milliseconds()
}

func (c *systemClock) Wall() time.Time {
	return time.Now()
}
