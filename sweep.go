// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// =============================================================================
// EXPIRY SWEEPER
// =============================================================================

// sweepPaceLimit bounds how many expired sessions the sweeper tears
// down per second, so a mass expiry cannot saturate the context
// service.
const sweepPaceLimit = 200

// sweeper drives periodic expiry of sessions, rate buckets, lockouts,
// and MFA challenges from a single background goroutine.
type sweeper struct {
	core     *AuthCore
	interval time.Duration
	pacer    *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newSweeper(core *AuthCore, intervalSecs int) *sweeper {
	ctx, cancel := context.WithCancel(context.Background())
	return &sweeper{
		core:     core,
		interval: time.Duration(intervalSecs) * time.Second,
		pacer:    rate.NewLimiter(rate.Limit(sweepPaceLimit), sweepPaceLimit),
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (s *sweeper) start() {
	s.wg.Add(1)
	go s.run()
}

func (s *sweeper) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.core.sweepOnce(s.ctx, s.pacer)
		}
	}
}

// stop cancels the loop and waits for an in-flight sweep to drain.
func (s *sweeper) stop() {
	s.cancel()
	s.wg.Wait()
}

// sweepOnce runs one expiry pass. Session teardown is paced; the table
// sweeps are single map walks and run unpaced.
func (c *AuthCore) sweepOnce(ctx context.Context, pacer *rate.Limiter) {
	nowMs := c.clock.NowMs()

	for _, token := range c.sessions.expiredTokens(nowMs) {
		if pacer != nil {
			if err := pacer.Wait(ctx); err != nil {
				return
			}
		}
		rec, ok := c.sessions.remove(token)
		if !ok {
			continue
		}
		c.stats.add(func(s *counters) { s.expiredSessions++ })
		c.teardownSession(rec, "expired")
	}

	c.limiter.sweep(nowMs)
	c.lockouts.sweep(nowMs)
	c.mfa.sweep(nowMs)
}

// Sweep runs one expiry pass immediately. Embedders without the
// background sweeper (SweepIntervalSecs zero) call this on their own
// cadence.
func (c *AuthCore) Sweep() {
	c.sweepOnce(context.Background(), nil)
}
