// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package shmrpc

import (
	"context"
	"runtime"
	"time"
)

// backoff paces a loop that polls a queue the peer fills from another
// process. There is nothing to block on, so it yields for a few rounds and
// then sleeps with a growing interval. reset after every hit.
type backoff struct {
	spin     int
	minSleep time.Duration
	maxSleep time.Duration

	spun  int
	sleep time.Duration
	timer *time.Timer
}

func newBackoff(cfg *Config) *backoff {
	return &backoff{
		spin:     cfg.IdleSpin,
		minSleep: cfg.IdleSleep,
		maxSleep: cfg.MaxIdleSleep,
	}
}

func (b *backoff) reset() {
	b.spun = 0
	b.sleep = 0
}

// wait pauses once. It returns false when ctx is done.
func (b *backoff) wait(ctx context.Context) bool {
	if b.spun < b.spin {
		b.spun++
		runtime.Gosched()
		return ctx.Err() == nil
	}

	switch {
	case b.sleep == 0:
		b.sleep = b.minSleep
	case b.sleep < b.maxSleep:
		b.sleep *= 2
		if b.sleep > b.maxSleep {
			b.sleep = b.maxSleep
		}
	}
	if b.sleep <= 0 {
		runtime.Gosched()
		return ctx.Err() == nil
	}

	if b.timer == nil {
		b.timer = time.NewTimer(b.sleep)
	} else {
		b.timer.Reset(b.sleep)
	}
	select {
	case <-ctx.Done():
		b.timer.Stop()
		return false
	case <-b.timer.C:
		return true
	}
}

// waitUntil is wait bounded by a wall-clock deadline.
func (b *backoff) waitUntil(ctx context.Context, deadline time.Time) bool {
	if !time.Now().Before(deadline) {
		return false
	}
	return b.wait(ctx)
}
