// Package ratelimit implements the blocking token-bucket gate used for
// hatch pacing and, optionally, global RPS throttling (spec §4.3).
//
// It is a generalization of catrate.Limiter's sliding-window accounting
// (github.com/joeycumines/go-utilpkg/catrate) to a single always-on bucket
// with a blocking Acquire, since the scheduler and hatcher both need to
// wait for a token rather than poll a non-blocking Allow.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// for testing purposes, same pattern as catrate.timeNow
var timeNow = time.Now

// Limiter is a token bucket with a refill rate in tokens/second and a
// capacity of one second's worth of tokens. A nil *Limiter, or one
// constructed with rate <= 0, is disabled: Acquire returns immediately.
type Limiter struct {
	mu         sync.Mutex
	rate       float64 // tokens/second; <= 0 disables
	capacity   float64
	tokens     float64
	lastRefill time.Time
}

// New constructs a Limiter refilling at ratePerSecond tokens/second, with a
// steady-state capacity of one second of tokens. A non-positive rate
// disables the limiter (Acquire becomes a no-op), per spec §4.3.
func New(ratePerSecond float64) *Limiter {
	if ratePerSecond <= 0 {
		return &Limiter{rate: 0}
	}
	return &Limiter{
		rate:       ratePerSecond,
		capacity:   ratePerSecond,
		tokens:     ratePerSecond,
		lastRefill: timeNow(),
	}
}

// Disabled reports whether this limiter is a no-op gate.
func (l *Limiter) Disabled() bool {
	return l == nil || l.rate <= 0
}

// Acquire blocks until a token is available, or ctx is done. A disabled
// limiter returns immediately.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.Disabled() {
		return nil
	}

	for {
		wait, ok := l.reserve()
		if ok {
			return nil
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// reserve attempts to take one token, returning (0, true) on success, or
// the duration to wait before retrying and false otherwise.
func (l *Limiter) reserve() (time.Duration, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := timeNow()
	if elapsed := now.Sub(l.lastRefill); elapsed > 0 {
		l.tokens += elapsed.Seconds() * l.rate
		if l.tokens > l.capacity {
			l.tokens = l.capacity
		}
		l.lastRefill = now
	}

	if l.tokens >= 1 {
		l.tokens--
		return 0, true
	}

	deficit := 1 - l.tokens
	return time.Duration(deficit / l.rate * float64(time.Second)), false
}
