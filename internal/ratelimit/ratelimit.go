// Package ratelimit provides the token-bucket throughput caps shared by all
// transfer paths. A Limiter chains an optional per-session bucket with an
// optional global bucket, so aggregate throughput never exceeds either cap.
package ratelimit

import (
	"context"

	"golang.org/x/time/rate"
)

// Limiter gates byte consumption against up to two token buckets. A nil
// Limiter, or one with no buckets, imposes no cap.
type Limiter struct {
	session *rate.Limiter
	global  *rate.Limiter
}

// New creates a limiter capped at bytesPerSec for one session.
// bytesPerSec <= 0 means unlimited.
func New(bytesPerSec int64) *Limiter {
	l := &Limiter{}
	if bytesPerSec > 0 {
		l.session = rate.NewLimiter(rate.Limit(bytesPerSec), burstFor(bytesPerSec))
	}
	return l
}

// WithGlobal chains a shared global bucket onto this limiter.
func (l *Limiter) WithGlobal(g *rate.Limiter) *Limiter {
	if l == nil {
		l = &Limiter{}
	}
	l.global = g
	return l
}

// WaitN blocks until n bytes may be consumed, or the context is cancelled.
// Reads larger than the burst are split so they never exceed bucket capacity.
func (l *Limiter) WaitN(ctx context.Context, n int) error {
	if l == nil {
		return nil
	}
	if err := waitBucket(ctx, l.session, n); err != nil {
		return err
	}
	return waitBucket(ctx, l.global, n)
}

func waitBucket(ctx context.Context, b *rate.Limiter, n int) error {
	if b == nil {
		return nil
	}
	for n > 0 {
		take := min(n, b.Burst())
		if err := b.WaitN(ctx, take); err != nil {
			return err
		}
		n -= take
	}
	return nil
}

// NewGlobalBucket builds the system-wide bucket handed to WithGlobal.
// bytesPerSec <= 0 returns nil (no global cap).
func NewGlobalBucket(bytesPerSec int64) *rate.Limiter {
	if bytesPerSec <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burstFor(bytesPerSec))
}

func burstFor(bytesPerSec int64) int {
	// A quarter-second of budget, floored at 64KB so small caps still move.
	burst := bytesPerSec / 4
	if burst < 64*1024 {
		burst = 64 * 1024
	}
	return int(burst)
}
