// Package ratelimit implements the byte-allowance governor that
// Connection.ReadStream/WriteStream consult before moving each chunk
// of a transfer (spec §4.2, §6 "rate limit options").
package ratelimit

import (
	"context"

	"github.com/rcrowley/go-metrics"
	"golang.org/x/time/rate"
)

// Limiter grants up to a requested number of bytes per tick, backed by
// a token bucket, and tracks an EWMA throughput sample the same way
// the teacher tracks per-torrent download/upload speed.
type Limiter struct {
	bucket *rate.Limiter
	speed  metrics.EWMA
}

// Unlimited bytes per second, used when a caller configures no cap.
const Unlimited = rate.Inf

// New builds a Limiter allowing up to bytesPerSec sustained, with a
// burst of burstBytes. Pass Unlimited/0 for no cap.
func New(bytesPerSec rate.Limit, burstBytes int) *Limiter {
	if burstBytes <= 0 {
		burstBytes = 1
	}
	return &Limiter{
		bucket: rate.NewLimiter(bytesPerSec, burstBytes),
		speed:  metrics.NewEWMA1(),
	}
}

// Grant blocks until up to requested bytes may be moved, returning the
// number actually granted (at most requested, constrained by the
// bucket's current burst capacity) and recording the grant toward the
// EWMA throughput sample.
func (l *Limiter) Grant(ctx context.Context, requested int) (int, error) {
	if requested <= 0 {
		return 0, nil
	}
	burst := l.bucket.Burst()
	granted := requested
	if granted > burst {
		granted = burst
	}
	if err := l.bucket.WaitN(ctx, granted); err != nil {
		return 0, err
	}
	l.speed.Update(int64(granted))
	return granted, nil
}

// SetLimit reconfigures the sustained rate at runtime (spec §6 allows
// rate limit options to be patched on a live client).
func (l *Limiter) SetLimit(bytesPerSec rate.Limit) {
	l.bucket.SetLimit(bytesPerSec)
}

// SetBurst reconfigures the burst allowance at runtime.
func (l *Limiter) SetBurst(burstBytes int) {
	if burstBytes <= 0 {
		burstBytes = 1
	}
	l.bucket.SetBurst(burstBytes)
}

// Rate1 returns the one-minute EWMA throughput in bytes/sec, ticking
// the sample first (spec §4.2 reports per-transfer throughput).
func (l *Limiter) Rate1() float64 {
	l.speed.Tick()
	return l.speed.Rate()
}
