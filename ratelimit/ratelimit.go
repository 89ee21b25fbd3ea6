// Package ratelimit paces frame injection at a fixed frames-per-second rate.
package ratelimit

import (
	"context"
	"time"
)

// Throttle limits to fps frames per second on average.
// Not safe for concurrent use.
type Throttle struct {
	nsPerFrame int64
	sent       uint64
	start      time.Time
	checkEvery uint64
	now        func() time.Time
}

// New creates a limiter for fps frames per second.
// If fps == 0, throttling is disabled and New returns nil, which is a valid Throttle.
func New(fps uint64) *Throttle {
	if fps == 0 {
		return nil
	}
	return &Throttle{
		nsPerFrame: int64(time.Second) / int64(fps),
		start:      time.Now(),
		now:        time.Now,

		// roughly every 10ms worth of frames, between 1 and 1024
		checkEvery: min(max(fps/100, 1), 1024),
	}
}

// Wait blocks until n more frames are allowed or ctx is done.
// It does not "catch up" by allowing faster sends after being delayed.
func (l *Throttle) Wait(ctx context.Context, n uint64) error {
	if l == nil || n == 0 {
		return ctx.Err()
	}

	before := l.sent
	l.sent += n
	if l.sent/l.checkEvery == before/l.checkEvery {
		return nil
	}

	due := l.start.Add(time.Duration(int64(l.sent) * l.nsPerFrame))
	d := due.Sub(l.now())
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Sent returns how many frames were admitted.
func (l *Throttle) Sent() uint64 {
	if l == nil {
		return 0
	}
	return l.sent
}
