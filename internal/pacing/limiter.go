// Package pacing spaces out outbound tile requests.
package pacing

import (
	"context"
	"sync"
	"time"
)

// Limiter enforces a minimum gap between consecutive permitted requests.
// Only one job is active at a time, so a single timestamp is shared and the
// gap is supplied by the caller on every Wait.
type Limiter struct {
	mu    sync.Mutex
	clock Clock
	last  time.Time
}

// NewLimiter creates a Limiter. The first Wait is permitted immediately.
func NewLimiter(clock Clock) *Limiter {
	if clock == nil {
		clock = RealClock()
	}
	return &Limiter{clock: clock}
}

// Wait blocks until spacing has elapsed since the previous permitted request,
// then records the current time as the new reference point.
func (l *Limiter) Wait(ctx context.Context, spacing time.Duration) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.last.IsZero() {
		if remaining := spacing - l.clock.Now().Sub(l.last); remaining > 0 {
			if err := l.clock.Sleep(ctx, remaining); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	l.last = l.clock.Now()
	return nil
}

// Last returns the time of the previous permitted request.
func (l *Limiter) Last() time.Time {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.last
}
