package pacing

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_FirstRequestIsImmediate(t *testing.T) {
	clock := NewFakeClock(time.Unix(1000, 0))
	l := NewLimiter(clock)

	require.NoError(t, l.Wait(context.Background(), 5*time.Second))
	assert.Empty(t, clock.Sleeps())
	assert.Equal(t, time.Unix(1000, 0), l.Last())
}

func TestLimiter_ElapsedAtLeastSpacing(t *testing.T) {
	start := time.Unix(1000, 0)
	clock := NewFakeClock(start)
	l := NewLimiter(clock)
	spacing := 1500 * time.Millisecond

	const n = 10
	var permits []time.Time
	for i := 0; i < n; i++ {
		require.NoError(t, l.Wait(context.Background(), spacing))
		permits = append(permits, clock.Now())
		clock.Advance(200 * time.Millisecond)
	}

	assert.GreaterOrEqual(t, permits[n-1].Sub(permits[0]), time.Duration(n-1)*spacing)
	for i := 1; i < n; i++ {
		assert.GreaterOrEqual(t, permits[i].Sub(permits[i-1]), spacing)
	}
}

func TestLimiter_NoWaitWhenGapAlreadyElapsed(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	l := NewLimiter(clock)

	require.NoError(t, l.Wait(context.Background(), time.Second))
	clock.Advance(3 * time.Second)
	require.NoError(t, l.Wait(context.Background(), time.Second))

	assert.Empty(t, clock.Sleeps())
}

func TestLimiter_ZeroSpacing(t *testing.T) {
	clock := NewFakeClock(time.Unix(0, 0))
	l := NewLimiter(clock)

	for i := 0; i < 3; i++ {
		require.NoError(t, l.Wait(context.Background(), 0))
	}
	assert.Empty(t, clock.Sleeps())
}

func TestLimiter_Cancelled(t *testing.T) {
	l := NewLimiter(RealClock())
	require.NoError(t, l.Wait(context.Background(), time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := l.Wait(ctx, time.Hour)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestLimiter_RealClockSpacing(t *testing.T) {
	l := NewLimiter(nil)
	spacing := 20 * time.Millisecond

	start := time.Now()
	for i := 0; i < 4; i++ {
		require.NoError(t, l.Wait(context.Background(), spacing))
	}
	assert.GreaterOrEqual(t, time.Since(start), 3*spacing)
}
