package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lightningnetwork/lnd/clock"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// TestNextBackoffBounds checks that the next backoff roughly doubles and
// stays within the wiggle margin of the cap.
func TestNextBackoffBounds(t *testing.T) {
	t.Parallel()

	rapid.Check(t, func(rt *rapid.T) {
		curr := time.Duration(
			rapid.Int64Range(1, int64(time.Hour)).Draw(rt, "curr"),
		)
		maxBackoff := time.Duration(
			rapid.Int64Range(1, int64(2*time.Hour)).Draw(rt, "max"),
		)

		next := NextBackoff(curr, maxBackoff)

		target := 2 * curr
		if target > maxBackoff {
			target = maxBackoff
		}
		margin := target / 10

		require.GreaterOrEqual(rt, next, target-margin/2)
		require.LessOrEqual(rt, next, target+margin/2)
	})
}

// TestRetryPolicyBackoff checks that the backoff grows up to the cap.
func TestRetryPolicyBackoff(t *testing.T) {
	t.Parallel()

	p := RetryPolicy{
		MinBackoff: time.Second,
		MaxBackoff: 10 * time.Second,
	}

	require.Equal(t, time.Second, p.Backoff(0))
	require.InDelta(t, float64(2*time.Second), float64(p.Backoff(1)),
		float64(100*time.Millisecond))
	require.LessOrEqual(t, p.Backoff(20), 10*time.Second)
	require.InDelta(t, float64(10*time.Second), float64(p.Backoff(20)),
		float64(500*time.Millisecond))
}

// TestRetryPolicyGiveUp checks that only permanent failures give up.
func TestRetryPolicyGiveUp(t *testing.T) {
	t.Parallel()

	p := DefaultRetryPolicy()
	transient := errors.New("connection reset")
	permanent := Permanent(errors.New("unauthorized"))

	require.False(t, p.GiveUp(transient, 1000))
	require.False(t, p.GiveUp(permanent, DefaultMaxPermanentFailures-1))
	require.True(t, p.GiveUp(permanent, DefaultMaxPermanentFailures))
}

// TestRetryPolicyWait checks that Wait returns once the test clock advances
// and aborts when the context is cancelled.
func TestRetryPolicyWait(t *testing.T) {
	t.Parallel()

	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tickSignal := make(chan time.Duration)
	clk := clock.NewTestClockWithTickSignal(start, tickSignal)
	p := RetryPolicy{MinBackoff: time.Minute, MaxBackoff: time.Minute}

	done := make(chan bool)
	go func() {
		done <- p.Wait(context.Background(), clk, 0)
	}()

	require.Equal(t, time.Minute, <-tickSignal)
	clk.SetTime(start.Add(time.Minute))
	require.True(t, <-done)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		done <- p.Wait(ctx, clk, 0)
	}()
	<-tickSignal
	cancel()
	require.False(t, <-done)
}
