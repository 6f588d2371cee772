package ratelimit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func TestGrantCapsToBurst(t *testing.T) {
	l := New(rate.Inf, 64)
	granted, err := l.Grant(context.Background(), 1000)
	require.NoError(t, err)
	assert.Equal(t, 64, granted)
}

func TestGrantZeroRequestIsNoop(t *testing.T) {
	l := New(rate.Inf, 64)
	granted, err := l.Grant(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 0, granted)
}

func TestGrantRespectsCancellation(t *testing.T) {
	l := New(1, 1) // one byte per second, burst 1, so the 2nd byte must wait
	ctx, cancel := context.WithCancel(context.Background())
	_, err := l.Grant(ctx, 1)
	require.NoError(t, err)
	cancel()
	_, err = l.Grant(ctx, 1)
	assert.Error(t, err)
}

func TestSetLimitAndBurstAreLive(t *testing.T) {
	l := New(1, 1)
	l.SetLimit(rate.Inf)
	l.SetBurst(10)
	granted, err := l.Grant(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 10, granted)
}

func TestRate1TracksGrants(t *testing.T) {
	l := New(rate.Inf, 1024)
	_, err := l.Grant(context.Background(), 512)
	require.NoError(t, err)
	// Rate1 ticks the EWMA first; the first tick sets the rate to the
	// bytes recorded since creation over the 5s tick interval.
	assert.InDelta(t, 512.0/5, l.Rate1(), 0.001)
}
