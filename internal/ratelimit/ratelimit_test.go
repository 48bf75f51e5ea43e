package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilLimiterImposesNoCap(t *testing.T) {
	var l *Limiter
	assert.NoError(t, l.WaitN(context.Background(), 1<<30))
	assert.NoError(t, New(0).WaitN(context.Background(), 1<<30))
}

func TestWaitNSplitsLargeReads(t *testing.T) {
	// Burst floor is 64KB; a request far above it must still succeed.
	l := New(10 << 20)
	require.NoError(t, l.WaitN(context.Background(), 1<<20))
}

func TestWaitNHonorsCancellation(t *testing.T) {
	l := New(1024) // tiny budget so a large request has to wait
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := l.WaitN(ctx, 10<<20)
	assert.Error(t, err)
}

func TestGlobalChaining(t *testing.T) {
	assert.Nil(t, NewGlobalBucket(0))
	g := NewGlobalBucket(1 << 20)
	require.NotNil(t, g)

	l := New(0).WithGlobal(g)
	assert.NoError(t, l.WaitN(context.Background(), 4096))

	var nilLimiter *Limiter
	chained := nilLimiter.WithGlobal(g)
	require.NotNil(t, chained)
	assert.NoError(t, chained.WaitN(context.Background(), 1))
}
