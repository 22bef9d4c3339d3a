package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireRespectsBurst(t *testing.T) {
	l := New(1, 3)
	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.True(t, l.TryAcquire())
	assert.False(t, l.TryAcquire())
}

func TestAcquireBlocksUntilCapacity(t *testing.T) {
	l := New(1000, 1)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	require.NoError(t, l.Acquire(ctx))
	require.NoError(t, l.Acquire(ctx))
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	l := New(1, 1)
	require.True(t, l.TryAcquire())

	ctx, cancel := context.WithTimeout(context.Background(), time.Millisecond)
	defer cancel()
	err := l.Acquire(ctx)
	assert.Error(t, err)
}

func TestNewPairConstructsTwoIndependentLimiters(t *testing.T) {
	p := NewPair(10, 10, 2, 2)
	assert.True(t, p.Orders.TryAcquire())
	assert.True(t, p.Orders.TryAcquire())
	assert.False(t, p.Orders.TryAcquire())
	assert.True(t, p.General.TryAcquire())
}
