package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBucketAllowsBurstWithinWindow(t *testing.T) {
	b := NewBucket(2, 100*time.Millisecond)
	ctx := context.Background()

	start := time.Now()
	require.NoError(t, b.Wait(ctx))
	require.NoError(t, b.Wait(ctx))

	assert.Less(t, time.Since(start), 50*time.Millisecond)
}

func TestBucketBlocksUntilWindowRolls(t *testing.T) {
	b := NewBucket(1, 100*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, b.Wait(ctx))

	start := time.Now()
	require.NoError(t, b.Wait(ctx))

	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestBucketHonorsContext(t *testing.T) {
	b := NewBucket(1, time.Minute)

	require.NoError(t, b.Wait(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, b.Wait(ctx), context.DeadlineExceeded)
}
