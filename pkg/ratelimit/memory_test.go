package ratelimit_test

import (
	"context"
	"marblerun/pkg/ratelimit"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLimiter_QueueBurstThenRefill(t *testing.T) {
	ctx := context.Background()
	l := ratelimit.NewMemoryLimiter(ratelimit.Config{
		Enabled:            true,
		QueueRatePerSecond: 10,
		QueueBurstSize:     3,
	})
	defer l.Close()

	for i := 0; i < 3; i++ {
		ok, err := l.AllowQueue(ctx, "jobs")
		require.NoError(t, err)
		assert.True(t, ok, "request %d is within the burst", i+1)
	}
	ok, _ := l.AllowQueue(ctx, "jobs")
	assert.False(t, ok, "burst exhausted")

	ok, _ = l.AllowQueue(ctx, "mail")
	assert.True(t, ok, "queues have independent buckets")

	time.Sleep(150 * time.Millisecond)
	ok, _ = l.AllowQueue(ctx, "jobs")
	assert.True(t, ok, "bucket refilled")
}

func TestMemoryLimiter_WorkerLimit(t *testing.T) {
	ctx := context.Background()
	l := ratelimit.NewMemoryLimiter(ratelimit.Config{
		Enabled:             true,
		WorkerRatePerSecond: 1,
		WorkerBurstSize:     1,
	})

	ok, _ := l.AllowWorker(ctx, "w1")
	assert.True(t, ok)
	ok, _ = l.AllowWorker(ctx, "w1")
	assert.False(t, ok)

	ok, _ = l.AllowQueue(ctx, "jobs")
	assert.True(t, ok, "queue dimension is unlimited")
}

func TestDisabledLimitersAllowEverything(t *testing.T) {
	ctx := context.Background()
	for _, l := range []ratelimit.Limiter{
		ratelimit.Noop{},
		ratelimit.NewMemoryLimiter(ratelimit.Config{QueueRatePerSecond: 1, QueueBurstSize: 1}),
	} {
		for i := 0; i < 5; i++ {
			ok, err := l.AllowQueue(ctx, "jobs")
			require.NoError(t, err)
			assert.True(t, ok)
		}
	}
}
