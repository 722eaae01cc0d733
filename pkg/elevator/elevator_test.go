package elevator_test

import (
	"context"
	"errors"
	"marblerun/pkg/broker"
	"marblerun/pkg/elevator"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("upstream: connection refused")

// flaky fails every push once failAfter pushes have succeeded, until healed.
type flaky struct {
	*broker.MemoryBroker
	mu        sync.Mutex
	failAfter int
	pushes    int
	healed    bool
}

func (f *flaky) PushHead(ctx context.Context, queue, item string) error {
	f.mu.Lock()
	if !f.healed && f.pushes >= f.failAfter {
		f.mu.Unlock()
		return errDown
	}
	f.pushes++
	f.mu.Unlock()
	return f.MemoryBroker.PushHead(ctx, queue, item)
}

func (f *flaky) heal() {
	f.mu.Lock()
	f.healed = true
	f.mu.Unlock()
}

// stuck refuses every write, like a local broker that went away.
type stuck struct {
	*broker.MemoryBroker
	mu   sync.Mutex
	down bool
}

func (s *stuck) setDown(v bool) {
	s.mu.Lock()
	s.down = v
	s.mu.Unlock()
}

func (s *stuck) PushTail(ctx context.Context, queue, item string) error {
	s.mu.Lock()
	down := s.down
	s.mu.Unlock()
	if down {
		return errors.New("local: connection refused")
	}
	return s.MemoryBroker.PushTail(ctx, queue, item)
}

func dump(t *testing.T, b broker.Broker, queue string) []string {
	t.Helper()
	items, err := b.Dump(context.Background(), queue, false)
	require.NoError(t, err)
	return items
}

func TestLiftAndPending(t *testing.T) {
	ctx := context.Background()
	local := broker.NewMemoryBroker()
	e := elevator.New(local, broker.NewMemoryBroker())

	require.NoError(t, e.Lift(ctx, "reports", "r1"))
	require.NoError(t, e.Lift(ctx, "alerts", "a1"))

	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"elevate_alerts", "elevate_reports"}, pending)
	assert.Equal(t, []string{"r1"}, dump(t, local, "elevate_reports"))
}

func TestFlush_ForwardsInOrder(t *testing.T) {
	ctx := context.Background()
	local, upstream := broker.NewMemoryBroker(), broker.NewMemoryBroker()
	e := elevator.New(local, upstream)

	for _, item := range []string{"X", "Y", "Z"} {
		require.NoError(t, e.Lift(ctx, "jobs", item))
	}
	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, elevator.Result{Forwarded: 3}, res)

	assert.Equal(t, []string{"X", "Y", "Z"}, dump(t, upstream, "jobs"))
	pending, err := e.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestFlush_RollbackOnUpstreamFailure(t *testing.T) {
	ctx := context.Background()
	local := broker.NewMemoryBroker()
	upstream := &flaky{MemoryBroker: broker.NewMemoryBroker(), failAfter: 1}
	e := elevator.New(local, upstream)

	require.NoError(t, e.Lift(ctx, "jobs", "X"))
	require.NoError(t, e.Lift(ctx, "jobs", "Y"))

	// X goes through, Y fails: the whole batch is staged again
	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, elevator.Result{Forwarded: 1, Restaged: 2}, res)
	assert.Equal(t, []string{"X", "Y"}, dump(t, local, "elevate_jobs"))

	// staged during the outage: stays behind the returned batch
	require.NoError(t, e.Lift(ctx, "jobs", "W"))
	assert.Equal(t, []string{"X", "Y", "W"}, dump(t, local, "elevate_jobs"))

	// repeated failures lose nothing
	for i := 0; i < 3; i++ {
		_, err := e.Flush(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"X", "Y", "W"}, dump(t, local, "elevate_jobs"))

	upstream.heal()
	res, err = e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Forwarded)
	assert.Empty(t, dump(t, local, "elevate_jobs"))
	assert.Equal(t, []string{"X", "X", "Y", "W"}, dump(t, upstream, "jobs"), "at-least-once: X arrives twice")
}

func TestFlush_OneQueueFailingDoesNotBlockOthers(t *testing.T) {
	ctx := context.Background()
	local := broker.NewMemoryBroker()
	upstream := &flaky{MemoryBroker: broker.NewMemoryBroker(), failAfter: 1}
	e := elevator.New(local, upstream)

	// buffers are visited in name order: "a" takes the one good push
	require.NoError(t, e.Lift(ctx, "a", "1"))
	require.NoError(t, e.Lift(ctx, "b", "2"))

	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, elevator.Result{Forwarded: 1, Restaged: 1}, res)
	assert.Equal(t, []string{"1"}, dump(t, upstream, "a"))
	assert.Equal(t, []string{"2"}, dump(t, local, "elevate_b"))
}

func TestFlush_HoldsBatchWhenLocalIsDown(t *testing.T) {
	ctx := context.Background()
	local := &stuck{MemoryBroker: broker.NewMemoryBroker()}
	upstream := &flaky{MemoryBroker: broker.NewMemoryBroker()}
	e := elevator.New(local, upstream)

	require.NoError(t, e.Lift(ctx, "jobs", "X"))
	require.NoError(t, e.Lift(ctx, "jobs", "Y"))

	local.setDown(true)
	_, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, e.Held())
	assert.Empty(t, dump(t, local, "elevate_jobs"))

	// the held batch is written back first, then forwarded in the same cycle
	local.setDown(false)
	upstream.heal()
	res, err := e.Flush(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, e.Held())
	assert.Equal(t, 2, res.Forwarded)
	assert.Equal(t, []string{"X", "Y"}, dump(t, upstream, "jobs"))
}

func TestRun_StopsOnCancel(t *testing.T) {
	local, upstream := broker.NewMemoryBroker(), broker.NewMemoryBroker()
	e := elevator.New(local, upstream, elevator.WithInterval(10*time.Millisecond), elevator.WithPrefix("up_"))
	require.NoError(t, e.Lift(context.Background(), "jobs", "X"))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(dump(t, upstream, "jobs")) == 1
	}, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
}
