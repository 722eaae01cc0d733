package worker_test

import (
	"context"
	"errors"
	"marblerun/pkg/broker"
	"marblerun/pkg/lease"
	"marblerun/pkg/worker"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const ttl = 200 * time.Millisecond

type messages struct {
	mu   sync.Mutex
	seen []string
}

func (r *messages) Report(_ context.Context, msg string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, msg)
}

func (r *messages) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

type fixture struct {
	b      *broker.MemoryBroker
	mon    *lease.Monitor
	reaper *lease.Reaper
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	b := broker.NewMemoryBroker()
	opts := []lease.Option{
		lease.WithTTL(ttl),
		lease.WithPollInterval(20 * time.Millisecond),
		lease.WithLedgerPoll(5 * time.Millisecond),
	}
	f := fixture{b: b, mon: lease.NewMonitor(b, opts...), reaper: lease.NewReaper(b, opts...)}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = f.reaper.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return f
}

func (f fixture) queue(t *testing.T, name string) []string {
	t.Helper()
	items, err := f.b.Dump(context.Background(), name, false)
	require.NoError(t, err)
	return items
}

// lockWrites counts lock refreshes made through it.
type lockWrites struct {
	*broker.MemoryBroker
	n int32
}

func (w *lockWrites) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	atomic.AddInt32(&w.n, 1)
	return w.MemoryBroker.Set(ctx, key, value, ttl)
}

func (w *lockWrites) count() int32 { return atomic.LoadInt32(&w.n) }

func TestSession_ClaimHeartbeatFinish(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	writes := &lockWrites{MemoryBroker: f.b}
	mon := lease.NewMonitor(writes, lease.WithTTL(ttl))
	s := worker.NewSession(f.b, mon, worker.WithWaitPoll(10*time.Millisecond))
	require.NoError(t, s.Send(ctx, "jobs", "job-1"))

	item, err := s.ClaimOrWait(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "job-1", item)
	l := s.Current()
	require.NotNil(t, l)
	assert.Equal(t, int32(1), writes.count(), "first heartbeat lands with the claim")

	// three more beats at a quarter TTL each
	time.Sleep(3*ttl/4 + ttl/8)
	beats := writes.count()
	assert.GreaterOrEqual(t, beats, int32(4))
	assert.LessOrEqual(t, beats, int32(5))

	// work for longer than the TTL; the heartbeat keeps the lease alive
	time.Sleep(2 * ttl)
	_, held, err := f.b.Get(ctx, l.Lock, 0)
	require.NoError(t, err)
	assert.True(t, held)
	assert.Empty(t, f.queue(t, "jobs"), "no redelivery while heartbeating")
	require.Len(t, f.reaper.Active(), 1)

	require.NoError(t, s.Finish(ctx))
	finished := time.Now()
	assert.Nil(t, s.Current())
	stopped := writes.count()

	require.Eventually(t, func() bool { return len(f.reaper.Active()) == 0 }, 2*time.Second, time.Millisecond)
	assert.LessOrEqual(t, time.Since(finished), 20*time.Millisecond+30*time.Millisecond, "watch ends within a poll of release")

	time.Sleep(2 * ttl)
	assert.Equal(t, stopped, writes.count(), "no heartbeat after finish")
	assert.Empty(t, f.queue(t, "jobs"), "finished item is never redelivered")
	keys, err := f.b.Keys(ctx, l.ID+"*")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestSession_AbandonedItemIsRedelivered(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := worker.NewSession(f.b, f.mon, worker.WithWaitPoll(10*time.Millisecond))
	require.NoError(t, s.Send(ctx, "jobs", "job-1"))

	_, err := s.ClaimOrWait(ctx, "jobs")
	require.NoError(t, err)
	require.NoError(t, s.Abandon(ctx))

	require.Eventually(t, func() bool {
		return len(f.queue(t, "jobs")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	item, err := s.ClaimOrWait(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "job-1", item)
	require.NoError(t, s.Finish(ctx))

	assert.ErrorIs(t, s.Abandon(ctx), worker.ErrNoSuchLease)
}

func TestSession_ExpediteJumpsTheQueue(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	s := worker.NewSession(b, nil)

	require.NoError(t, s.Send(ctx, "q", "A"))
	require.NoError(t, s.Send(ctx, "q", "B"))
	require.NoError(t, s.Expedite(ctx, "q", "C"))

	var got []string
	for i := 0; i < 3; i++ {
		item, err := s.ClaimOrWait(ctx, "q")
		require.NoError(t, err)
		got = append(got, item)
	}
	assert.Equal(t, []string{"C", "A", "B"}, got)
	assert.Nil(t, s.Current(), "unmonitored claims hold no lease")
}

func TestSession_ExpediteJumpsTheQueueWhenMonitored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	s := worker.NewSession(f.b, f.mon, worker.WithWaitPoll(10*time.Millisecond))

	require.NoError(t, s.Send(ctx, "q", "A"))
	require.NoError(t, s.Send(ctx, "q", "B"))
	require.NoError(t, s.Expedite(ctx, "q", "C"))

	var got []string
	for i := 0; i < 3; i++ {
		item, err := s.ClaimOrWait(ctx, "q")
		require.NoError(t, err)
		require.NotNil(t, s.Current())
		got = append(got, item)
		require.NoError(t, s.Finish(ctx))
	}
	assert.Equal(t, []string{"C", "A", "B"}, got)

	require.Eventually(t, func() bool { return len(f.reaper.Active()) == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Empty(t, f.queue(t, "q"), "finished items stay gone")
}

func TestSession_WaitsForWork(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	reporter := &messages{}
	s := worker.NewSession(f.b, f.mon, worker.WithWaitPoll(10*time.Millisecond), worker.WithReporter(reporter))

	got := make(chan string, 1)
	go func() {
		item, err := s.ClaimOrWait(ctx, "jobs")
		if err == nil {
			got <- item
		}
	}()

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, f.b.PushHead(ctx, "jobs", "late"))

	select {
	case item := <-got:
		assert.Equal(t, "late", item)
	case <-time.After(2 * time.Second):
		t.Fatal("ClaimOrWait never returned")
	}
	seen := reporter.all()
	assert.GreaterOrEqual(t, len(seen), 2, "every empty attempt republishes")
	for _, msg := range seen {
		assert.Equal(t, "Waiting", msg)
	}
	require.NoError(t, s.Finish(ctx))
}

func TestSession_ClaimOrWaitHonorsContext(t *testing.T) {
	b := broker.NewMemoryBroker()
	s := worker.NewSession(b, lease.NewMonitor(b), worker.WithWaitPoll(10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.ClaimOrWait(ctx, "empty")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSession_OneLeaseAtATime(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	s := worker.NewSession(b, lease.NewMonitor(b, lease.WithTTL(ttl)))
	require.NoError(t, s.Send(ctx, "jobs", "a"))
	require.NoError(t, s.Send(ctx, "jobs", "b"))

	_, err := s.ClaimOrWait(ctx, "jobs")
	require.NoError(t, err)
	_, err = s.ClaimOrWait(ctx, "jobs")
	assert.ErrorIs(t, err, worker.ErrLeaseHeld)

	require.NoError(t, s.Finish(ctx))
	require.NoError(t, s.Finish(ctx), "finish without a lease is a no-op")
}

type denyFirst struct {
	denials int32
	calls   int32
}

func (d *denyFirst) AllowQueue(context.Context, string) (bool, error) {
	return atomic.AddInt32(&d.calls, 1) > d.denials, nil
}
func (d *denyFirst) AllowWorker(context.Context, string) (bool, error) { return true, nil }
func (d *denyFirst) Close() error                                      { return nil }

func TestSession_ThrottledAttemptsWait(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()
	limiter := &denyFirst{denials: 3}
	s := worker.NewSession(b, nil, worker.WithRateLimiter(limiter), worker.WithWaitPoll(5*time.Millisecond))
	require.NoError(t, s.Send(ctx, "jobs", "x"))

	item, err := s.ClaimOrWait(ctx, "jobs")
	require.NoError(t, err)
	assert.Equal(t, "x", item)
	assert.Equal(t, int32(4), atomic.LoadInt32(&limiter.calls))
}

type lifts struct {
	items []string
}

func (l *lifts) Lift(_ context.Context, queue, item string) error {
	l.items = append(l.items, queue+":"+item)
	return nil
}

func TestSession_Elevate(t *testing.T) {
	ctx := context.Background()
	b := broker.NewMemoryBroker()

	bare := worker.NewSession(b, nil)
	assert.ErrorIs(t, bare.Elevate(ctx, "up", "x"), worker.ErrNoElevator)

	l := &lifts{}
	s := worker.NewSession(b, nil, worker.WithElevator(l))
	require.NoError(t, s.Elevate(ctx, "up", "x"))
	assert.Equal(t, []string{"up:x"}, l.items)
}

func TestWorker_FailedItemIsRetried(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, f.b.PushHead(ctx, "jobs", "flaky"))

	var attempts int32
	w := &worker.Worker{
		Session: worker.NewSession(f.b, f.mon, worker.WithWaitPoll(10*time.Millisecond)),
		Queue:   "jobs",
		Handler: func(_ context.Context, item string) error {
			if atomic.AddInt32(&attempts, 1) == 1 {
				return errors.New("transient")
			}
			return nil
		},
	}
	done := make(chan error, 1)
	go func() { done <- w.Start(ctx) }()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&attempts) == 2 }, 3*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, f.queue(t, "jobs"))
}
