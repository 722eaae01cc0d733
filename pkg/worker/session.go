// Package worker is the worker-side API: claim an item (waiting while the
// queue is empty), keep its lease alive while processing, and finish it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"marblerun/pkg/broker"
	"marblerun/pkg/lease"
	"marblerun/pkg/logging"
	m "marblerun/pkg/metrics"
	"marblerun/pkg/ratelimit"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultWaitPoll = 100 * time.Millisecond

var (
	// ErrLeaseHeld is returned by ClaimOrWait while the session still holds
	// an unfinished lease.
	ErrLeaseHeld   = errors.New("worker: lease already held")
	ErrNoElevator  = errors.New("worker: no elevator configured")
	ErrNoSuchLease = errors.New("worker: no lease held")
)

// Lifter stages an item for an upstream broker.
type Lifter interface {
	Lift(ctx context.Context, queue, item string) error
}

// Reporter publishes the session's status message.
type Reporter interface {
	Report(ctx context.Context, msg string)
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, string) {}

// Session is one worker's connection to the queues. It holds at most one
// lease at a time; ClaimOrWait is meant to be called from a single
// goroutine.
type Session struct {
	b   broker.Broker
	mon *lease.Monitor
	log *zap.Logger

	id        string
	ttl       time.Duration
	waitPoll  time.Duration
	monitored bool
	limiter   ratelimit.Limiter
	lifter    Lifter
	reporter  Reporter

	mu   sync.Mutex
	held *lease.Lease
	hb   *heartbeat
}

type heartbeat struct {
	stop chan struct{}
	done chan struct{}
}

type Option func(*Session)

func WithReporter(r Reporter) Option {
	return func(s *Session) {
		if r != nil {
			s.reporter = r
		}
	}
}

func WithRateLimiter(l ratelimit.Limiter) Option {
	return func(s *Session) {
		if l != nil {
			s.limiter = l
		}
	}
}

// WithElevator enables Elevate.
func WithElevator(l Lifter) Option { return func(s *Session) { s.lifter = l } }

// WithWaitPoll sets the sleep between claim attempts. Default: 100ms.
func WithWaitPoll(d time.Duration) Option { return func(s *Session) { s.waitPoll = d } }

// WithTTL overrides the lease TTL used for heartbeats. Default: the
// monitor's TTL.
func WithTTL(d time.Duration) Option { return func(s *Session) { s.ttl = d } }

// WithMonitored(false) pops items with no lease: a crash loses the item.
func WithMonitored(on bool) Option { return func(s *Session) { s.monitored = on } }

// WithID sets the worker ID used for rate limiting and logs.
func WithID(id string) Option { return func(s *Session) { s.id = id } }

func NewSession(b broker.Broker, mon *lease.Monitor, opts ...Option) *Session {
	s := &Session{
		b:         b,
		mon:       mon,
		id:        uuid.NewString(),
		waitPoll:  DefaultWaitPoll,
		monitored: true,
		limiter:   ratelimit.Noop{},
		reporter:  nopReporter{},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.ttl <= 0 {
		s.ttl = lease.DefaultTTL
		if mon != nil {
			s.ttl = mon.TTL()
		}
	}
	if mon == nil {
		s.monitored = false
	}
	s.log = logging.Named("worker").With(zap.String("worker_id", s.id))
	return s
}

func (s *Session) ID() string { return s.id }

// Current returns the held lease, or nil.
func (s *Session) Current() *lease.Lease {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

// ClaimOrWait blocks until an item is taken from queue or ctx is done. An
// empty queue, a throttled attempt and a broker error all mean the same
// thing here: sleep for the wait poll and try again. In monitored mode the
// lease is kept alive in the background until Finish or Abandon.
func (s *Session) ClaimOrWait(ctx context.Context, queue string) (string, error) {
	if s.Current() != nil {
		return "", ErrLeaseHeld
	}

	for {
		item, ok, err := s.attempt(ctx, queue)
		if err != nil && ctx.Err() == nil {
			s.log.Warn("claim attempt failed", zap.String("queue", queue), zap.Error(err))
		}
		if ok {
			return item, nil
		}
		// republished per attempt so the status key outlives its TTL
		// however long the queue stays empty
		s.reporter.Report(ctx, "Waiting")
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(s.waitPoll):
		}
	}
}

func (s *Session) attempt(ctx context.Context, queue string) (string, bool, error) {
	if allowed, err := s.allowed(ctx, queue); err != nil || !allowed {
		return "", false, err
	}

	if !s.monitored {
		return s.b.PopTail(ctx, queue)
	}

	l, err := s.mon.Claim(ctx, queue, "", "")
	if err != nil || l == nil {
		return "", false, err
	}
	s.hold(l)
	s.log.Debug("lease acquired", zap.String("lease_id", l.ID), zap.String("queue", queue))
	return l.Item, true, nil
}

func (s *Session) allowed(ctx context.Context, queue string) (bool, error) {
	ok, err := s.limiter.AllowQueue(ctx, queue)
	if err == nil && ok {
		ok, err = s.limiter.AllowWorker(ctx, s.id)
	}
	if err != nil {
		return false, fmt.Errorf("worker: rate limit: %w", err)
	}
	if !ok {
		m.ClaimsTotal.WithLabelValues(queue, "throttled").Inc()
	}
	return ok, nil
}

// hold records l and starts its heartbeat. The first heartbeat is sent
// before hold returns so the lock exists as soon as the worker starts work.
func (s *Session) hold(l *lease.Lease) {
	hb := &heartbeat{stop: make(chan struct{}), done: make(chan struct{})}

	s.mu.Lock()
	s.held = l
	s.hb = hb
	s.mu.Unlock()

	if err := s.mon.Heartbeat(context.Background(), l.Lock, s.ttl); err != nil {
		s.log.Warn("heartbeat failed", zap.String("lock", l.Lock), zap.Error(err))
	}
	go s.beat(l.Lock, hb)
}

func (s *Session) beat(lock string, hb *heartbeat) {
	defer close(hb.done)

	interval := s.ttl / 4
	if interval <= 0 {
		interval = time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-hb.stop:
			return
		case <-ticker.C:
		}
		if err := s.mon.Heartbeat(context.Background(), lock, s.ttl); err != nil {
			s.log.Warn("heartbeat failed", zap.String("lock", lock), zap.Error(err))
		}
	}
}

// drop stops the heartbeat, waits for it to exit and forgets the lease.
func (s *Session) drop() *lease.Lease {
	s.mu.Lock()
	l, hb := s.held, s.hb
	s.held, s.hb = nil, nil
	s.mu.Unlock()

	if hb != nil {
		close(hb.stop)
		<-hb.done
	}
	return l
}

// Finish marks the held item done. It is a no-op when nothing is held.
func (s *Session) Finish(ctx context.Context) error {
	l := s.drop()
	if l == nil {
		return nil
	}
	return s.mon.Release(ctx, l.Private, l.Lock)
}

// Abandon gives the held item up for redelivery. Only the lock is removed,
// so the reaper finds the item still leased and requeues it.
func (s *Session) Abandon(ctx context.Context) error {
	l := s.drop()
	if l == nil {
		return ErrNoSuchLease
	}
	if err := s.b.Delete(ctx, l.Lock); err != nil {
		return fmt.Errorf("worker: abandon %s: %w", l.ID, err)
	}
	s.log.Info("lease abandoned", zap.String("lease_id", l.ID), zap.String("queue", l.Public))
	return nil
}

// Send appends item to the back of queue.
func (s *Session) Send(ctx context.Context, queue, item string) error {
	if err := s.b.PushHead(ctx, queue, item); err != nil {
		return fmt.Errorf("worker: send %s: %w", queue, err)
	}
	return nil
}

// Expedite puts item at the front of queue.
func (s *Session) Expedite(ctx context.Context, queue, item string) error {
	if err := s.b.PushTail(ctx, queue, item); err != nil {
		return fmt.Errorf("worker: expedite %s: %w", queue, err)
	}
	return nil
}

// Elevate stages item for delivery to queue on the upstream broker.
func (s *Session) Elevate(ctx context.Context, queue, item string) error {
	if s.lifter == nil {
		return ErrNoElevator
	}
	return s.lifter.Lift(ctx, queue, item)
}

func (s *Session) Report(ctx context.Context, msg string) {
	s.reporter.Report(ctx, msg)
}
