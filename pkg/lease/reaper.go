package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"marblerun/pkg/broker"
	"marblerun/pkg/logging"
	m "marblerun/pkg/metrics"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
)

// handBackTimeout bounds returning descriptors to the ledger on shutdown,
// when the run context is already cancelled.
const handBackTimeout = 5 * time.Second

// Reaper consumes the ledger in claim order and runs one watch per lease.
// Watches proceed independently, so a long lease never delays detection of
// a dead worker on a later one.
type Reaper struct {
	b   broker.Broker
	s   settings
	log *zap.Logger

	mu      sync.Mutex
	watches map[string]*watch
	wg      sync.WaitGroup
}

type watch struct {
	d      Descriptor
	cancel context.CancelFunc
}

func NewReaper(b broker.Broker, opts ...Option) *Reaper {
	return &Reaper{
		b:       b,
		s:       newSettings(opts),
		log:     logging.Named("reaper"),
		watches: make(map[string]*watch),
	}
}

// Run pops ledger records until ctx is done. On shutdown every in-flight
// watch is stopped and its descriptor pushed back to the ledger tail, so the
// next reaper resumes those leases first. Run returns once all watches have
// exited.
func (r *Reaper) Run(ctx context.Context) error {
	r.s.reporter.Report(ctx, "Started")
	r.log.Info("reaper started", zap.String("ledger", r.s.ledger))
	defer r.Wait()

	idle := false
	for ctx.Err() == nil {
		started, err := r.ReapOnce(ctx)
		if err != nil && ctx.Err() == nil {
			r.log.Warn("ledger read failed", zap.Error(err))
		}
		if started {
			idle = false
			continue
		}
		if !idle && len(r.Active()) == 0 {
			r.s.reporter.Report(ctx, "Waiting")
			idle = true
		}
		select {
		case <-ctx.Done():
		case <-time.After(r.s.ledgerPoll):
		}
	}
	r.log.Info("reaper stopping", zap.Int("watches", len(r.Active())))
	return nil
}

// ReapOnce takes at most one record off the ledger and starts watching it.
// It reports whether a watch was started. Watches stop when ctx is done.
func (r *Reaper) ReapOnce(ctx context.Context) (bool, error) {
	raw, ok, err := r.b.PopTail(ctx, r.s.ledger)
	if err != nil {
		return false, fmt.Errorf("lease: read ledger: %w", err)
	}
	if !ok {
		return false, nil
	}

	var d Descriptor
	if err := json.Unmarshal([]byte(raw), &d); err != nil || d.Lock == "" || d.Private == "" {
		r.log.Error("dropping malformed ledger record", zap.String("record", raw), zap.Error(err))
		return false, fmt.Errorf("%w: %q", ErrBadRecord, raw)
	}

	// Already released before we got to it: nothing to watch, and setting
	// the lock now would only leave it dangling for a TTL.
	n, err := r.b.Len(ctx, d.Private)
	if err == nil && n == 0 {
		r.complete(ctx, d)
		return true, nil
	}

	if err == nil {
		err = r.b.Set(ctx, d.Lock, lockValue, r.s.ttl)
	}
	if err != nil {
		r.handBack(d)
		return false, fmt.Errorf("lease: start watch %s: %w", d.ID, err)
	}

	// A release landing between the first check and Set leaves our lock
	// behind an empty private queue. Look again and take the lock back.
	if n, err := r.b.Len(ctx, d.Private); err == nil && n == 0 {
		if err := r.b.Delete(ctx, d.Lock); err != nil {
			r.log.Debug("stale lock cleanup failed", zap.String("lock", d.Lock), zap.Error(err))
		}
		r.complete(ctx, d)
		return true, nil
	}

	r.start(ctx, d)
	r.s.reporter.Report(ctx, "Monitoring "+d.Lock)
	return true, nil
}

// Active returns the leases currently watched, oldest claim first.
func (r *Reaper) Active() []Descriptor {
	r.mu.Lock()
	out := make([]Descriptor, 0, len(r.watches))
	for _, w := range r.watches {
		out = append(out, w.d)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ClaimedAt.Before(out[j].ClaimedAt) })
	return out
}

// Wait blocks until every watch has exited.
func (r *Reaper) Wait() { r.wg.Wait() }

func (r *Reaper) start(ctx context.Context, d Descriptor) {
	wctx, cancel := context.WithCancel(ctx)
	w := &watch{d: d, cancel: cancel}

	r.mu.Lock()
	r.watches[d.ID] = w
	m.ActiveLeases.Set(float64(len(r.watches)))
	r.mu.Unlock()

	r.wg.Add(1)
	go r.watch(wctx, w)
}

func (r *Reaper) forget(id string) {
	r.mu.Lock()
	if w, ok := r.watches[id]; ok {
		w.cancel()
		delete(r.watches, id)
	}
	m.ActiveLeases.Set(float64(len(r.watches)))
	r.mu.Unlock()
}

// watch polls the lock until it disappears, then settles the lease. Broker
// errors never end a watch; the next tick tries again.
func (r *Reaper) watch(ctx context.Context, w *watch) {
	defer r.wg.Done()
	defer r.forget(w.d.ID)

	log := r.log.With(zap.String("lease_id", w.d.ID), zap.String("lock", w.d.Lock))
	ticker := time.NewTicker(r.s.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.handBack(w.d)
			return
		case <-ticker.C:
		}

		_, held, err := r.b.Get(ctx, w.d.Lock, 0)
		if err != nil {
			if ctx.Err() == nil {
				log.Warn("lock check failed", zap.Error(err))
			}
			continue
		}
		if held {
			continue
		}
		if err := r.settle(ctx, w.d); err != nil {
			if ctx.Err() == nil {
				log.Warn("settling lease failed; retrying", zap.Error(err))
			}
			continue
		}
		return
	}
}

// settle runs once the lock is gone. An item still in the private queue
// means the worker died holding it: move it back to the public queue.
func (r *Reaper) settle(ctx context.Context, d Descriptor) error {
	n, err := r.b.Len(ctx, d.Private)
	if err != nil {
		return err
	}
	if n == 0 {
		r.complete(ctx, d)
		return nil
	}
	if n > 1 {
		m.PrivateQueueViolations.Inc()
		r.log.Warn("private queue holds more than one item; requeueing all",
			zap.String("lease_id", d.ID), zap.String("private", d.Private), zap.Int64("items", n))
	}

	// Transfer is atomic per item, so a failure part way leaves the rest in
	// the private queue for the retry.
	for {
		item, ok, err := r.b.Transfer(ctx, d.Private, d.Public)
		if err != nil {
			return err
		}
		if !ok {
			break
		}
		r.log.Info("worker presumed dead; item requeued",
			zap.String("lease_id", d.ID), zap.String("queue", d.Public), zap.String("node", d.Node))
		fire(ctx, func(ctx context.Context) { r.s.hooks.OnRecover(ctx, d, item) })
	}
	if err := r.b.Delete(ctx, d.Private); err != nil {
		r.log.Debug("private queue cleanup failed", zap.String("private", d.Private), zap.Error(err))
	}
	m.ObserveLeaseRetired(d.Public, "recovered", d.ClaimedAt)
	return nil
}

func (r *Reaper) complete(ctx context.Context, d Descriptor) {
	r.log.Debug("lease completed", zap.String("lease_id", d.ID), zap.String("queue", d.Public))
	m.ObserveLeaseRetired(d.Public, "completed", d.ClaimedAt)
	fire(ctx, func(ctx context.Context) { r.s.hooks.OnComplete(ctx, d) })
}

// handBack returns a descriptor to the tail of the ledger, the next position
// to be read.
func (r *Reaper) handBack(d Descriptor) {
	ctx, cancel := context.WithTimeout(context.Background(), handBackTimeout)
	defer cancel()

	raw, err := json.Marshal(d)
	if err == nil {
		err = r.b.PushTail(ctx, r.s.ledger, string(raw))
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		r.log.Error("could not return lease to ledger; item recoverable only by hand",
			zap.String("lease_id", d.ID), zap.String("private", d.Private), zap.Error(err))
	}
}
