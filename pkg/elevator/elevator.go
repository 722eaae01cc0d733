// Package elevator forwards items from a local broker to an upstream one.
// Producers stage items in local buffers named "<prefix><queue>"; each flush
// drains every buffer and pushes its items, oldest first, to <queue> on the
// upstream broker. A batch that cannot be forwarded is put back at the front
// of its buffer, so items are never dropped but may reach upstream twice.
package elevator

import (
	"context"
	"fmt"
	"marblerun/pkg/broker"
	"marblerun/pkg/logging"
	m "marblerun/pkg/metrics"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	DefaultPrefix   = "elevate_"
	DefaultInterval = time.Second
)

// Reporter publishes the elevator's status message.
type Reporter interface {
	Report(ctx context.Context, msg string)
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, string) {}

type Elevator struct {
	local    broker.Broker
	upstream broker.Broker
	prefix   string
	interval time.Duration
	reporter Reporter
	log      *zap.Logger

	// mu serializes flushes; held holds batches that could be neither
	// forwarded nor re-staged, keyed by buffer name.
	mu   sync.Mutex
	held map[string][]string
}

type Option func(*Elevator)

// WithPrefix sets the local buffer prefix. Default: "elevate_".
func WithPrefix(p string) Option { return func(e *Elevator) { e.prefix = p } }

// WithInterval sets the pause between flushes in Run. Default: 1s.
func WithInterval(d time.Duration) Option { return func(e *Elevator) { e.interval = d } }

func WithReporter(r Reporter) Option {
	return func(e *Elevator) {
		if r != nil {
			e.reporter = r
		}
	}
}

// New returns an elevator staging into local. A process that only lifts
// may pass a nil upstream; Flush needs one.
func New(local, upstream broker.Broker, opts ...Option) *Elevator {
	e := &Elevator{
		local:    local,
		upstream: upstream,
		prefix:   DefaultPrefix,
		interval: DefaultInterval,
		reporter: nopReporter{},
		log:      logging.Named("elevator"),
		held:     make(map[string][]string),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lift stages item for queue on the upstream broker.
func (e *Elevator) Lift(ctx context.Context, queue, item string) error {
	if err := e.local.PushHead(ctx, e.prefix+queue, item); err != nil {
		return fmt.Errorf("elevator: lift %s: %w", queue, err)
	}
	return nil
}

// Pending returns the names of the local buffers that hold items.
func (e *Elevator) Pending(ctx context.Context) ([]string, error) {
	keys, err := e.local.Keys(ctx, e.prefix+"*")
	if err != nil {
		return nil, fmt.Errorf("elevator: pending: %w", err)
	}
	return keys, nil
}

// Result counts the items a flush moved.
type Result struct {
	Forwarded int
	Restaged  int
}

// Flush runs one cycle over every pending buffer. A failure on one queue
// does not stop the others; the returned error reports the first listing
// failure only, since forwarding failures are retried by the next cycle.
func (e *Elevator) Flush(ctx context.Context) (Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	var res Result
	e.restageHeld(ctx)

	buffers, err := e.Pending(ctx)
	if err != nil {
		return res, err
	}
	for _, buffer := range buffers {
		if _, stuck := e.held[buffer]; stuck {
			// keep the held batch ahead of anything staged after it
			continue
		}
		items, err := e.local.Dump(ctx, buffer, true)
		if err != nil {
			e.log.Warn("drain failed", zap.String("buffer", buffer), zap.Error(err))
			continue
		}
		fwd, rst := e.forward(ctx, buffer, items)
		res.Forwarded += fwd
		res.Restaged += rst
	}
	return res, nil
}

// forward pushes items to upstream in order. On the first failure the whole
// batch goes back to the local buffer.
func (e *Elevator) forward(ctx context.Context, buffer string, items []string) (int, int) {
	queue := strings.TrimPrefix(buffer, e.prefix)
	for i, item := range items {
		if err := e.upstream.PushHead(ctx, queue, item); err != nil {
			e.log.Warn("upstream unavailable; returning batch to buffer",
				zap.String("queue", queue), zap.Int("forwarded", i), zap.Int("batch", len(items)), zap.Error(err))
			m.ElevatorRollbacksTotal.WithLabelValues(queue).Inc()
			if i > 0 {
				m.ElevatorForwardedTotal.WithLabelValues(queue).Add(float64(i))
			}
			e.restage(ctx, buffer, items)
			return i, len(items)
		}
	}
	if len(items) > 0 {
		m.ElevatorForwardedTotal.WithLabelValues(queue).Add(float64(len(items)))
		e.log.Debug("forwarded", zap.String("queue", queue), zap.Int("items", len(items)))
	}
	return len(items), 0
}

// restage puts items back at the front of buffer in their original order.
// Whatever cannot be written is held for the next cycle.
func (e *Elevator) restage(ctx context.Context, buffer string, items []string) {
	for i := len(items) - 1; i >= 0; i-- {
		if err := e.local.PushTail(ctx, buffer, items[i]); err != nil {
			e.log.Error("re-stage failed; holding batch in memory",
				zap.String("buffer", buffer), zap.Int("items", i+1), zap.Error(err))
			e.held[buffer] = append([]string(nil), items[:i+1]...)
			return
		}
	}
}

func (e *Elevator) restageHeld(ctx context.Context) {
	held := e.held
	e.held = make(map[string][]string)
	for buffer, items := range held {
		e.restage(ctx, buffer, items)
	}
}

// Held returns how many items are waiting in memory for the local broker.
func (e *Elevator) Held() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, items := range e.held {
		n += len(items)
	}
	return n
}

// Run flushes every interval until ctx is done. A cycle always finishes
// before the next one starts.
func (e *Elevator) Run(ctx context.Context) error {
	e.reporter.Report(ctx, "Started")
	e.log.Info("elevator started", zap.String("prefix", e.prefix), zap.Duration("interval", e.interval))
	for {
		res, err := e.Flush(ctx)
		switch {
		case err != nil && ctx.Err() == nil:
			e.log.Warn("flush failed", zap.Error(err))
			e.reporter.Report(ctx, "Flush failed")
		case res.Restaged > 0:
			e.reporter.Report(ctx, "Upstream unavailable")
		case res.Forwarded > 0:
			e.reporter.Report(ctx, fmt.Sprintf("Forwarded %d", res.Forwarded))
		}
		select {
		case <-ctx.Done():
			if n := e.Held(); n > 0 {
				e.log.Error("stopping with items held in memory", zap.Int("items", n))
			}
			return nil
		case <-time.After(e.interval):
		}
	}
}
