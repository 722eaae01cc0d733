package lease

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"marblerun/pkg/broker"
	"marblerun/pkg/logging"
	m "marblerun/pkg/metrics"
	"os"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Monitor is the worker-facing half of the lease authority.
type Monitor struct {
	b   broker.Broker
	s   settings
	log *zap.Logger
}

func NewMonitor(b broker.Broker, opts ...Option) *Monitor {
	s := newSettings(opts)
	if s.node == "" {
		s.node, _ = os.Hostname()
	}
	return &Monitor{b: b, s: s, log: logging.Named("monitor")}
}

// TTL is the lease TTL heartbeats should use.
func (mon *Monitor) TTL() time.Duration { return mon.s.ttl }

// Claim moves the next item of public into a private queue and records the
// lease on the ledger. It returns nil and no error when public is empty.
// Empty private or lock names default to "<lease id>_private" and
// "<lease id>_lock".
func (mon *Monitor) Claim(ctx context.Context, public, private, lock string) (*Lease, error) {
	id := uuid.NewString()
	if private == "" {
		private = id + privateSuffix
	}
	if lock == "" {
		lock = id + lockSuffix
	}

	// the emptiness check and the move are one broker operation, so two
	// claims naming the same private queue cannot both land in it
	item, ok, err := mon.b.TransferExclusive(ctx, public, private)
	if errors.Is(err, broker.ErrNotEmpty) {
		m.ClaimsTotal.WithLabelValues(public, "busy").Inc()
		return nil, fmt.Errorf("%w: %s", ErrPrivateInUse, private)
	}
	if err != nil {
		m.ClaimsTotal.WithLabelValues(public, "error").Inc()
		return nil, fmt.Errorf("lease: claim %s: %w", public, err)
	}
	if !ok {
		m.ClaimsTotal.WithLabelValues(public, "empty").Inc()
		return nil, nil
	}

	l := &Lease{
		Descriptor: Descriptor{
			ID:        id,
			Node:      mon.s.node,
			Public:    public,
			Private:   private,
			Lock:      lock,
			ClaimedAt: time.Now(),
		},
		Item: item,
	}
	if err := mon.record(ctx, l.Descriptor); err != nil {
		// the reaper will never hear of this lease, so the item cannot stay
		// in the private queue
		if uerr := mon.undo(ctx, l); uerr != nil {
			mon.log.Error("claim rollback failed; item stranded in private queue",
				zap.String("lease_id", id), zap.String("queue", public),
				zap.String("private", private), zap.Error(uerr))
			err = errors.Join(err, uerr)
		}
		m.ClaimsTotal.WithLabelValues(public, "error").Inc()
		return nil, fmt.Errorf("lease: claim %s: %w", public, err)
	}

	m.ClaimsTotal.WithLabelValues(public, "claimed").Inc()
	mon.log.Debug("claimed", zap.String("lease_id", id), zap.String("queue", public))
	fire(ctx, func(ctx context.Context) { mon.s.hooks.OnClaim(ctx, l) })
	return l, nil
}

// Release ends a lease by deleting its private queue and lock in one call.
// Deleting both together means the reaper never observes a missing lock
// next to a still-full private queue. Releasing twice is harmless.
func (mon *Monitor) Release(ctx context.Context, private, lock string) error {
	if err := mon.b.Delete(ctx, private, lock); err != nil {
		return fmt.Errorf("lease: release %s: %w", lock, err)
	}
	m.ReleasesTotal.Inc()
	return nil
}

// Heartbeat refreshes lock for ttl, or the monitor's TTL when ttl <= 0. It
// must be called more often than the TTL elapses.
func (mon *Monitor) Heartbeat(ctx context.Context, lock string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = mon.s.ttl
	}
	if err := mon.b.Set(ctx, lock, lockValue, ttl); err != nil {
		m.HeartbeatsTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("lease: heartbeat %s: %w", lock, err)
	}
	m.HeartbeatsTotal.WithLabelValues("ok").Inc()
	return nil
}

func (mon *Monitor) record(ctx context.Context, d Descriptor) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return mon.b.PushHead(ctx, mon.s.ledger, string(raw))
}

// undo puts a claimed item back where it came from: the tail of public.
func (mon *Monitor) undo(ctx context.Context, l *Lease) error {
	if err := mon.b.PushTail(ctx, l.Public, l.Item); err != nil {
		return err
	}
	return mon.b.Delete(ctx, l.Private)
}
