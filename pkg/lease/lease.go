// Package lease implements the lease authority: claiming an item from a
// public queue into a private queue, the lock key whose existence is the
// lease, and the reaper that returns work from dead workers to the public
// queue.
//
// A claim moves one item atomically from the tail of the public queue to
// the head of a private queue and appends a Descriptor to the ledger queue.
// The reaper consumes the ledger in claim order, starts the lease's watch
// window by setting the lock with the lease TTL, and watches until the lock
// disappears. If the private queue still holds the item at that point the
// worker is presumed dead and the item goes back to the public queue.
//
// Delivery is at-least-once: a stalled worker is indistinguishable from a
// dead one, so recovered items must be safe to process again.
package lease

import (
	"errors"
	"time"
)

const (
	DefaultLedger       = "monitor"
	DefaultTTL          = time.Second
	DefaultPollInterval = time.Second
	DefaultLedgerPoll   = 100 * time.Millisecond

	privateSuffix = "_private"
	lockSuffix    = "_lock"
	lockValue     = "1"
)

var (
	// ErrPrivateInUse is returned when a claim names a private queue that
	// already holds items. Private queues hold exactly one item.
	ErrPrivateInUse = errors.New("lease: private queue already holds an item")
	ErrBadRecord    = errors.New("lease: malformed ledger record")
)

// Descriptor is the ledger record for one claim.
type Descriptor struct {
	ID        string    `json:"id"`
	Node      string    `json:"node"`
	Public    string    `json:"public"`
	Private   string    `json:"private"`
	Lock      string    `json:"lock"`
	ClaimedAt time.Time `json:"timestamp"`
}

// Lease is a successful claim: the descriptor plus the claimed item.
type Lease struct {
	Descriptor
	Item string
}

type settings struct {
	ledger     string
	ttl        time.Duration
	poll       time.Duration
	ledgerPoll time.Duration
	node       string
	hooks      Hooks
	reporter   Reporter
}

// Option configures a Monitor or a Reaper.
type Option func(*settings)

// WithLedger sets the ledger queue name. Default: "monitor".
func WithLedger(name string) Option { return func(s *settings) { s.ledger = name } }

// WithTTL sets the lease TTL. Default: 1s.
func WithTTL(d time.Duration) Option { return func(s *settings) { s.ttl = d } }

// WithPollInterval sets how often the reaper checks a lock. Default: 1s.
func WithPollInterval(d time.Duration) Option { return func(s *settings) { s.poll = d } }

// WithLedgerPoll sets how long the reaper sleeps on an empty ledger. Default: 100ms.
func WithLedgerPoll(d time.Duration) Option { return func(s *settings) { s.ledgerPoll = d } }

// WithNode overrides the node name recorded on descriptors (the hostname).
func WithNode(node string) Option { return func(s *settings) { s.node = node } }

func WithHooks(h Hooks) Option {
	return func(s *settings) {
		if h == nil {
			h = NoopHooks{}
		}
		s.hooks = h
	}
}

// WithReporter publishes reaper state ("Waiting", "Monitoring <lock>").
func WithReporter(r Reporter) Option { return func(s *settings) { s.reporter = r } }

func newSettings(opts []Option) settings {
	s := settings{
		ledger:     DefaultLedger,
		ttl:        DefaultTTL,
		poll:       DefaultPollInterval,
		ledgerPoll: DefaultLedgerPoll,
		hooks:      NoopHooks{},
		reporter:   nopReporter{},
	}
	for _, opt := range opts {
		opt(&s)
	}
	return s
}
