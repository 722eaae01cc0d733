// Package broker defines the list/key-value primitives the lease protocol is
// built on, with a Redis implementation and an in-memory twin.
//
// Queues are lists: producers push at the head and consumers pop from the
// tail, so head-to-tail order is newest-to-oldest. Every method that returns
// an item also returns ok; ok=false is the empty marker (queue empty or key
// absent) and is never reported as an error.
package broker

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEmptyConnectionURL = errors.New("broker: empty connection URL")
	ErrFailedToParseURL   = errors.New("broker: failed to parse connection URL")
	ErrConnectionFailed   = errors.New("broker: failed to establish connection")
	ErrHealthcheckFailed  = errors.New("broker: healthcheck failed")

	// ErrNotEmpty is returned by TransferExclusive when dst holds items.
	ErrNotEmpty = errors.New("broker: destination not empty")
)

// Broker is the shared queue and key/value store. Implementations must make
// Transfer, Set and Delete single atomic operations.
type Broker interface {
	PushHead(ctx context.Context, queue, item string) error
	PushTail(ctx context.Context, queue, item string) error
	PopHead(ctx context.Context, queue string) (string, bool, error)
	PopTail(ctx context.Context, queue string) (string, bool, error)

	// Transfer moves the tail of src to the head of dst atomically.
	Transfer(ctx context.Context, src, dst string) (string, bool, error)
	// TransferExclusive is Transfer guarded by dst being empty, checked in
	// the same atomic step. It returns ErrNotEmpty and moves nothing
	// otherwise.
	TransferExclusive(ctx context.Context, src, dst string) (string, bool, error)

	// Dump returns the items of queue in dequeue order (oldest first).
	// With drain the items are removed in the same atomic step.
	Dump(ctx context.Context, queue string, drain bool) ([]string, error)
	Len(ctx context.Context, queue string) (int64, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	// Get reads key, refreshing its expiry to refresh when refresh > 0.
	Get(ctx context.Context, key string, refresh time.Duration) (string, bool, error)
	// Delete removes keys; absent keys are ignored.
	Delete(ctx context.Context, keys ...string) error
	// Keys lists key names matching a glob pattern.
	Keys(ctx context.Context, pattern string) ([]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Healthcheck returns a closure that validates broker connectivity for
// health endpoints.
func Healthcheck(b Broker) func(context.Context) error {
	return func(ctx context.Context) error {
		if b == nil {
			return ErrHealthcheckFailed
		}
		if err := b.Ping(ctx); err != nil {
			return errors.Join(ErrHealthcheckFailed, err)
		}
		return nil
	}
}
