package lease

import "context"

// Hooks receives lease transitions. Calls are made asynchronously; errors
// must be handled inside the implementation.
type Hooks interface {
	OnClaim(ctx context.Context, l *Lease)
	// OnComplete fires when the reaper sees a lease end with its private
	// queue empty.
	OnComplete(ctx context.Context, d Descriptor)
	// OnRecover fires once per item returned to the public queue.
	OnRecover(ctx context.Context, d Descriptor, item string)
}

// NoopHooks is the default hook implementation that does nothing.
type NoopHooks struct{}

func (NoopHooks) OnClaim(context.Context, *Lease)               {}
func (NoopHooks) OnComplete(context.Context, Descriptor)        {}
func (NoopHooks) OnRecover(context.Context, Descriptor, string) {}

// MultiHooks fans out events to multiple hook implementations.
type MultiHooks []Hooks

func (m MultiHooks) OnClaim(ctx context.Context, l *Lease) {
	for _, h := range m {
		if h != nil {
			h.OnClaim(ctx, l)
		}
	}
}

func (m MultiHooks) OnComplete(ctx context.Context, d Descriptor) {
	for _, h := range m {
		if h != nil {
			h.OnComplete(ctx, d)
		}
	}
}

func (m MultiHooks) OnRecover(ctx context.Context, d Descriptor, item string) {
	for _, h := range m {
		if h != nil {
			h.OnRecover(ctx, d, item)
		}
	}
}

// Reporter is the slice of status.Reporter the reaper uses.
type Reporter interface {
	Report(ctx context.Context, msg string)
}

type nopReporter struct{}

func (nopReporter) Report(context.Context, string) {}

// fire runs a hook off the hot path. The context keeps its values but not
// its cancellation so a hook outlives the operation that triggered it.
func fire(ctx context.Context, f func(context.Context)) {
	ctx = context.WithoutCancel(ctx)
	go func() {
		defer func() { _ = recover() }()
		f(ctx)
	}()
}
