package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
)

// Handler processes one item. Returning an error gives the item back for
// redelivery.
type Handler func(ctx context.Context, item string) error

// Worker runs a Handler over every item claimed from Queue.
type Worker struct {
	Session *Session
	Queue   string
	Handler Handler
}

// Start claims and handles items until ctx is done.
func (w *Worker) Start(ctx context.Context) error {
	s := w.Session
	for {
		item, err := s.ClaimOrWait(ctx, w.Queue)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return err
		}

		start := time.Now()
		s.Report(ctx, "Working on "+w.Queue)
		herr := w.Handler(ctx, item)
		switch {
		case herr == nil:
			err = s.Finish(context.WithoutCancel(ctx))
			s.log.Debug("item done", zap.String("queue", w.Queue), zap.Duration("took", time.Since(start)))
		case s.Current() != nil:
			s.log.Warn("handler failed; abandoning item", zap.String("queue", w.Queue), zap.Error(herr))
			err = s.Abandon(context.WithoutCancel(ctx))
		default:
			// unmonitored: the item is gone
			s.log.Error("handler failed; item dropped", zap.String("queue", w.Queue), zap.Error(herr))
		}
		if err != nil {
			s.log.Warn("could not settle item", zap.String("queue", w.Queue), zap.Error(err))
		}
	}
}
