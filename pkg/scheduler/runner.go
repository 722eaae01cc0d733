package scheduler

import (
	"context"
	"marblerun/pkg/broker"
	"marblerun/pkg/logging"
	"time"

	"go.uber.org/zap"
)

// Runner enqueues the items of due schedules.
type Runner struct {
	Store    *Store
	Broker   broker.Broker
	Interval time.Duration
}

// RunDue enqueues every schedule due at now and returns how many fired. A
// schedule whose push fails stays due and fires on the next pass.
func (r *Runner) RunDue(ctx context.Context, now time.Time) (int, error) {
	due, err := r.Store.Due(ctx, now, 0)
	if err != nil {
		return 0, err
	}
	log := logging.Named("scheduler")
	fired := 0
	for _, sc := range due {
		push := r.Broker.PushHead
		if sc.Expedite {
			push = r.Broker.PushTail
		}
		if err := push(ctx, sc.Queue, sc.Item); err != nil {
			log.Warn("schedule enqueue failed", zap.String("schedule_id", sc.ID), zap.String("queue", sc.Queue), zap.Error(err))
			continue
		}
		fired++
		if err := r.Store.MarkRun(ctx, sc); err != nil {
			log.Warn("schedule update failed", zap.String("schedule_id", sc.ID), zap.Error(err))
		}
	}
	return fired, nil
}

// Run evaluates schedules every Interval (default 1s) until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			if _, err := r.RunDue(ctx, now); err != nil && ctx.Err() == nil {
				logging.Named("scheduler").Warn("schedule scan failed", zap.Error(err))
			}
		}
	}
}
