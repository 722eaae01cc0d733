// Command worker is a reference worker: it claims items from a queue, logs
// them, and fails any item equal to "fail" so it is redelivered.
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"marblerun/pkg/app"
	"marblerun/pkg/elevator"
	"marblerun/pkg/lease"
	"marblerun/pkg/logging"
	"marblerun/pkg/worker"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	queue := flag.String("queue", "jobs", "public queue to consume")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Setup(ctx, *configPath)
	if err != nil {
		log.Fatalf("worker: %v", err)
	}
	defer rt.Close()

	reporter := rt.Reporter("marble")
	mon := lease.NewMonitor(rt.Broker, rt.LeaseOptions(lease.WithHooks(rt.OpenJournal(ctx)))...)
	limiter := rt.Limiter()
	defer limiter.Close()

	session := worker.NewSession(rt.Broker, mon,
		worker.WithID(reporter.ID()),
		worker.WithReporter(reporter),
		worker.WithRateLimiter(limiter),
		worker.WithElevator(elevator.New(rt.Broker, nil, elevator.WithPrefix(rt.Config.PendingPrefix))),
		worker.WithWaitPoll(rt.Config.WaitPoll),
		worker.WithMonitored(rt.Config.Monitored),
	)
	w := &worker.Worker{
		Session: session,
		Queue:   *queue,
		Handler: func(ctx context.Context, item string) error {
			logging.L().Info("processing", zap.String("queue", *queue), zap.String("item", item))
			if item == "fail" {
				return errors.New("simulated failure")
			}
			return nil
		},
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Start(ctx) })
	g.Go(func() error { return reporter.Keepalive(ctx) })
	if err := g.Wait(); err != nil {
		logging.L().Error("worker stopped", zap.Error(err))
		os.Exit(1)
	}
}
