// Command monitor runs the reaper: it watches every lease on the ledger and
// returns the items of dead workers to their public queues.
package main

import (
	"context"
	"flag"
	"log"
	"marblerun/pkg/api"
	"marblerun/pkg/app"
	"marblerun/pkg/lease"
	"marblerun/pkg/logging"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	rt, err := app.Setup(ctx, *configPath)
	if err != nil {
		log.Fatalf("monitor: %v", err)
	}
	defer rt.Close()

	reporter := rt.Reporter("monitor")
	hooks := rt.OpenJournal(ctx)
	reaper := lease.NewReaper(rt.Broker, rt.LeaseOptions(lease.WithHooks(hooks), lease.WithReporter(reporter))...)

	srv := &api.Server{Broker: rt.Broker, Reaper: reaper, Journal: rt.Journal}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return reaper.Run(ctx) })
	g.Go(func() error { return reporter.Keepalive(ctx) })
	g.Go(func() error { return app.Serve(ctx, rt.Config.HTTPAddr, srv.Routes()) })

	if err := g.Wait(); err != nil {
		logging.L().Error("monitor stopped", zap.Error(err))
		os.Exit(1)
	}
}
