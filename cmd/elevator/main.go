// Command elevator forwards staged items from the local broker to the
// upstream broker.
package main

import (
	"context"
	"flag"
	"log"
	"marblerun/pkg/app"
	"marblerun/pkg/elevator"
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
		log.Fatalf("elevator: %v", err)
	}
	defer rt.Close()

	upstream, err := rt.OpenUpstream(ctx)
	if err != nil {
		logging.L().Fatal("cannot reach upstream", zap.Error(err))
	}
	defer upstream.Close()

	reporter := rt.Reporter("elevator")
	e := elevator.New(rt.Broker, upstream,
		elevator.WithPrefix(rt.Config.PendingPrefix),
		elevator.WithInterval(rt.Config.ElevatorInterval),
		elevator.WithReporter(reporter),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return e.Run(ctx) })
	g.Go(func() error { return reporter.Keepalive(ctx) })
	if err := g.Wait(); err != nil {
		logging.L().Error("elevator stopped", zap.Error(err))
		os.Exit(1)
	}
}
