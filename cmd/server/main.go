// Command server serves the HTTP API and runs the recurring-item scheduler.
package main

import (
	"context"
	"flag"
	"log"
	"marblerun/pkg/api"
	"marblerun/pkg/app"
	"marblerun/pkg/elevator"
	"marblerun/pkg/logging"
	"marblerun/pkg/scheduler"
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
		log.Fatalf("server: %v", err)
	}
	defer rt.Close()
	rt.OpenJournal(ctx)

	schedules := scheduler.NewStore(rt.Broker)
	runner := &scheduler.Runner{Store: schedules, Broker: rt.Broker, Interval: rt.Config.ScheduleInterval}
	reporter := rt.Reporter("server")

	srv := &api.Server{
		Broker:     rt.Broker,
		Elevator:   elevator.New(rt.Broker, nil, elevator.WithPrefix(rt.Config.PendingPrefix)),
		Schedules:  schedules,
		Journal:    rt.Journal,
		AdminToken: rt.Config.AdminToken,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return runner.Run(ctx) })
	g.Go(func() error { return reporter.Keepalive(ctx) })
	g.Go(func() error { return app.Serve(ctx, rt.Config.HTTPAddr, srv.Routes()) })
	if err := g.Wait(); err != nil {
		logging.L().Error("server stopped", zap.Error(err))
		os.Exit(1)
	}
}
