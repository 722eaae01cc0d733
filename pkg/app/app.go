// Package app wires configuration into the components each binary runs.
package app

import (
	"context"
	"errors"
	"fmt"
	"marblerun/pkg/broker"
	"marblerun/pkg/config"
	"marblerun/pkg/lease"
	"marblerun/pkg/logging"
	"marblerun/pkg/persistence"
	"marblerun/pkg/ratelimit"
	"marblerun/pkg/status"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// Runtime is the shared state of one process.
type Runtime struct {
	Config  config.Config
	Broker  *broker.RedisBroker
	Journal *persistence.PostgresHooks
}

// Setup loads configuration, builds the global logger and connects to the
// local broker.
func Setup(ctx context.Context, configPath string) (*Runtime, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if err := logging.Init(cfg.Log.Production, cfg.Log.Level); err != nil {
		return nil, err
	}
	b, err := openBroker(ctx, cfg.Broker)
	if err != nil {
		return nil, fmt.Errorf("local broker: %w", err)
	}
	return &Runtime{Config: cfg, Broker: b}, nil
}

// OpenUpstream connects to the escalation target.
func (rt *Runtime) OpenUpstream(ctx context.Context) (*broker.RedisBroker, error) {
	b, err := openBroker(ctx, rt.Config.Upstream)
	if err != nil {
		return nil, fmt.Errorf("upstream broker: %w", err)
	}
	return b, nil
}

func openBroker(ctx context.Context, c config.BrokerConfig) (*broker.RedisBroker, error) {
	opts := []broker.Option{broker.WithPoolSize(c.PoolSize)}
	if c.Password != "" {
		opts = append(opts, broker.WithPassword(c.Password))
	}
	return broker.Open(ctx, c.URL, opts...)
}

// OpenJournal connects the Postgres lease journal when a DSN is configured.
// A journal that cannot be reached is logged and skipped.
func (rt *Runtime) OpenJournal(ctx context.Context) lease.Hooks {
	if rt.Config.PostgresDSN == "" {
		return lease.NoopHooks{}
	}
	j, err := persistence.NewPostgresHooks(ctx, rt.Config.PostgresDSN)
	if err != nil {
		logging.L().Warn("lease journal disabled", zap.Error(err))
		return lease.NoopHooks{}
	}
	logging.L().Info("Postgres persistence enabled for lease events")
	rt.Journal = j
	return j
}

// LeaseOptions carries the lease settings from the configuration.
func (rt *Runtime) LeaseOptions(extra ...lease.Option) []lease.Option {
	c := rt.Config
	opts := []lease.Option{
		lease.WithLedger(c.LedgerQueue),
		lease.WithTTL(c.LeaseTTL),
		lease.WithPollInterval(c.PollInterval),
		lease.WithLedgerPoll(c.LedgerPoll),
	}
	return append(opts, extra...)
}

// Limiter returns the claim limiter when rate limiting is enabled: a Redis
// token bucket shared by every worker, or a per-process one when the
// limits are not shared.
func (rt *Runtime) Limiter() ratelimit.Limiter {
	c := rt.Config.RateLimit
	switch {
	case !c.Enabled:
		return ratelimit.Noop{}
	case !c.Shared:
		return ratelimit.NewMemoryLimiter(c)
	}
	return ratelimit.NewRedisLimiter(rt.Broker.Client(), c)
}

// Reporter returns a status reporter for an instance of class.
func (rt *Runtime) Reporter(class string) *status.Reporter {
	return status.New(rt.Broker, class, status.WithTTL(rt.Config.StatusTTL))
}

func (rt *Runtime) Close() {
	if rt.Journal != nil {
		_ = rt.Journal.Close()
	}
	_ = rt.Broker.Close()
	logging.Sync()
}

// Serve runs an HTTP server on addr until ctx is done, then shuts it down.
func Serve(ctx context.Context, addr string, h http.Handler) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 5 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		logging.L().Info("http listening", zap.String("addr", addr))
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
