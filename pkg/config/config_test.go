package config_test

import (
	"marblerun/pkg/config"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func TestDefaults(t *testing.T) {
	cfg, err := config.LoadWithEnv("", env(nil))
	require.NoError(t, err)

	assert.Equal(t, time.Second, cfg.LeaseTTL)
	assert.Equal(t, 250*time.Millisecond, cfg.HeartbeatInterval())
	assert.Equal(t, "monitor", cfg.LedgerQueue)
	assert.Equal(t, "elevate_", cfg.PendingPrefix)
	assert.True(t, cfg.Monitored)
	assert.Equal(t, cfg.Broker, cfg.Upstream, "upstream inherits the local broker")
}

func TestLoadFileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "marblerun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
broker:
  url: redis://local:6379/1
  password: secret
upstream:
  url: redis://hq:6379/0
lease_ttl: 8s
wait_poll: 250ms
rate_limit:
  enabled: true
  queue_rate_per_second: 5
  queue_burst_size: 10
`), 0o600))

	cfg, err := config.LoadWithEnv(path, env(map[string]string{
		"MARBLERUN_POLL_INTERVAL":     "2s",
		"MARBLERUN_MONITORED":         "false",
		"POSTGRES_DSN":                "postgres://localhost/marbles",
		"ADMIN_TOKEN":                 "s3cret",
		"MARBLERUN_RATE_LIMIT_SHARED": "false",
	}))
	require.NoError(t, err)

	assert.Equal(t, "redis://local:6379/1", cfg.Broker.URL)
	assert.Equal(t, "redis://hq:6379/0", cfg.Upstream.URL)
	assert.Equal(t, "secret", cfg.Upstream.Password, "unset upstream password inherits")
	assert.Equal(t, 8*time.Second, cfg.LeaseTTL)
	assert.Equal(t, 2*time.Second, cfg.HeartbeatInterval())
	assert.Equal(t, 250*time.Millisecond, cfg.WaitPoll)
	assert.Equal(t, 2*time.Second, cfg.PollInterval)
	assert.False(t, cfg.Monitored)
	assert.Equal(t, "postgres://localhost/marbles", cfg.PostgresDSN)
	assert.Equal(t, "s3cret", cfg.AdminToken)
	assert.True(t, cfg.RateLimit.Enabled)
	assert.Equal(t, 10, cfg.RateLimit.QueueBurstSize)
	assert.False(t, cfg.RateLimit.Shared)
}

func TestValidate(t *testing.T) {
	_, err := config.LoadWithEnv("", env(map[string]string{"MARBLERUN_LEASE_TTL": "3ns"}))
	assert.ErrorIs(t, err, config.ErrInvalid)

	_, err = config.LoadWithEnv("", env(map[string]string{"MARBLERUN_WAIT_POLL": "soon"}))
	assert.Error(t, err)

	_, err = config.LoadWithEnv(filepath.Join(t.TempDir(), "missing.yaml"), env(nil))
	assert.Error(t, err)
}
