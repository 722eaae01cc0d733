// Package config loads process settings from an optional YAML file and
// MARBLERUN_* environment variables. Components receive the resulting
// Config (or the fields they need) through their constructors.
package config

import (
	"errors"
	"fmt"
	"marblerun/pkg/ratelimit"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// BrokerConfig addresses one broker tier.
type BrokerConfig struct {
	URL      string `yaml:"url"`
	Password string `yaml:"password"`
	PoolSize int    `yaml:"pool_size"`
}

type LogConfig struct {
	Production bool   `yaml:"production"`
	Level      string `yaml:"level"`
}

type Config struct {
	Broker BrokerConfig `yaml:"broker"`
	// Upstream is the escalation target. Unset fields inherit from Broker.
	Upstream BrokerConfig `yaml:"upstream"`

	LeaseTTL         time.Duration `yaml:"lease_ttl"`
	PollInterval     time.Duration `yaml:"poll_interval"`
	LedgerPoll       time.Duration `yaml:"ledger_poll"`
	WaitPoll         time.Duration `yaml:"wait_poll"`
	ElevatorInterval time.Duration `yaml:"elevator_interval"`
	StatusTTL        time.Duration `yaml:"status_ttl"`
	ScheduleInterval time.Duration `yaml:"schedule_interval"`

	LedgerQueue   string `yaml:"ledger_queue"`
	PendingPrefix string `yaml:"pending_prefix"`
	Monitored     bool   `yaml:"monitored"`

	HTTPAddr    string           `yaml:"http_addr"`
	AdminToken  string           `yaml:"admin_token"`
	PostgresDSN string           `yaml:"postgres_dsn"`
	RateLimit   ratelimit.Config `yaml:"rate_limit"`
	Log         LogConfig        `yaml:"log"`
}

var ErrInvalid = errors.New("config: invalid")

// Default returns the settings every process starts from.
func Default() Config {
	return Config{
		Broker:           BrokerConfig{URL: "redis://localhost:6379/0", PoolSize: 10},
		LeaseTTL:         time.Second,
		PollInterval:     time.Second,
		LedgerPoll:       100 * time.Millisecond,
		WaitPoll:         100 * time.Millisecond,
		ElevatorInterval: time.Second,
		StatusTTL:        60 * time.Second,
		ScheduleInterval: time.Second,
		LedgerQueue:      "monitor",
		PendingPrefix:    "elevate_",
		Monitored:        true,
		HTTPAddr:         ":8080",
		RateLimit:        ratelimit.Config{Shared: true},
		Log:              LogConfig{Production: true},
	}
}

// Load reads path (if non-empty) over the defaults, then applies the
// process environment.
func Load(path string) (Config, error) {
	return LoadWithEnv(path, os.Getenv)
}

// LoadWithEnv is Load with an injectable environment lookup.
func LoadWithEnv(path string, getenv func(string) string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := applyEnv(&cfg, getenv); err != nil {
		return Config{}, err
	}
	cfg.inheritUpstream()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// HeartbeatInterval is how often a worker refreshes its lock.
func (c Config) HeartbeatInterval() time.Duration {
	return c.LeaseTTL / 4
}

func (c Config) Validate() error {
	switch {
	case c.Broker.URL == "":
		return fmt.Errorf("%w: broker url is empty", ErrInvalid)
	case c.HeartbeatInterval() <= 0:
		return fmt.Errorf("%w: lease_ttl %s is too short", ErrInvalid, c.LeaseTTL)
	case c.PollInterval <= 0 || c.LedgerPoll <= 0 || c.WaitPoll <= 0:
		return fmt.Errorf("%w: poll intervals must be positive", ErrInvalid)
	case c.ElevatorInterval <= 0 || c.ScheduleInterval <= 0:
		return fmt.Errorf("%w: elevator_interval and schedule_interval must be positive", ErrInvalid)
	case c.LedgerQueue == "" || c.PendingPrefix == "":
		return fmt.Errorf("%w: ledger_queue and pending_prefix are required", ErrInvalid)
	}
	return nil
}

func (c *Config) inheritUpstream() {
	if c.Upstream.URL == "" {
		c.Upstream.URL = c.Broker.URL
	}
	if c.Upstream.Password == "" {
		c.Upstream.Password = c.Broker.Password
	}
	if c.Upstream.PoolSize == 0 {
		c.Upstream.PoolSize = c.Broker.PoolSize
	}
}

func applyEnv(c *Config, getenv func(string) string) error {
	strs := map[string]*string{
		"MARBLERUN_BROKER_URL":        &c.Broker.URL,
		"MARBLERUN_BROKER_PASSWORD":   &c.Broker.Password,
		"MARBLERUN_UPSTREAM_URL":      &c.Upstream.URL,
		"MARBLERUN_UPSTREAM_PASSWORD": &c.Upstream.Password,
		"MARBLERUN_HTTP_ADDR":         &c.HTTPAddr,
		"ADMIN_TOKEN":                 &c.AdminToken,
		"MARBLERUN_LOG_LEVEL":         &c.Log.Level,
		"POSTGRES_DSN":                &c.PostgresDSN,
	}
	for name, dst := range strs {
		if v := getenv(name); v != "" {
			*dst = v
		}
	}

	durations := map[string]*time.Duration{
		"MARBLERUN_LEASE_TTL":         &c.LeaseTTL,
		"MARBLERUN_POLL_INTERVAL":     &c.PollInterval,
		"MARBLERUN_WAIT_POLL":         &c.WaitPoll,
		"MARBLERUN_ELEVATOR_INTERVAL": &c.ElevatorInterval,
	}
	for name, dst := range durations {
		v := getenv(name)
		if v == "" {
			continue
		}
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = d
	}

	bools := map[string]*bool{
		"MARBLERUN_MONITORED":         &c.Monitored,
		"MARBLERUN_RATE_LIMIT_SHARED": &c.RateLimit.Shared,
	}
	for name, dst := range bools {
		v := getenv(name)
		if v == "" {
			continue
		}
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %s: %w", name, err)
		}
		*dst = b
	}
	return nil
}
