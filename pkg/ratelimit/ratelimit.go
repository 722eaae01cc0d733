// Package ratelimit throttles claim attempts per public queue and per worker.
package ratelimit

import (
	"context"
)

// Limiter decides whether a claim attempt may proceed.
type Limiter interface {
	// AllowQueue reports whether another item may be claimed from queue.
	AllowQueue(ctx context.Context, queue string) (bool, error)

	// AllowWorker reports whether the worker may claim another item.
	AllowWorker(ctx context.Context, workerID string) (bool, error)

	Close() error
}

// Config holds token bucket settings. Zero rates disable that dimension.
// Shared buckets live in Redis and are common to every process; otherwise
// each process keeps its own.
type Config struct {
	Enabled             bool    `yaml:"enabled"`
	Shared              bool    `yaml:"shared"`
	QueueRatePerSecond  float64 `yaml:"queue_rate_per_second"`
	QueueBurstSize      int     `yaml:"queue_burst_size"`
	WorkerRatePerSecond float64 `yaml:"worker_rate_per_second"`
	WorkerBurstSize     int     `yaml:"worker_burst_size"`
}

func (c Config) queueLimited() bool  { return c.Enabled && c.QueueRatePerSecond > 0 }
func (c Config) workerLimited() bool { return c.Enabled && c.WorkerRatePerSecond > 0 }

// Noop allows every attempt.
type Noop struct{}

func (Noop) AllowQueue(context.Context, string) (bool, error)  { return true, nil }
func (Noop) AllowWorker(context.Context, string) (bool, error) { return true, nil }
func (Noop) Close() error                                      { return nil }
