package ratelimit

import (
	"context"
	"sync"

	"golang.org/x/time/rate"
)

// MemoryLimiter keeps one token bucket per queue and per worker in process.
type MemoryLimiter struct {
	cfg     Config
	mu      sync.Mutex
	queues  map[string]*rate.Limiter
	workers map[string]*rate.Limiter
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg,
		queues:  make(map[string]*rate.Limiter),
		workers: make(map[string]*rate.Limiter),
	}
}

func (m *MemoryLimiter) AllowQueue(_ context.Context, queue string) (bool, error) {
	if !m.cfg.queueLimited() {
		return true, nil
	}
	return m.bucket(m.queues, queue, m.cfg.QueueRatePerSecond, m.cfg.QueueBurstSize).Allow(), nil
}

func (m *MemoryLimiter) AllowWorker(_ context.Context, workerID string) (bool, error) {
	if !m.cfg.workerLimited() {
		return true, nil
	}
	return m.bucket(m.workers, workerID, m.cfg.WorkerRatePerSecond, m.cfg.WorkerBurstSize).Allow(), nil
}

func (m *MemoryLimiter) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queues = make(map[string]*rate.Limiter)
	m.workers = make(map[string]*rate.Limiter)
	return nil
}

func (m *MemoryLimiter) bucket(set map[string]*rate.Limiter, name string, perSecond float64, burst int) *rate.Limiter {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := set[name]
	if !ok {
		l = rate.NewLimiter(rate.Limit(perSecond), max(burst, 1))
		set[name] = l
	}
	return l
}
