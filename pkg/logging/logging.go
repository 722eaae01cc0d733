// Package logging holds the process-wide zap logger.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
)

// Init builds the global logger: JSON at info level in production, a
// console encoder at debug level otherwise. A non-empty level ("debug",
// "info", "warn", "error") overrides the default.
func Init(production bool, level string) error {
	cfg := zap.NewDevelopmentConfig()
	if production {
		cfg = zap.NewProductionConfig()
	}
	if level != "" {
		lvl, err := zapcore.ParseLevel(level)
		if err != nil {
			return fmt.Errorf("logging: %w", err)
		}
		cfg.Level = zap.NewAtomicLevelAt(lvl)
	}
	l, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("logging: build: %w", err)
	}
	Replace(l)
	return nil
}

// Replace swaps the global logger and returns a func restoring the previous one.
func Replace(l *zap.Logger) func() {
	mu.Lock()
	prev := logger
	logger = l
	mu.Unlock()
	return func() { Replace(prev) }
}

// L returns the global logger, or a no-op logger before Init.
func L() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

// Named returns the global logger scoped to one component, e.g. "reaper".
func Named(component string) *zap.Logger {
	return L().Named(component)
}

// Sync flushes buffered entries; call it before the process exits.
func Sync() {
	_ = L().Sync()
}
