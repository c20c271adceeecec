package utils

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type shutdownHook struct {
	name string
	fn   func() error
}

// GracefulShutdown runs registered cleanup hooks in reverse order of
// registration, bounded by a timeout.
type GracefulShutdown struct {
	mu      sync.Mutex
	hooks   []shutdownHook
	timeout time.Duration
	logger  *Logger
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		hooks:   make([]shutdownHook, 0),
		timeout: timeout,
		logger:  logger,
	}
}

// Register registers a named shutdown function
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.hooks = append(g.hooks, shutdownHook{name: name, fn: fn})
}

// Shutdown executes the hooks LIFO, one at a time. A writer must be closed
// before the files it maps are removed, so order matters more than speed here.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	hooks := make([]shutdownHook, len(g.hooks))
	copy(hooks, g.hooks)
	g.hooks = g.hooks[:0]
	g.mu.Unlock()

	g.logger.Info("Starting graceful shutdown", Int("components", len(hooks)))

	shutdownCtx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		var errs []error
		for i := len(hooks) - 1; i >= 0; i-- {
			hook := hooks[i]
			if err := hook.fn(); err != nil {
				g.logger.Error("Shutdown hook failed", String("hook", hook.name), Err(err))
				errs = append(errs, fmt.Errorf("%s: %w", hook.name, err))
				continue
			}
			g.logger.Debug("Shutdown hook complete", String("hook", hook.name))
		}
		done <- errors.Join(errs...)
	}()

	select {
	case err := <-done:
		if err == nil {
			g.logger.Info("Graceful shutdown complete")
		}
		return err
	case <-shutdownCtx.Done():
		g.logger.Warn("Graceful shutdown timed out")
		return TimeoutError("shutdown")
	}
}
