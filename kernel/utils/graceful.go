package utils

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
)

type shutdownStep struct {
	name string
	fn   func() error
}

// GracefulShutdown runs registered release steps once, newest first.
// Later calls return the result of the first run.
type GracefulShutdown struct {
	mu      sync.Mutex
	steps   []shutdownStep
	timeout time.Duration
	logger  *Logger

	once sync.Once
	err  error
}

// NewGracefulShutdown creates a new graceful shutdown manager
func NewGracefulShutdown(timeout time.Duration, logger *Logger) *GracefulShutdown {
	if logger == nil {
		logger = DefaultLogger("shutdown")
	}

	return &GracefulShutdown{
		steps:   make([]shutdownStep, 0, 8),
		timeout: timeout,
		logger:  logger,
	}
}

// Register registers a shutdown function
func (g *GracefulShutdown) Register(name string, fn func() error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.steps = append(g.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown executes all registered shutdown functions in reverse order.
// A failing step is logged and does not stop the remaining ones.
func (g *GracefulShutdown) Shutdown(ctx context.Context) error {
	g.once.Do(func() {
		g.err = g.run(ctx)
	})
	return g.err
}

func (g *GracefulShutdown) run(ctx context.Context) error {
	g.mu.Lock()
	steps := make([]shutdownStep, len(g.steps))
	copy(steps, g.steps)
	g.mu.Unlock()

	g.logger.Debug("Starting graceful shutdown", Int("components", len(steps)))

	var deadline <-chan time.Time
	if g.timeout > 0 {
		timer := time.NewTimer(g.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var result *multierror.Error
	for i := len(steps) - 1; i >= 0; i-- {
		select {
		case <-ctx.Done():
			g.logger.Warn("Graceful shutdown cancelled", Int("remaining", i+1))
			return multierror.Append(result, ctx.Err()).ErrorOrNil()
		case <-deadline:
			g.logger.Warn("Graceful shutdown timed out", Int("remaining", i+1))
			return multierror.Append(result, TimeoutError("shutdown")).ErrorOrNil()
		default:
		}

		step := steps[i]
		if err := step.fn(); err != nil {
			g.logger.Error("Shutdown step failed", String("step", step.name), Err(err))
			result = multierror.Append(result, WrapError(err, step.name))
		}
	}

	g.logger.Debug("Graceful shutdown complete")
	return result.ErrorOrNil()
}

// TimeoutError creates a timeout error
func TimeoutError(operation string) error {
	return errors.New(operation + ": operation timed out")
}
