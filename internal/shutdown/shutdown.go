// Package shutdown coordinates graceful shutdown of the server's components.
// It waits for SIGTERM/SIGINT and then stops components one at a time in
// reverse order of registration, so that producers stop before the sinks
// and stores they feed.
package shutdown

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"
)

// DefaultTimeout is the default graceful shutdown timeout.
const DefaultTimeout = 30 * time.Second

// Component represents a component that can be gracefully shut down.
type Component interface {
	// Name returns the component name for logging.
	Name() string
	// Shutdown gracefully shuts down the component.
	// It should return within the given context deadline.
	Shutdown(ctx context.Context) error
}

// Coordinator manages graceful shutdown of multiple components.
type Coordinator struct {
	components []Component
	timeout    time.Duration
	logger     *slog.Logger
	mu         sync.Mutex

	// For testing: allows injecting a custom signal channel
	signalCh chan os.Signal

	shutdownOnce sync.Once
	shutdownDone chan struct{}
	exitCode     int
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithTimeout sets the overall shutdown timeout.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Coordinator) {
		c.timeout = timeout
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithSignalChannel sets a custom signal channel (for testing).
func WithSignalChannel(ch chan os.Signal) Option {
	return func(c *Coordinator) {
		c.signalCh = ch
	}
}

// NewCoordinator creates a new shutdown coordinator.
func NewCoordinator(opts ...Option) *Coordinator {
	c := &Coordinator{
		timeout:      DefaultTimeout,
		logger:       slog.Default(),
		shutdownDone: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a component. Components are shut down in reverse order of
// registration.
func (c *Coordinator) Register(component Component) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.components = append(c.components, component)
	c.logger.Debug("registered shutdown component", "name", component.Name())
}

// WaitForSignal blocks until SIGTERM or SIGINT is received, or ctx is
// done, then runs Shutdown.
func (c *Coordinator) WaitForSignal(ctx context.Context) {
	sigCh := c.signalCh
	if sigCh == nil {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		defer signal.Stop(sigCh)
	}

	select {
	case sig := <-sigCh:
		c.logger.Info("received shutdown signal", "signal", sig)
	case <-ctx.Done():
		c.logger.Info("shutdown requested", "reason", context.Cause(ctx))
	}
	c.Shutdown()
}

// Shutdown stops every registered component, newest first. All components
// share one deadline; once it passes the remaining components are still
// asked to stop, with an expired context, and the exit code becomes 1.
// Calling Shutdown more than once has no further effect.
func (c *Coordinator) Shutdown() {
	c.shutdownOnce.Do(func() {
		defer close(c.shutdownDone)
		c.logger.Info("initiating graceful shutdown", "timeout", c.timeout)

		ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
		defer cancel()

		c.mu.Lock()
		components := make([]Component, len(c.components))
		copy(components, c.components)
		c.mu.Unlock()

		failed := false
		for i := len(components) - 1; i >= 0; i-- {
			comp := components[i]
			start := time.Now()
			c.logger.Info("shutting down component", "name", comp.Name())
			if err := c.stop(ctx, comp); err != nil {
				failed = true
				c.logger.Error("component shutdown error", "name", comp.Name(), "error", err)
				continue
			}
			c.logger.Info("component shutdown complete",
				"name", comp.Name(),
				"duration", time.Since(start).String(),
			)
		}

		if failed || ctx.Err() != nil {
			c.logger.Warn("shutdown did not complete cleanly")
			c.exitCode = 1
			return
		}
		c.logger.Info("all components shut down successfully")
	})
}

// stop runs one component's Shutdown and gives up on it when ctx expires,
// so a stuck component cannot hold up the ones after it.
func (c *Coordinator) stop(ctx context.Context, comp Component) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- comp.Shutdown(ctx)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wait blocks until shutdown is complete.
func (c *Coordinator) Wait() {
	<-c.shutdownDone
}

// ExitCode returns the exit code after shutdown: 0 for a clean shutdown and
// 1 when a component failed or the timeout was exceeded.
func (c *Coordinator) ExitCode() int {
	return c.exitCode
}
