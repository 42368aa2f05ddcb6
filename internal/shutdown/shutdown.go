// Package shutdown stops the client's components in a fixed order when the
// process is signalled.
package shutdown

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

// Shutdown order for the client's components. Lower stops first.
const (
	PrioritySubscriber = 10 // No new frames
	PriorityScheduler  = 20 // No new refreshes
	PriorityEngine     = 30 // Waits for the frame in flight
	PriorityRecorder   = 40 // Drains queued frames
	PriorityMetrics    = 50 // Final textfile after the counters settle
	PriorityLookup     = 80
	PriorityLibrary    = 90
)

// Shutdownable is a component released with Close
type Shutdownable interface {
	Close() error
}

// ShutdownFunc is a shutdown step. ctx expires with the overall timeout.
type ShutdownFunc func(ctx context.Context) error

type step struct {
	name     string
	run      ShutdownFunc
	priority int
}

// Coordinator runs registered steps in priority order, once. Components and
// hooks share one ordering.
type Coordinator struct {
	timeout time.Duration
	logger  zerolog.Logger

	mu    sync.Mutex
	steps []step

	once      sync.Once
	err       error
	stopOnce  sync.Once
	triggered chan struct{}
}

// New creates a coordinator that gives up on remaining steps after timeout
func New(timeout time.Duration, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		timeout:   timeout,
		logger:    logger.With().Str("component", "shutdown").Logger(),
		triggered: make(chan struct{}),
	}
}

// Register closes component at the given priority
func (c *Coordinator) Register(name string, component Shutdownable, priority int) {
	c.add(name, func(context.Context) error { return component.Close() }, priority)
}

// RegisterHook runs hook at the given priority
func (c *Coordinator) RegisterHook(name string, hook ShutdownFunc, priority int) {
	c.add(name, hook, priority)
}

func (c *Coordinator) add(name string, fn ShutdownFunc, priority int) {
	c.mu.Lock()
	c.steps = append(c.steps, step{name: name, run: fn, priority: priority})
	c.mu.Unlock()

	c.logger.Debug().Str("name", name).Int("priority", priority).Msg("Registered shutdown step")
}

// WaitForSignal blocks until SIGINT, SIGTERM or SIGQUIT arrives, or until
// TriggerShutdown is called.
func (c *Coordinator) WaitForSignal() os.Signal {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		c.logger.Info().Str("signal", sig.String()).Msg("Received shutdown signal")
		return sig
	case <-c.triggered:
		return syscall.SIGTERM
	}
}

// TriggerShutdown releases WaitForSignal. Safe for concurrent use.
func (c *Coordinator) TriggerShutdown() {
	c.stopOnce.Do(func() {
		c.logger.Info().Msg("Programmatic shutdown triggered")
		close(c.triggered)
	})
}

// Shutdown runs every step in priority order and returns the joined errors.
// Later calls return the result of the first. A step still running at the
// deadline is abandoned along with the steps after it.
func (c *Coordinator) Shutdown() error {
	c.once.Do(func() {
		c.stopOnce.Do(func() { close(c.triggered) })
		c.err = c.run()
	})
	return c.err
}

func (c *Coordinator) run() error {
	c.mu.Lock()
	steps := append([]step(nil), c.steps...)
	c.mu.Unlock()
	sortSteps(steps)

	c.logger.Info().Dur("timeout", c.timeout).Int("steps", len(steps)).Msg("Starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	start := time.Now()
	var errs []error
	for i, s := range steps {
		if err := c.runStep(ctx, s); err != nil {
			errs = append(errs, err)
		}
		if ctx.Err() != nil {
			skipped := len(steps) - i - 1
			c.logger.Warn().Int("skipped", skipped).Msg("Shutdown timeout reached")
			errs = append(errs, fmt.Errorf("shutdown timed out with %d step(s) remaining: %w", skipped, ctx.Err()))
			break
		}
	}

	c.logger.Info().Dur("duration", time.Since(start)).Int("errors", len(errs)).Msg("Graceful shutdown complete")
	return errors.Join(errs...)
}

func (c *Coordinator) runStep(ctx context.Context, s step) error {
	c.logger.Debug().Str("step", s.name).Int("priority", s.priority).Msg("Running shutdown step")

	done := make(chan error, 1)
	go func() { done <- s.run(ctx) }()

	select {
	case err := <-done:
		if err != nil {
			c.logger.Error().Err(err).Str("step", s.name).Msg("Shutdown step failed")
			return fmt.Errorf("%s: %w", s.name, err)
		}
		return nil
	case <-ctx.Done():
		c.logger.Warn().Str("step", s.name).Msg("Shutdown step abandoned")
		return nil
	}
}

func sortSteps(steps []step) {
	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].priority < steps[j].priority
	})
}
