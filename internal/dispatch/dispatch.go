// Package dispatch hands results-request runs to the pipeline asynchronously.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// Trigger identifies one pipeline run.
type Trigger struct {
	RequestID string
	CreatedAt time.Time
}

func (t Trigger) Validate() error {
	if strings.TrimSpace(t.RequestID) == "" {
		return errors.New("trigger request id is required")
	}
	return nil
}

// Runner executes one pipeline run.
type Runner interface {
	Run(ctx context.Context, trigger Trigger) error
}

type RunnerFunc func(ctx context.Context, trigger Trigger) error

func (f RunnerFunc) Run(ctx context.Context, trigger Trigger) error {
	return f(ctx, trigger)
}

// Dispatcher schedules a run without waiting for it.
type Dispatcher interface {
	Dispatch(ctx context.Context, trigger Trigger) error
}

// InProcess runs each trigger on its own goroutine. Runs are detached from the
// dispatching request's context but share the dispatcher's base context.
type InProcess struct {
	base   context.Context
	runner Runner
	logger *slog.Logger
	wg     sync.WaitGroup
}

func NewInProcess(base context.Context, runner Runner, logger *slog.Logger) *InProcess {
	if logger == nil {
		logger = slog.Default()
	}
	return &InProcess{base: base, runner: runner, logger: logger}
}

func (d *InProcess) Dispatch(ctx context.Context, trigger Trigger) error {
	if d == nil || d.runner == nil {
		return errors.New("in-process dispatcher not initialized")
	}
	if err := trigger.Validate(); err != nil {
		return err
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.runner.Run(d.base, trigger); err != nil {
			d.logger.Error("results run failed", "results_request_id", trigger.RequestID, "error", err)
		}
	}()
	return nil
}

// Wait blocks until every dispatched run has returned.
func (d *InProcess) Wait() {
	d.wg.Wait()
}
