package micloud

import (
	"context"
	"log/slog"
	"time"
)

// DefaultFirstRetryDelay is how long the runner waits before retrying
// when the very first cycle fails with nothing cached to serve.
const DefaultFirstRetryDelay = 60 * time.Second

// Runner drives the coordinator on a timer, rescheduling after every
// cycle with the interval that is effective at that moment and running
// extra cycles whenever the coordinator asks for one.
type Runner struct {
	coord      *Coordinator
	logger     *slog.Logger
	onPublish  func(ctx context.Context, snaps []Snapshot)
	retryDelay time.Duration
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithOnPublish registers a callback invoked with the snapshots of
// every successful cycle.
func WithOnPublish(fn func(ctx context.Context, snaps []Snapshot)) RunnerOption {
	return func(r *Runner) { r.onPublish = fn }
}

// WithFirstRetryDelay overrides the delay before retrying a failed
// first cycle.
func WithFirstRetryDelay(d time.Duration) RunnerOption {
	return func(r *Runner) { r.retryDelay = d }
}

// NewRunner builds a runner around a coordinator.
func NewRunner(coord *Coordinator, logger *slog.Logger, opts ...RunnerOption) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Runner{
		coord:      coord,
		logger:     logger,
		retryDelay: DefaultFirstRetryDelay,
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run polls until the context is cancelled. The first cycle runs
// immediately; if it fails outright the next attempt comes after a
// short fixed delay instead of a full interval.
func (r *Runner) Run(ctx context.Context) error {
	delay := r.cycle(ctx, true)

	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		case <-r.coord.Kicks():
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		delay = r.cycle(ctx, false)
		timer.Reset(delay)
	}
}

func (r *Runner) cycle(ctx context.Context, first bool) time.Duration {
	snaps, err := r.coord.RunCycle(ctx)
	if err != nil {
		r.logger.Error("update cycle failed", "error", err)
		if first {
			r.logger.Info("retrying initial update", "in", r.retryDelay)
			return r.retryDelay
		}
		return r.coord.Interval()
	}

	r.logger.Debug("update cycle complete",
		"devices", len(snaps), "next", r.coord.Interval())
	if r.onPublish != nil {
		r.onPublish(ctx, snaps)
	}
	return r.coord.Interval()
}
