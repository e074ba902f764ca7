// Package dispatch owns job state transitions and delivery.
//
// This file implements the Runner, the scheduling loop that feeds pending
// jobs to the dispatcher. Retry policy lives here, outside the dispatcher
// itself: a job whose dispatch attempt fails simply stays pending and is
// picked up again on a later poll.
package dispatch

import (
	"context"
	"log/slog"
	"time"

	"github.com/trihai306/agentphone/internal/store"
)

// Runner defaults.
const (
	DefaultPollInterval = 5 * time.Second
	DefaultClaimLimit   = 25
)

// Runner periodically claims due pending jobs and dispatches them.
type Runner struct {
	store        store.Store
	dispatcher   *Dispatcher
	pollInterval time.Duration
	claimLimit   int
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithPollInterval overrides the polling cadence.
func WithPollInterval(interval time.Duration) RunnerOption {
	return func(r *Runner) {
		if interval > 0 {
			r.pollInterval = interval
		}
	}
}

// WithClaimLimit overrides how many due jobs one poll may pick up.
func WithClaimLimit(limit int) RunnerOption {
	return func(r *Runner) {
		if limit > 0 {
			r.claimLimit = limit
		}
	}
}

// NewRunner creates a new Runner.
func NewRunner(st store.Store, dispatcher *Dispatcher, opts ...RunnerOption) *Runner {
	r := &Runner{
		store:        st,
		dispatcher:   dispatcher,
		pollInterval: DefaultPollInterval,
		claimLimit:   DefaultClaimLimit,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts the polling loop. It blocks until the context is cancelled.
func (r *Runner) Run(ctx context.Context) {
	slog.Info("Runner.Run: starting dispatch runner", "pollInterval", r.pollInterval)
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("Runner.Run: stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

func (r *Runner) poll(ctx context.Context) {
	jobs, err := r.store.ClaimDueJobs(time.Now(), r.claimLimit)
	if err != nil {
		slog.Error("Runner.poll: claim failed", "error", err)
		return
	}
	if len(jobs) == 0 {
		return
	}
	slog.Debug("Runner.poll: dispatching due jobs", "count", len(jobs))
	for i := range jobs {
		job := jobs[i]
		if !r.dispatcher.Dispatch(ctx, &job) {
			slog.Debug("Runner.poll: dispatch deferred", "job_id", job.ID, "device_id", job.DeviceID)
		}
	}
}
