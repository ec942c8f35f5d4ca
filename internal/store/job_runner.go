// Package store provides the JobRunner for executing durable jobs.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// Job kinds handled by PulsePipe.
const (
	JobKindDeliverNotification = "deliver_notification"
	JobKindSentimentAnalysis   = "sentiment_analysis"
)

// Runner defaults.
const (
	DefaultJobPollInterval   = 10 * time.Second
	DefaultJobStaleThreshold = 5 * time.Minute
	DefaultJobClaimLimit     = 10
	DefaultJobBackoffBase    = 30 * time.Second
	DefaultJobBackoffMax     = time.Hour
)

// JobHandler is a function that executes a job's work. It receives the job's
// payload JSON and returns an error if the execution failed.
type JobHandler func(ctx context.Context, payload string) error

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a handler error as not worth retrying. The runner cancels the
// job instead of rescheduling it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p permanentError
	return errors.As(err, &p)
}

// RunnerOption configures a JobRunner.
type RunnerOption func(*JobRunner)

// WithStaleThreshold sets how long a job may stay running before RecoverStaleJobs requeues it.
func WithStaleThreshold(d time.Duration) RunnerOption {
	return func(r *JobRunner) {
		if d > 0 {
			r.staleThreshold = d
		}
	}
}

// WithClaimLimit sets the number of jobs claimed per poll.
func WithClaimLimit(n int) RunnerOption {
	return func(r *JobRunner) {
		if n > 0 {
			r.claimLimit = n
		}
	}
}

// WithBackoff sets the retry delay of the first failed attempt and its ceiling.
// The delay doubles with every attempt.
func WithBackoff(base, max time.Duration) RunnerOption {
	return func(r *JobRunner) {
		if base > 0 {
			r.backoffBase = base
		}
		if max >= r.backoffBase {
			r.backoffMax = max
		}
	}
}

// WithJobTimeout bounds each handler call. Zero means no timeout.
func WithJobTimeout(d time.Duration) RunnerOption {
	return func(r *JobRunner) { r.jobTimeout = d }
}

// WithRunnerClock overrides time.Now.
func WithRunnerClock(now func() time.Time) RunnerOption {
	return func(r *JobRunner) { r.now = now }
}

// JobRunner periodically claims due jobs from the store and dispatches them
// to registered handlers: delayed notification deliveries and sentiment scoring.
type JobRunner struct {
	repo           JobRepo
	handlers       map[string]JobHandler
	mu             sync.RWMutex
	pollInterval   time.Duration
	staleThreshold time.Duration
	claimLimit     int
	backoffBase    time.Duration
	backoffMax     time.Duration
	jobTimeout     time.Duration
	now            func() time.Time
}

// NewJobRunner creates a new JobRunner.
func NewJobRunner(repo JobRepo, pollInterval time.Duration, opts ...RunnerOption) *JobRunner {
	if pollInterval <= 0 {
		pollInterval = DefaultJobPollInterval
	}
	r := &JobRunner{
		repo:           repo,
		handlers:       make(map[string]JobHandler),
		pollInterval:   pollInterval,
		staleThreshold: DefaultJobStaleThreshold,
		claimLimit:     DefaultJobClaimLimit,
		backoffBase:    DefaultJobBackoffBase,
		backoffMax:     DefaultJobBackoffMax,
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RegisterHandler registers a handler for a given job kind.
func (r *JobRunner) RegisterHandler(kind string, handler JobHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[kind] = handler
	slog.Debug("JobRunner.RegisterHandler", "kind", kind)
}

// HasHandler reports whether kind has a registered handler.
func (r *JobRunner) HasHandler(kind string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[kind]
	return ok
}

// RecoverStaleJobs requeues jobs that were running when the process crashed.
// Should be called once at startup.
func (r *JobRunner) RecoverStaleJobs(ctx context.Context) error {
	n, err := r.repo.RequeueStaleRunningJobs(ctx, r.now().Add(-r.staleThreshold))
	if err != nil {
		return err
	}
	if n > 0 {
		slog.Info("JobRunner.RecoverStaleJobs: requeued stale jobs", "count", n)
	}
	return nil
}

// Run polls for due jobs until ctx is cancelled. The first poll happens immediately
// so that deliveries that came due while the process was down are not held back.
func (r *JobRunner) Run(ctx context.Context) {
	slog.Info("JobRunner.Run: starting job runner", "pollInterval", r.pollInterval, "claimLimit", r.claimLimit)

	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	r.poll(ctx)
	for {
		select {
		case <-ctx.Done():
			slog.Info("JobRunner.Run: stopping")
			return
		case <-ticker.C:
			r.poll(ctx)
		}
	}
}

// backoff returns the retry delay after the given attempt: base, 2*base, 4*base, ... capped at max.
func (r *JobRunner) backoff(attempt int) time.Duration {
	d := r.backoffBase
	for i := 0; i < attempt && d < r.backoffMax; i++ {
		d *= 2
	}
	return min(d, r.backoffMax)
}

// poll claims one batch of due jobs and runs them in order. It returns the number claimed.
func (r *JobRunner) poll(ctx context.Context) int {
	now := r.now()
	jobs, err := r.repo.ClaimDueJobs(ctx, now, r.claimLimit)
	if err != nil {
		slog.Error("JobRunner.poll: claim failed", "error", err)
		return 0
	}
	for _, job := range jobs {
		r.execute(ctx, job, now)
	}
	return len(jobs)
}

func (r *JobRunner) execute(ctx context.Context, job Job, now time.Time) {
	r.mu.RLock()
	handler, ok := r.handlers[job.Kind]
	r.mu.RUnlock()

	if !ok {
		slog.Warn("JobRunner.execute: no handler for job kind", "kind", job.Kind, "id", job.ID)
		if err := r.repo.FailJob(ctx, job.ID, "no handler registered for kind: "+job.Kind, now.Add(time.Minute)); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
		return
	}

	runCtx := ctx
	if r.jobTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, r.jobTimeout)
		defer cancel()
	}

	slog.Debug("JobRunner.execute: executing job", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt)
	err := handler(runCtx, job.PayloadJSON)
	switch {
	case err == nil:
		if err := r.repo.CompleteJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.execute: complete job error", "id", job.ID, "error", err)
			return
		}
		slog.Debug("JobRunner.execute: job completed", "id", job.ID, "kind", job.Kind)
	case IsPermanent(err):
		slog.Error("JobRunner.execute: job failed permanently", "id", job.ID, "kind", job.Kind, "error", err)
		if err := r.repo.CancelJob(ctx, job.ID); err != nil {
			slog.Error("JobRunner.execute: cancel job error", "id", job.ID, "error", err)
		}
	default:
		nextRun := now.Add(r.backoff(job.Attempt))
		slog.Error("JobRunner.execute: job execution failed", "id", job.ID, "kind", job.Kind, "attempt", job.Attempt, "nextRun", nextRun, "error", err)
		if err := r.repo.FailJob(ctx, job.ID, err.Error(), nextRun); err != nil {
			slog.Error("JobRunner.execute: fail job error", "id", job.ID, "error", err)
		}
	}
}
