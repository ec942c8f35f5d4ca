// Package scheduler fires periodic PulsePipe tasks, such as the escalation sweep,
// from cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultTaskTimeout bounds a single run of a scheduled task.
const DefaultTaskTimeout = 5 * time.Minute

// Task is a periodic unit of work.
type Task func(ctx context.Context) error

// Scheduler provides cron-based job scheduling.
type Scheduler struct {
	cron    *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	timeout time.Duration
}

// NewScheduler creates and starts a cron scheduler.
func NewScheduler() *Scheduler {
	// Standard 5-field cron parser (min, hour, dom, month, dow) with panic recovery;
	// a run still in progress makes the next tick a no-op.
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithChain(
		cron.Recover(cron.DefaultLogger),
		cron.SkipIfStillRunning(cron.DefaultLogger),
	))
	ctx, cancel := context.WithCancel(context.Background())
	c.Start()
	return &Scheduler{cron: c, ctx: ctx, cancel: cancel, timeout: DefaultTaskTimeout}
}

// AddJob schedules a task using the provided cron expression.
// It returns an error if the expression is invalid.
func (s *Scheduler) AddJob(expr string, task func()) error {
	_, err := s.cron.AddFunc(expr, task)
	return err
}

// AddTask schedules a context-aware task. Each run gets its own timeout and is
// canceled when the scheduler stops. Errors are logged.
func (s *Scheduler) AddTask(name, expr string, task Task) error {
	err := s.AddJob(expr, func() {
		ctx, cancel := context.WithTimeout(s.ctx, s.timeout)
		defer cancel()
		start := time.Now()
		if err := task(ctx); err != nil {
			slog.Error("Scheduler.AddTask: task failed", "task", name, "error", err, "duration", time.Since(start))
			return
		}
		slog.Debug("Scheduler.AddTask: task finished", "task", name, "duration", time.Since(start))
	})
	if err != nil {
		return fmt.Errorf("invalid cron expression %q for task %s: %w", expr, name, err)
	}
	slog.Info("Scheduler.AddTask: task scheduled", "task", name, "expr", expr)
	return nil
}

// Stop stops the cron scheduler, cancels running tasks and waits for them to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}
