package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestSchedulerAddJob(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	// Should add a valid cron job without error
	if err := s.AddJob("* * * * *", func() {}); err != nil {
		t.Errorf("Expected no error adding job, got %v", err)
	}
}

func TestSchedulerAddTask_InvalidExpression(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()
	if err := s.AddTask("sweep", "every five minutes", func(context.Context) error { return nil }); err == nil {
		t.Error("expected error for invalid cron expression")
	}
}

func TestSchedulerAddTask_Runs(t *testing.T) {
	s := NewScheduler()
	defer s.Stop()

	var runs atomic.Int32
	done := make(chan struct{}, 1)
	err := s.AddTask("sweep", "@every 1s", func(ctx context.Context) error {
		if _, ok := ctx.Deadline(); !ok {
			t.Error("task context should carry a deadline")
		}
		if runs.Add(1) == 1 {
			done <- struct{}{}
		}
		return errors.New("logged, not fatal")
	})
	if err != nil {
		t.Fatalf("AddTask failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("task did not run")
	}
}
