// Package workflow implements the workflow and escalation engine: starting
// executions, sweeping overdue executions up their escalation ladder, starting
// event-triggered workflows and resolving escalations.
package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/camerpulse/pulsepipe/internal/distlock"
	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
	"github.com/camerpulse/pulsepipe/internal/util"
)

const (
	// DefaultEscalationReason is recorded on every automatic escalation step.
	DefaultEscalationReason = "Automatic escalation - timeout reached"
	// DefaultSweepLimit caps the executions handled by one sweep.
	DefaultSweepLimit = 500
	// SweepLockKey names the single-writer lock held during a sweep.
	SweepLockKey = "workflow:escalation-sweep"
	// NotificationTypeEscalation is the in-app notification type sent to escalation targets.
	NotificationTypeEscalation = "workflow_escalation"
)

// Opts holds configuration options for the Engine.
type Opts struct {
	Runner           Runner
	Notifier         Notifier
	LockFactory      distlock.Factory
	LenientOperators bool
	EscalationTitle  string
	EscalationMsg    string
	SweepLimit       int
	Now              func() time.Time
}

// Option defines a configuration option for the Engine.
type Option func(*Opts)

// WithRunner replaces the default StoreRunner.
func WithRunner(r Runner) Option {
	return func(o *Opts) { o.Runner = r }
}

// WithNotifier sets the notifier used for escalation targets and notify actions.
func WithNotifier(n Notifier) Option {
	return func(o *Opts) { o.Notifier = n }
}

// WithLockFactory guards each sweep with a lock from f.
func WithLockFactory(f distlock.Factory) Option {
	return func(o *Opts) { o.LockFactory = f }
}

// WithLenientOperators makes unknown condition operators pass instead of failing.
func WithLenientOperators(lenient bool) Option {
	return func(o *Opts) { o.LenientOperators = lenient }
}

// WithEscalationMessage sets the Liquid templates of the escalation notification.
// Empty values keep the defaults.
func WithEscalationMessage(title, message string) Option {
	return func(o *Opts) {
		if title != "" {
			o.EscalationTitle = title
		}
		if message != "" {
			o.EscalationMsg = message
		}
	}
}

// WithSweepLimit caps the number of due executions handled per sweep.
func WithSweepLimit(n int) Option {
	return func(o *Opts) { o.SweepLimit = n }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Engine runs workflows and their escalation ladders.
type Engine struct {
	repo     store.WorkflowRepo
	runner   Runner
	notifier Notifier
	renderer *MessageRenderer
	lock     distlock.Factory
	lenient  bool
	title    string
	message  string
	limit    int
	now      func() time.Time
}

// NewEngine creates an Engine. Without WithRunner it starts workflows with a StoreRunner.
func NewEngine(repo store.WorkflowRepo, opts ...Option) *Engine {
	cfg := Opts{
		EscalationTitle: DefaultEscalationTitle,
		EscalationMsg:   DefaultEscalationMessage,
		SweepLimit:      DefaultSweepLimit,
		Now:             time.Now,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	renderer := NewMessageRenderer()
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Runner == nil {
		runner := NewStoreRunner(repo, cfg.Notifier, renderer)
		runner.now = cfg.Now
		cfg.Runner = runner
	}
	return &Engine{
		repo:     repo,
		runner:   cfg.Runner,
		notifier: cfg.Notifier,
		renderer: renderer,
		lock:     cfg.LockFactory,
		lenient:  cfg.LenientOperators,
		title:    cfg.EscalationTitle,
		message:  cfg.EscalationMsg,
		limit:    cfg.SweepLimit,
		now:      cfg.Now,
	}
}

// ExecuteWorkflow starts workflowID with triggerData and returns the new execution id.
func (e *Engine) ExecuteWorkflow(ctx context.Context, workflowID string, triggerData map[string]interface{}) (string, error) {
	if workflowID == "" {
		return "", models.ValidationError("workflow_id is required")
	}
	id, err := e.runner.Start(ctx, workflowID, triggerData)
	if err != nil {
		slog.Error("Engine.ExecuteWorkflow: start failed", "workflowID", workflowID, "error", err)
		return id, err
	}
	return id, nil
}

// ProcessEscalations advances every due execution by one escalation level. Each
// step is a conditional update, so an execution moved by a concurrent sweep is
// skipped. Failures of single executions are collected in the result.
func (e *Engine) ProcessEscalations(ctx context.Context) (models.SweepResult, error) {
	var result models.SweepResult

	if e.lock != nil {
		lock := e.lock()
		acquired, err := lock.Acquire(ctx)
		if err != nil {
			return result, fmt.Errorf("failed to acquire sweep lock: %w", err)
		}
		if !acquired {
			slog.Info("Engine.ProcessEscalations: another sweep is running, skipping")
			result.LockBusy = true
			return result, nil
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				slog.Warn("Engine.ProcessEscalations: failed to release sweep lock", "error", err)
			}
		}()
	}

	now := e.now().UTC()
	due, err := e.repo.ListDueExecutions(ctx, now, e.limit)
	if err != nil {
		return result, fmt.Errorf("failed to list due executions: %w", err)
	}
	result.Due = len(due)

	workflows := make(map[string]*models.Workflow)
	for _, exec := range due {
		wf, ok := workflows[exec.WorkflowID]
		if !ok {
			wf, err = e.repo.GetWorkflow(ctx, exec.WorkflowID)
			if err != nil {
				slog.Error("Engine.ProcessEscalations: failed to load workflow", "executionID", exec.ID, "error", err)
				result.Errors = append(result.Errors, fmt.Sprintf("execution %s: %v", exec.ID, err))
				continue
			}
			workflows[exec.WorkflowID] = wf
		}
		if wf == nil {
			result.Errors = append(result.Errors, fmt.Sprintf("execution %s: workflow %s not found", exec.ID, exec.WorkflowID))
			continue
		}

		escalated, err := e.escalate(ctx, *wf, exec, now)
		if err != nil {
			slog.Error("Engine.ProcessEscalations: escalation failed", "executionID", exec.ID, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("execution %s: %v", exec.ID, err))
			continue
		}
		if !escalated {
			result.Skipped++
			continue
		}
		result.Escalated++
	}

	slog.Info("Engine.ProcessEscalations: sweep finished", "due", result.Due, "escalated", result.Escalated,
		"skipped", result.Skipped, "errors", len(result.Errors))
	return result, nil
}

// escalate applies one escalation step to exec and notifies the new targets. It
// reports false when the ladder is exhausted or another writer moved the execution.
func (e *Engine) escalate(ctx context.Context, wf models.Workflow, exec models.WorkflowExecution, now time.Time) (bool, error) {
	level := exec.EscalationLevel
	if level >= len(wf.EscalationRules) {
		return false, nil
	}
	rule := wf.EscalationRules[level]
	toLevel := level + 1
	deadline := now.Add(rule.Timeout())

	var next *time.Time
	if toLevel < len(wf.EscalationRules) {
		next = &deadline
	}

	applied, err := e.repo.ApplyEscalation(ctx, models.EscalationStep{
		ExecutionID:      exec.ID,
		FromLevel:        level,
		ToLevel:          toLevel,
		NextEscalationAt: next,
		Now:              now,
		History: models.EscalationHistoryEntry{
			ID:               util.NewID(util.PrefixEscalation),
			ExecutionID:      exec.ID,
			EscalationLevel:  toLevel,
			EscalationReason: DefaultEscalationReason,
			EscalatedTo:      rule.EscalatedTo,
			ResponseDeadline: deadline,
			CreatedAt:        now,
		},
	})
	if err != nil {
		return false, err
	}
	if !applied {
		slog.Debug("Engine.escalate: execution already moved by another writer", "executionID", exec.ID, "level", level)
		return false, nil
	}

	slog.Info("Engine.escalate: execution escalated", "executionID", exec.ID, "workflowID", wf.ID, "level", toLevel, "targets", len(rule.EscalatedTo))
	e.notifyTargets(ctx, wf, exec, rule, toLevel, deadline)
	return true, nil
}

// notifyTargets sends the escalation notice to every target of rule. The rule's own
// reason is only exposed to the message templates as "rule_reason".
func (e *Engine) notifyTargets(ctx context.Context, wf models.Workflow, exec models.WorkflowExecution, rule models.EscalationRule, level int, deadline time.Time) {
	if e.notifier == nil {
		return
	}
	bindings := map[string]interface{}{
		"workflow":     wf.Name,
		"workflow_id":  wf.ID,
		"execution_id": exec.ID,
		"level":        level,
		"reason":       DefaultEscalationReason,
		"rule_reason":  rule.Reason,
		"deadline":     deadline.Format(time.RFC3339),
	}
	title, err := e.renderer.Render(e.title, bindings)
	if err != nil {
		slog.Warn("Engine.notifyTargets: title render failed", "error", err)
	}
	message, err := e.renderer.Render(e.message, bindings)
	if err != nil {
		slog.Warn("Engine.notifyTargets: message render failed", "error", err)
	}
	data := map[string]interface{}{
		"workflow_id":      wf.ID,
		"execution_id":     exec.ID,
		"escalation_level": level,
	}
	for _, target := range rule.EscalatedTo {
		if _, err := e.notifier.Notify(ctx, target, NotificationTypeEscalation, title, message, data); err != nil {
			slog.Error("Engine.notifyTargets: notify failed", "executionID", exec.ID, "target", target, "error", err)
		}
	}
}

// TriggerEventWorkflows starts every active event-triggered workflow whose trigger
// matches eventData, in ascending priority order. Per-workflow failures are collected
// in the result.
func (e *Engine) TriggerEventWorkflows(ctx context.Context, eventData map[string]interface{}) (models.TriggerResult, error) {
	var result models.TriggerResult

	workflows, err := e.repo.ListActiveEventWorkflows(ctx)
	if err != nil {
		return result, fmt.Errorf("failed to list event workflows: %w", err)
	}

	eventType, _ := eventData["event_type"].(string)
	for _, wf := range workflows {
		result.Evaluated++
		if wf.TriggerConfig.EventType != "" && wf.TriggerConfig.EventType != eventType {
			continue
		}
		match, err := EvaluateConditions(wf.TriggerConfig.Conditions, eventData, e.lenient)
		if err != nil {
			slog.Warn("Engine.TriggerEventWorkflows: condition evaluation failed", "workflowID", wf.ID, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("workflow %s: %v", wf.ID, err))
			continue
		}
		if !match {
			continue
		}

		id, err := e.runner.Start(ctx, wf.ID, eventData)
		if err != nil {
			slog.Error("Engine.TriggerEventWorkflows: start failed", "workflowID", wf.ID, "error", err)
			result.Errors = append(result.Errors, fmt.Sprintf("workflow %s: %v", wf.ID, err))
			continue
		}
		result.Triggered++
		result.ExecutionIDs = append(result.ExecutionIDs, id)
	}

	slog.Info("Engine.TriggerEventWorkflows: event evaluated", "eventType", eventType, "evaluated", result.Evaluated,
		"triggered", result.Triggered, "errors", len(result.Errors))
	return result, nil
}

// ResolveEscalation closes the escalation ladder of an execution. It reports whether
// an unresolved history entry was updated; a second call reports false.
func (e *Engine) ResolveEscalation(ctx context.Context, executionID string, res models.Resolution) (bool, error) {
	if executionID == "" {
		return false, models.ValidationError("execution_id is required")
	}
	updated, err := e.repo.ResolveExecution(ctx, executionID, res, e.now().UTC())
	if err != nil {
		slog.Error("Engine.ResolveEscalation: resolve failed", "executionID", executionID, "error", err)
		return false, err
	}
	slog.Info("Engine.ResolveEscalation: execution resolved", "executionID", executionID, "historyUpdated", updated, "resolvedBy", res.ResolvedBy)
	return updated, nil
}
