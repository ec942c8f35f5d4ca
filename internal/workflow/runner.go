package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
	"github.com/camerpulse/pulsepipe/internal/util"
)

// Runner starts a workflow run and returns the id of the execution it created.
// The engine relies only on this contract: one execution is created, it starts as
// running and later becomes completed.
type Runner interface {
	Start(ctx context.Context, workflowID string, payload map[string]interface{}) (string, error)
}

// Notifier delivers a user-facing notification and returns its id.
// channel.InAppAdapter implements it.
type Notifier interface {
	Notify(ctx context.Context, userID, kind, title, message string, data map[string]interface{}) (string, error)
}

// StoreRunner is the built-in Runner. It records the execution, runs the
// workflow's notify actions and completes the execution, arming the first
// escalation deadline when the workflow has escalation rules.
type StoreRunner struct {
	repo     store.WorkflowRepo
	notifier Notifier
	renderer *MessageRenderer
	now      func() time.Time
}

// NewStoreRunner creates a StoreRunner. notifier may be nil, in which case notify actions are skipped.
func NewStoreRunner(repo store.WorkflowRepo, notifier Notifier, renderer *MessageRenderer) *StoreRunner {
	if renderer == nil {
		renderer = NewMessageRenderer()
	}
	return &StoreRunner{repo: repo, notifier: notifier, renderer: renderer, now: time.Now}
}

// Start implements Runner.
func (r *StoreRunner) Start(ctx context.Context, workflowID string, payload map[string]interface{}) (string, error) {
	wf, err := r.repo.GetWorkflow(ctx, workflowID)
	if err != nil {
		return "", fmt.Errorf("failed to load workflow %s: %w", workflowID, err)
	}
	if wf == nil {
		return "", models.NotFoundError("workflow", workflowID)
	}
	if !wf.IsActive {
		return "", models.ValidationError("workflow %s is not active", workflowID)
	}

	now := r.now().UTC()
	exec := models.WorkflowExecution{
		ID:          util.NewID(util.PrefixExecution),
		WorkflowID:  wf.ID,
		TriggerData: payload,
		Status:      models.ExecutionStatusRunning,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.repo.CreateExecution(ctx, exec); err != nil {
		return "", fmt.Errorf("failed to create execution: %w", err)
	}

	r.runActions(ctx, *wf, exec)

	var next *time.Time
	if len(wf.EscalationRules) > 0 {
		deadline := now.Add(wf.EscalationRules[0].Timeout())
		next = &deadline
	}
	if err := r.repo.CompleteExecution(ctx, exec.ID, next, r.now().UTC()); err != nil {
		return exec.ID, fmt.Errorf("failed to complete execution %s: %w", exec.ID, err)
	}

	slog.Info("StoreRunner.Start: workflow executed", "workflowID", wf.ID, "executionID", exec.ID, "nextEscalationAt", next)
	return exec.ID, nil
}

func (r *StoreRunner) runActions(ctx context.Context, wf models.Workflow, exec models.WorkflowExecution) {
	bindings := map[string]interface{}{}
	for k, v := range exec.TriggerData {
		bindings[k] = v
	}
	bindings["workflow"] = wf.Name
	bindings["workflow_id"] = wf.ID
	bindings["execution_id"] = exec.ID

	for _, action := range wf.Actions {
		if action.Type != models.WorkflowActionNotify {
			slog.Warn("StoreRunner.runActions: unsupported action type", "workflowID", wf.ID, "type", action.Type)
			continue
		}
		if r.notifier == nil {
			slog.Debug("StoreRunner.runActions: no notifier configured, skipping notify action", "workflowID", wf.ID)
			continue
		}
		title, err := r.renderer.Render(action.Title, bindings)
		if err != nil {
			slog.Warn("StoreRunner.runActions: title render failed", "workflowID", wf.ID, "error", err)
		}
		message, err := r.renderer.Render(action.Message, bindings)
		if err != nil {
			slog.Warn("StoreRunner.runActions: message render failed", "workflowID", wf.ID, "error", err)
		}
		data := map[string]interface{}{"workflow_id": wf.ID, "execution_id": exec.ID}
		for _, target := range action.Targets {
			if _, err := r.notifier.Notify(ctx, target, "workflow_action", title, message, data); err != nil {
				slog.Error("StoreRunner.runActions: notify failed", "workflowID", wf.ID, "target", target, "error", err)
			}
		}
	}
}
