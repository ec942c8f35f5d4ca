package models

import (
	"math"
	"time"
)

// TriggerType defines how a workflow is started.
type TriggerType string

const (
	TriggerTypeEvent    TriggerType = "event"
	TriggerTypeSchedule TriggerType = "schedule"
	TriggerTypeManual   TriggerType = "manual"
)

// Condition operators understood by the trigger evaluator.
const (
	OperatorEquals      = "equals"
	OperatorGreaterThan = "greater_than"
	OperatorContains    = "contains"
)

// DefaultEscalationTimeoutHours applies when an escalation rule has no timeout.
const DefaultEscalationTimeoutHours = 24

// Condition compares event_data[Field] against Value using Operator.
type Condition struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
}

// TriggerConfig selects the events that start a workflow.
type TriggerConfig struct {
	EventType  string      `json:"event_type,omitempty"`
	Conditions []Condition `json:"conditions,omitempty"`
}

// EscalationRule is one rung of the escalation ladder.
type EscalationRule struct {
	EscalatedTo  []string `json:"escalated_to"`
	TimeoutHours float64  `json:"timeout_hours,omitempty"`
	Reason       string   `json:"reason,omitempty"`
}

// MaxEscalationTimeoutHours is the longest accepted rule timeout (one year).
const MaxEscalationTimeoutHours = 24 * 366

// Timeout returns the rule's timeout, falling back to DefaultEscalationTimeoutHours
// and capped at MaxEscalationTimeoutHours.
func (r EscalationRule) Timeout() time.Duration {
	hours := r.TimeoutHours
	if hours <= 0 || math.IsNaN(hours) {
		hours = DefaultEscalationTimeoutHours
	}
	hours = math.Min(hours, MaxEscalationTimeoutHours)
	return time.Duration(hours * float64(time.Hour))
}

// WorkflowAction is executed by the default workflow runner when an execution starts.
// The only built-in type is "notify", which sends an in-app notification to each target.
type WorkflowAction struct {
	Type    string   `json:"type"`
	Targets []string `json:"targets,omitempty"`
	Title   string   `json:"title,omitempty"`
	Message string   `json:"message,omitempty"`
}

// WorkflowActionNotify is the built-in notify action type.
const WorkflowActionNotify = "notify"

// Workflow is a configured automation with an optional escalation ladder.
type Workflow struct {
	ID              string           `json:"id"`
	Name            string           `json:"name"`
	TriggerType     TriggerType      `json:"trigger_type"`
	TriggerConfig   TriggerConfig    `json:"trigger_config"`
	Conditions      []Condition      `json:"conditions,omitempty"`
	Actions         []WorkflowAction `json:"actions,omitempty"`
	EscalationRules []EscalationRule `json:"escalation_rules,omitempty"`
	IsActive        bool             `json:"is_active"`
	Priority        int              `json:"priority"`
	CreatedAt       time.Time        `json:"created_at"`
}

// Validate checks a workflow definition before it is saved.
func (w *Workflow) Validate() error {
	if w.Name == "" {
		return ValidationError("name is required")
	}
	switch w.TriggerType {
	case TriggerTypeEvent, TriggerTypeSchedule, TriggerTypeManual:
	default:
		return ValidationError("invalid trigger_type %q", w.TriggerType)
	}
	for i, rule := range w.EscalationRules {
		if len(rule.EscalatedTo) == 0 {
			return ValidationError("escalation_rules[%d].escalated_to is required", i)
		}
		if rule.TimeoutHours > MaxEscalationTimeoutHours {
			return ValidationError("escalation_rules[%d].timeout_hours must be at most %d", i, MaxEscalationTimeoutHours)
		}
	}
	return nil
}

// ExecutionStatus is the lifecycle state of a workflow execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "running"
	ExecutionStatusCompleted ExecutionStatus = "completed"
	ExecutionStatusEscalated ExecutionStatus = "escalated"
	ExecutionStatusResolved  ExecutionStatus = "resolved"
)

// WorkflowExecution tracks one run of a workflow through the escalation ladder.
// EscalationLevel never exceeds len(EscalationRules) of its workflow.
type WorkflowExecution struct {
	ID               string                 `json:"id"`
	WorkflowID       string                 `json:"workflow_id"`
	TriggerData      map[string]interface{} `json:"trigger_data,omitempty"`
	Status           ExecutionStatus        `json:"status"`
	EscalationLevel  int                    `json:"escalation_level"`
	NextEscalationAt *time.Time             `json:"next_escalation_at"`
	CreatedAt        time.Time              `json:"created_at"`
	UpdatedAt        time.Time              `json:"updated_at"`
}

// EscalationHistoryEntry is appended for every escalation step.
type EscalationHistoryEntry struct {
	ID               string     `json:"id"`
	ExecutionID      string     `json:"execution_id"`
	EscalationLevel  int        `json:"escalation_level"`
	EscalationReason string     `json:"escalation_reason"`
	EscalatedTo      []string   `json:"escalated_to"`
	ResponseDeadline time.Time  `json:"response_deadline"`
	ResolvedAt       *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy       string     `json:"resolved_by,omitempty"`
	ResolutionNotes  string     `json:"resolution_notes,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

// EscalationStep is the conditional update applied by the escalation sweep. It only
// takes effect while the execution is still at FromLevel and still due at Now.
type EscalationStep struct {
	ExecutionID      string
	FromLevel        int
	ToLevel          int
	NextEscalationAt *time.Time
	Now              time.Time
	History          EscalationHistoryEntry
}

// Resolution closes the escalation ladder of an execution.
type Resolution struct {
	ResolvedBy string `json:"resolved_by,omitempty"`
	Notes      string `json:"resolution_notes,omitempty"`
}

// WorkflowAction names accepted by the workflow processor endpoint.
const (
	ActionExecuteWorkflow       = "execute_workflow"
	ActionProcessEscalations    = "process_escalations"
	ActionTriggerEventWorkflows = "trigger_event_workflows"
	ActionResolveEscalation     = "resolve_escalation"
)

// WorkflowRequest is the body accepted by the workflow processor endpoint.
type WorkflowRequest struct {
	Action      string                 `json:"action"`
	WorkflowID  string                 `json:"workflow_id,omitempty"`
	TriggerData map[string]interface{} `json:"trigger_data,omitempty"`
	ExecutionID string                 `json:"execution_id,omitempty"`
	Resolution  *Resolution            `json:"resolution,omitempty"`
}

// SweepResult summarises one escalation sweep.
type SweepResult struct {
	Due       int      `json:"due"`
	Escalated int      `json:"escalated"`
	Skipped   int      `json:"skipped"`
	Errors    []string `json:"errors,omitempty"`
	// LockBusy is set when another sweep held the single-writer lock.
	LockBusy bool `json:"lock_busy,omitempty"`
}

// TriggerResult summarises one trigger_event_workflows call.
type TriggerResult struct {
	Evaluated    int      `json:"evaluated"`
	Triggered    int      `json:"triggered"`
	ExecutionIDs []string `json:"execution_ids,omitempty"`
	Errors       []string `json:"errors,omitempty"`
}
