package models

import (
	"errors"
	"testing"
	"time"
)

func TestEventValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{"valid", Event{EventType: "order_confirmed", RecipientID: "u1", RecipientType: "customer"}, false},
		{"missing event type", Event{RecipientID: "u1", RecipientType: "customer"}, true},
		{"missing recipient", Event{EventType: "order_confirmed", RecipientType: "customer"}, true},
		{"missing recipient type", Event{EventType: "order_confirmed", RecipientID: "u1"}, true},
		{"negative delay", Event{EventType: "e", RecipientID: "u1", RecipientType: "c", DelayMinutes: -1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.event.Validate()
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrValidation) {
				t.Errorf("expected ErrValidation, got %v", err)
			}
		})
	}
}

func TestFlowValidate_RejectsUnknownChannel(t *testing.T) {
	f := Flow{EventType: "e", RecipientType: "r", Channel: "fax", TemplateID: "t"}
	if err := f.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for unknown channel, got %v", err)
	}
}

func TestEscalationRuleTimeout(t *testing.T) {
	if got := (EscalationRule{}).Timeout(); got != 24*time.Hour {
		t.Errorf("default timeout = %v, want 24h", got)
	}
	if got := (EscalationRule{TimeoutHours: 1.5}).Timeout(); got != 90*time.Minute {
		t.Errorf("timeout = %v, want 90m", got)
	}
	if got := (EscalationRule{TimeoutHours: 1e9}).Timeout(); got != MaxEscalationTimeoutHours*time.Hour {
		t.Errorf("huge timeout = %v, want capped at %dh", got, MaxEscalationTimeoutHours)
	}
}

func TestWorkflowValidate(t *testing.T) {
	w := Workflow{Name: "flagged report", TriggerType: TriggerTypeEvent,
		EscalationRules: []EscalationRule{{EscalatedTo: nil}}}
	if err := w.Validate(); err == nil {
		t.Error("expected error for rule without targets")
	}
	w.EscalationRules[0].EscalatedTo = []string{"moderator-1"}
	if err := w.Validate(); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	w.EscalationRules[0].TimeoutHours = MaxEscalationTimeoutHours + 1
	if err := w.Validate(); !errors.Is(err, ErrValidation) {
		t.Errorf("expected validation error for oversized timeout, got %v", err)
	}
}

func TestNotFoundError(t *testing.T) {
	err := NotFoundError("stream", "s1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}
