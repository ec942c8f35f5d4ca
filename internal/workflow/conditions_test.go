package workflow

import (
	"errors"
	"testing"

	"github.com/camerpulse/pulsepipe/internal/models"
)

func TestEvaluateConditions(t *testing.T) {
	data := map[string]interface{}{
		"status":  "failed",
		"amount":  float64(2500),
		"retries": "3",
		"note":    "card declined by issuer",
		"flag":    true,
		"user":    map[string]interface{}{"tier": "gold"},
	}
	cond := func(field, op string, v interface{}) models.Condition {
		return models.Condition{Field: field, Operator: op, Value: v}
	}

	tests := []struct {
		name  string
		conds []models.Condition
		want  bool
	}{
		{"no conditions", nil, true},
		{"equals string", []models.Condition{cond("status", "equals", "failed")}, true},
		{"equals mismatch", []models.Condition{cond("status", "equals", "ok")}, false},
		{"equals numeric kinds", []models.Condition{cond("amount", "equals", 2500)}, true},
		{"equals is strict", []models.Condition{cond("retries", "equals", float64(3))}, false},
		{"equals bool", []models.Condition{cond("flag", "equals", true)}, true},
		{"equals missing field", []models.Condition{cond("absent", "equals", nil)}, false},
		{"greater_than", []models.Condition{cond("amount", "greater_than", 1000)}, true},
		{"greater_than coerces strings", []models.Condition{cond("retries", "greater_than", "2")}, true},
		{"greater_than not greater", []models.Condition{cond("amount", "greater_than", 2500)}, false},
		{"greater_than non numeric", []models.Condition{cond("status", "greater_than", 1)}, false},
		{"greater_than coerces true to 1", []models.Condition{cond("flag", "greater_than", 0)}, true},
		{"greater_than false is 0", []models.Condition{cond("flag", "greater_than", false)}, true},
		{"greater_than bool not greater", []models.Condition{cond("flag", "greater_than", 1)}, false},
		{"contains", []models.Condition{cond("note", "contains", "declined")}, true},
		{"contains number", []models.Condition{cond("amount", "contains", "25")}, true},
		{"contains miss", []models.Condition{cond("note", "contains", "fraud")}, false},
		{"dotted path", []models.Condition{cond("user.tier", "equals", "gold")}, true},
		{"all must hold", []models.Condition{cond("status", "equals", "failed"), cond("amount", "greater_than", 5000)}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := EvaluateConditions(tt.conds, data, false)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Errorf("EvaluateConditions() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluateConditions_UnknownOperator(t *testing.T) {
	conds := []models.Condition{{Field: "status", Operator: "regex", Value: ".*"}}
	data := map[string]interface{}{"status": "failed"}

	ok, err := EvaluateConditions(conds, data, false)
	var unknown ErrUnknownOperator
	if ok || !errors.As(err, &unknown) || unknown.Operator != "regex" {
		t.Errorf("strict mode = (%v, %v), want (false, ErrUnknownOperator)", ok, err)
	}

	ok, err = EvaluateConditions(conds, data, true)
	if !ok || err != nil {
		t.Errorf("lenient mode = (%v, %v), want (true, nil)", ok, err)
	}
}

func TestMessageRenderer(t *testing.T) {
	r := NewMessageRenderer()
	out, err := r.Render(DefaultEscalationMessage, map[string]interface{}{"workflow": "Payment review", "level": 2})
	if err != nil {
		t.Fatalf("Render failed: %v", err)
	}
	if out != "Workflow Payment review escalated to level 2" {
		t.Errorf("unexpected output %q", out)
	}
	if _, err := r.Render("{% if %}", nil); err == nil {
		t.Error("expected parse error")
	}
}
