package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/camerpulse/pulsepipe/internal/models"
)

func (s *sqlStore) SaveWorkflow(ctx context.Context, w models.Workflow) error {
	trigger, err := toJSON(w.TriggerConfig)
	if err != nil {
		return err
	}
	conds, err := toJSON(w.Conditions)
	if err != nil {
		return err
	}
	actions, err := toJSON(w.Actions)
	if err != nil {
		return err
	}
	rules, err := toJSON(w.EscalationRules)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO workflows (id, name, trigger_type, trigger_config, conditions, actions, escalation_rules, is_active, priority, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET name = excluded.name, trigger_type = excluded.trigger_type,
		   trigger_config = excluded.trigger_config, conditions = excluded.conditions, actions = excluded.actions,
		   escalation_rules = excluded.escalation_rules, is_active = excluded.is_active, priority = excluded.priority`,
		w.ID, w.Name, string(w.TriggerType), trigger, conds, actions, rules, w.IsActive, w.Priority, dbTime(w.CreatedAt),
	)
	if err != nil {
		slog.Error("sqlStore.SaveWorkflow failed", "error", err, "workflowID", w.ID)
		return fmt.Errorf("failed to save workflow %s: %w", w.ID, err)
	}
	return nil
}

const workflowColumns = `id, name, trigger_type, trigger_config, conditions, actions, escalation_rules, is_active, priority, created_at`

func scanWorkflow(row rowScanner) (models.Workflow, error) {
	var w models.Workflow
	var triggerType string
	var trigger, conds, actions, rules sql.NullString
	err := row.Scan(&w.ID, &w.Name, &triggerType, &trigger, &conds, &actions, &rules, &w.IsActive, &w.Priority, &w.CreatedAt)
	if err != nil {
		return w, err
	}
	w.TriggerType = models.TriggerType(triggerType)
	for _, c := range []struct {
		src sql.NullString
		dst interface{}
	}{
		{trigger, &w.TriggerConfig},
		{conds, &w.Conditions},
		{actions, &w.Actions},
		{rules, &w.EscalationRules},
	} {
		if err := fromJSON(c.src, c.dst); err != nil {
			return w, err
		}
	}
	return w, nil
}

func (s *sqlStore) GetWorkflow(ctx context.Context, id string) (*models.Workflow, error) {
	w, err := scanWorkflow(s.queryRow(ctx, `SELECT `+workflowColumns+` FROM workflows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get workflow %s: %w", id, err)
	}
	return &w, nil
}

func (s *sqlStore) ListActiveEventWorkflows(ctx context.Context) ([]models.Workflow, error) {
	rows, err := s.query(ctx,
		`SELECT `+workflowColumns+` FROM workflows WHERE is_active = ? AND trigger_type = ?
		 ORDER BY priority ASC, created_at ASC`,
		true, string(models.TriggerTypeEvent),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query workflows: %w", err)
	}
	defer rows.Close()

	var out []models.Workflow
	for rows.Next() {
		w, err := scanWorkflow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan workflow row: %w", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate workflow rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) CreateExecution(ctx context.Context, e models.WorkflowExecution) error {
	data, err := toJSON(e.TriggerData)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO workflow_executions (id, workflow_id, trigger_data, status, escalation_level, next_escalation_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.WorkflowID, data, string(e.Status), e.EscalationLevel, nullableTime(e.NextEscalationAt),
		dbTime(e.CreatedAt), dbTime(e.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution %s: %w", e.ID, err)
	}
	return nil
}

const executionColumns = `id, workflow_id, trigger_data, status, escalation_level, next_escalation_at, created_at, updated_at`

func scanExecution(row rowScanner) (models.WorkflowExecution, error) {
	var e models.WorkflowExecution
	var status string
	var data sql.NullString
	var next sql.NullTime
	if err := row.Scan(&e.ID, &e.WorkflowID, &data, &status, &e.EscalationLevel, &next, &e.CreatedAt, &e.UpdatedAt); err != nil {
		return e, err
	}
	e.Status = models.ExecutionStatus(status)
	e.NextEscalationAt = timePtr(next)
	if err := fromJSON(data, &e.TriggerData); err != nil {
		return e, err
	}
	return e, nil
}

func (s *sqlStore) GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error) {
	e, err := scanExecution(s.queryRow(ctx, `SELECT `+executionColumns+` FROM workflow_executions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get execution %s: %w", id, err)
	}
	return &e, nil
}

func (s *sqlStore) CompleteExecution(ctx context.Context, id string, next *time.Time, now time.Time) error {
	res, err := s.exec(ctx,
		`UPDATE workflow_executions SET status = 'completed', next_escalation_at = ?, updated_at = ?
		 WHERE id = ? AND status = 'running'`,
		nullableTime(next), dbTime(now), id,
	)
	if err != nil {
		return fmt.Errorf("failed to complete execution %s: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.NotFoundError("running execution", id)
	}
	return nil
}

func (s *sqlStore) ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]models.WorkflowExecution, error) {
	rows, err := s.query(ctx,
		`SELECT `+executionColumns+` FROM workflow_executions
		 WHERE status IN ('completed', 'escalated') AND next_escalation_at IS NOT NULL AND next_escalation_at <= ?
		 ORDER BY next_escalation_at ASC LIMIT ?`,
		dbTime(now), limitOrDefault(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query due executions: %w", err)
	}
	defer rows.Close()

	var out []models.WorkflowExecution
	for rows.Next() {
		e, err := scanExecution(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan execution row: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate execution rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) ApplyEscalation(ctx context.Context, step models.EscalationStep) (bool, error) {
	applied := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE workflow_executions SET status = 'escalated', escalation_level = ?, next_escalation_at = ?, updated_at = ?
			 WHERE id = ? AND escalation_level = ? AND status IN ('completed', 'escalated')
			   AND next_escalation_at IS NOT NULL AND next_escalation_at <= ?`),
			step.ToLevel, nullableTime(step.NextEscalationAt), dbTime(step.Now),
			step.ExecutionID, step.FromLevel, dbTime(step.Now),
		)
		if err != nil {
			return fmt.Errorf("failed to advance execution %s: %w", step.ExecutionID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to read rows affected: %w", err)
		}
		if n == 0 {
			return nil
		}

		h := step.History
		to, err := toJSON(h.EscalatedTo)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, s.rebind(
			`INSERT INTO escalation_history (id, execution_id, escalation_level, escalation_reason, escalated_to,
			   response_deadline, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`),
			h.ID, step.ExecutionID, h.EscalationLevel, h.EscalationReason, to, dbTime(h.ResponseDeadline), dbTime(h.CreatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to insert escalation history for %s: %w", step.ExecutionID, err)
		}
		applied = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

func (s *sqlStore) ResolveExecution(ctx context.Context, executionID string, res models.Resolution, now time.Time) (bool, error) {
	updated := false
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, s.rebind(`SELECT status FROM workflow_executions WHERE id = ?`), executionID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return models.NotFoundError("execution", executionID)
		}
		if err != nil {
			return fmt.Errorf("failed to load execution %s: %w", executionID, err)
		}

		hres, err := tx.ExecContext(ctx, s.rebind(
			`UPDATE escalation_history SET resolved_at = ?, resolved_by = ?, resolution_notes = ?
			 WHERE id = (
			   SELECT id FROM escalation_history WHERE execution_id = ? AND resolved_at IS NULL
			   ORDER BY escalation_level DESC, created_at DESC LIMIT 1
			 )`),
			dbTime(now), nilIfEmpty(res.ResolvedBy), nilIfEmpty(res.Notes), executionID,
		)
		if err != nil {
			return fmt.Errorf("failed to resolve escalation history for %s: %w", executionID, err)
		}
		if n, _ := hres.RowsAffected(); n > 0 {
			updated = true
		}

		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE workflow_executions SET status = 'resolved', next_escalation_at = NULL, updated_at = ? WHERE id = ?`),
			dbTime(now), executionID,
		)
		if err != nil {
			return fmt.Errorf("failed to resolve execution %s: %w", executionID, err)
		}
		return nil
	})
	if err != nil {
		return false, err
	}
	return updated, nil
}

func (s *sqlStore) ListEscalationHistory(ctx context.Context, executionID string) ([]models.EscalationHistoryEntry, error) {
	rows, err := s.query(ctx,
		`SELECT id, execution_id, escalation_level, escalation_reason, escalated_to, response_deadline,
		   resolved_at, resolved_by, resolution_notes, created_at
		 FROM escalation_history WHERE execution_id = ? ORDER BY escalation_level ASC, created_at ASC`,
		executionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalation history: %w", err)
	}
	defer rows.Close()

	var out []models.EscalationHistoryEntry
	for rows.Next() {
		var h models.EscalationHistoryEntry
		var to, resolvedBy, notes sql.NullString
		var resolvedAt sql.NullTime
		if err := rows.Scan(&h.ID, &h.ExecutionID, &h.EscalationLevel, &h.EscalationReason, &to, &h.ResponseDeadline,
			&resolvedAt, &resolvedBy, &notes, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan escalation history row: %w", err)
		}
		if err := fromJSON(to, &h.EscalatedTo); err != nil {
			return nil, err
		}
		h.ResolvedAt = timePtr(resolvedAt)
		h.ResolvedBy = resolvedBy.String
		h.ResolutionNotes = notes.String
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate escalation history rows: %w", err)
	}
	return out, nil
}
