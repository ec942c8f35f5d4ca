package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/camerpulse/pulsepipe/internal/models"
)

// decodeJSON decodes the request body into v, reporting malformed input as a validation error.
func decodeJSON(r *http.Request, v interface{}) error {
	if r.Body == nil {
		return models.ValidationError("request body is required")
	}
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return models.ValidationError("request body exceeds %d bytes", maxErr.Limit)
		}
		return models.ValidationError("invalid JSON format: %v", err)
	}
	return nil
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSONResponse(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"status":  "ok",
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *Server) dispatchHandler(w http.ResponseWriter, r *http.Request) {
	var ev models.Event
	if err := decodeJSON(r, &ev); err != nil {
		writeError(w, "dispatchHandler", err)
		return
	}
	slog.Debug("Server.dispatchHandler: dispatching event", "eventType", ev.EventType, "recipientID", ev.RecipientID)

	processed, err := s.dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		writeError(w, "dispatchHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.DispatchResponse{
		Success:        true,
		FlowsProcessed: processed,
		Message:        fmt.Sprintf("Processed %d flows", processed),
	})
}

type executeWorkflowResponse struct {
	Success     bool   `json:"success"`
	ExecutionID string `json:"execution_id"`
}

type processEscalationsResponse struct {
	Success              bool     `json:"success"`
	EscalationsProcessed int      `json:"escalations_processed"`
	Due                  int      `json:"due"`
	Skipped              int      `json:"skipped"`
	Errors               []string `json:"errors"`
	LockBusy             bool     `json:"lock_busy,omitempty"`
}

type triggerWorkflowsResponse struct {
	Success            bool     `json:"success"`
	WorkflowsEvaluated int      `json:"workflows_evaluated"`
	WorkflowsTriggered int      `json:"workflows_triggered"`
	ExecutionIDs       []string `json:"execution_ids"`
	Errors             []string `json:"errors"`
}

type resolveEscalationResponse struct {
	Success        bool `json:"success"`
	HistoryUpdated bool `json:"history_updated"`
}

func (s *Server) workflowHandler(w http.ResponseWriter, r *http.Request) {
	var req models.WorkflowRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "workflowHandler", err)
		return
	}
	slog.Debug("Server.workflowHandler: processing action", "action", req.Action)
	ctx := r.Context()

	switch req.Action {
	case models.ActionExecuteWorkflow:
		if req.WorkflowID == "" {
			writeError(w, "workflowHandler", models.ValidationError("workflow_id is required"))
			return
		}
		id, err := s.engine.ExecuteWorkflow(ctx, req.WorkflowID, req.TriggerData)
		if err != nil {
			writeError(w, "workflowHandler", err)
			return
		}
		writeJSONResponse(w, http.StatusOK, executeWorkflowResponse{Success: true, ExecutionID: id})

	case models.ActionProcessEscalations:
		res, err := s.engine.ProcessEscalations(ctx)
		if err != nil {
			writeError(w, "workflowHandler", err)
			return
		}
		writeJSONResponse(w, http.StatusOK, processEscalationsResponse{
			Success:              true,
			EscalationsProcessed: res.Escalated,
			Due:                  res.Due,
			Skipped:              res.Skipped,
			Errors:               nonNil(res.Errors),
			LockBusy:             res.LockBusy,
		})

	case models.ActionTriggerEventWorkflows:
		if req.TriggerData == nil {
			writeError(w, "workflowHandler", models.ValidationError("trigger_data is required"))
			return
		}
		res, err := s.engine.TriggerEventWorkflows(ctx, req.TriggerData)
		if err != nil {
			writeError(w, "workflowHandler", err)
			return
		}
		writeJSONResponse(w, http.StatusOK, triggerWorkflowsResponse{
			Success:            true,
			WorkflowsEvaluated: res.Evaluated,
			WorkflowsTriggered: res.Triggered,
			ExecutionIDs:       nonNil(res.ExecutionIDs),
			Errors:             nonNil(res.Errors),
		})

	case models.ActionResolveEscalation:
		if req.ExecutionID == "" {
			writeError(w, "workflowHandler", models.ValidationError("execution_id is required"))
			return
		}
		var res models.Resolution
		if req.Resolution != nil {
			res = *req.Resolution
		}
		updated, err := s.engine.ResolveEscalation(ctx, req.ExecutionID, res)
		if err != nil {
			writeError(w, "workflowHandler", err)
			return
		}
		writeJSONResponse(w, http.StatusOK, resolveEscalationResponse{Success: true, HistoryUpdated: updated})

	case "":
		writeError(w, "workflowHandler", models.ValidationError("action is required"))
	default:
		writeError(w, "workflowHandler", fmt.Errorf("%w: %q", models.ErrUnknownAction, req.Action))
	}
}

func (s *Server) ingestHandler(w http.ResponseWriter, r *http.Request) {
	var req models.IngestRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, "ingestHandler", err)
		return
	}
	slog.Debug("Server.ingestHandler: ingesting batch", "streamID", req.StreamID, "batchSize", req.BatchSize)

	res, err := s.ingester.Ingest(r.Context(), req.StreamID, req.Events, req.BatchSize)
	if err != nil {
		writeError(w, "ingestHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.IngestResponse{
		Success:      true,
		StreamID:     req.StreamID,
		IngestResult: res,
	})
}

func nonNil[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
