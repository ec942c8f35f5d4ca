package api

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/util"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	// trendingLookback is how far back GET /trending looks when no "since" is given.
	trendingLookback = 24 * time.Hour
)

// listLimit parses the "limit" query parameter.
func listLimit(r *http.Request) (int, error) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, models.ValidationError("limit must be a positive integer")
	}
	return min(n, maxListLimit), nil
}

func (s *Server) saveFlowHandler(w http.ResponseWriter, r *http.Request) {
	var f models.Flow
	if err := decodeJSON(r, &f); err != nil {
		writeError(w, "saveFlowHandler", err)
		return
	}
	if err := f.Validate(); err != nil {
		writeError(w, "saveFlowHandler", err)
		return
	}
	if f.ID == "" {
		f.ID = util.NewID(util.PrefixFlow)
	}
	if f.CreatedAt.IsZero() {
		f.CreatedAt = time.Now().UTC()
	}
	if err := s.st.SaveFlow(r.Context(), f); err != nil {
		writeError(w, "saveFlowHandler", err)
		return
	}
	slog.Info("Server.saveFlowHandler: flow saved", "flowID", f.ID, "eventType", f.EventType, "channel", f.Channel)
	writeJSONResponse(w, http.StatusOK, models.Success(f))
}

func (s *Server) listFlowsHandler(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	eventType, recipientType := q.Get("event_type"), q.Get("recipient_type")
	if eventType == "" || recipientType == "" {
		writeError(w, "listFlowsHandler", models.ValidationError("event_type and recipient_type are required"))
		return
	}
	flows, err := s.st.ListActiveFlows(r.Context(), eventType, recipientType)
	if err != nil {
		writeError(w, "listFlowsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nonNil(flows)))
}

func (s *Server) saveTemplateHandler(w http.ResponseWriter, r *http.Request) {
	var t models.Template
	if err := decodeJSON(r, &t); err != nil {
		writeError(w, "saveTemplateHandler", err)
		return
	}
	if t.Content == "" {
		writeError(w, "saveTemplateHandler", models.ValidationError("content is required"))
		return
	}
	if t.ID == "" {
		t.ID = util.NewID(util.PrefixTemplate)
	}
	if err := s.st.SaveTemplate(r.Context(), t); err != nil {
		writeError(w, "saveTemplateHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(t))
}

func (s *Server) upsertPreferenceHandler(w http.ResponseWriter, r *http.Request) {
	var p models.Preference
	if err := decodeJSON(r, &p); err != nil {
		writeError(w, "upsertPreferenceHandler", err)
		return
	}
	if err := p.Validate(); err != nil {
		writeError(w, "upsertPreferenceHandler", err)
		return
	}
	p.UpdatedAt = time.Now().UTC()
	if err := s.st.UpsertPreference(r.Context(), p); err != nil {
		writeError(w, "upsertPreferenceHandler", err)
		return
	}
	slog.Debug("Server.upsertPreferenceHandler: preference stored", "userID", p.UserID, "eventType", p.EventType, "channel", p.Channel, "enabled", p.IsEnabled)
	writeJSONResponse(w, http.StatusOK, models.Success(p))
}

func (s *Server) listPreferencesHandler(w http.ResponseWriter, r *http.Request) {
	prefs, err := s.st.ListPreferences(r.Context(), chi.URLParam(r, "userID"), r.URL.Query().Get("event_type"))
	if err != nil {
		writeError(w, "listPreferencesHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nonNil(prefs)))
}

func (s *Server) saveUserHandler(w http.ResponseWriter, r *http.Request) {
	var u models.User
	if err := decodeJSON(r, &u); err != nil {
		writeError(w, "saveUserHandler", err)
		return
	}
	if err := u.Validate(); err != nil {
		writeError(w, "saveUserHandler", err)
		return
	}
	if err := s.st.SaveUser(r.Context(), u); err != nil {
		writeError(w, "saveUserHandler", err)
		return
	}
	slog.Debug("Server.saveUserHandler: user stored", "userID", u.ID, "email", util.RedactEmail(u.Email))
	writeJSONResponse(w, http.StatusOK, models.Success(u))
}

func (s *Server) saveWorkflowHandler(w http.ResponseWriter, r *http.Request) {
	var wf models.Workflow
	if err := decodeJSON(r, &wf); err != nil {
		writeError(w, "saveWorkflowHandler", err)
		return
	}
	if err := wf.Validate(); err != nil {
		writeError(w, "saveWorkflowHandler", err)
		return
	}
	if wf.ID == "" {
		wf.ID = util.NewID(util.PrefixWorkflow)
	}
	if wf.CreatedAt.IsZero() {
		wf.CreatedAt = time.Now().UTC()
	}
	if err := s.st.SaveWorkflow(r.Context(), wf); err != nil {
		writeError(w, "saveWorkflowHandler", err)
		return
	}
	slog.Info("Server.saveWorkflowHandler: workflow saved", "workflowID", wf.ID, "name", wf.Name, "rules", len(wf.EscalationRules))
	writeJSONResponse(w, http.StatusOK, models.Success(wf))
}

type executionView struct {
	models.WorkflowExecution
	History []models.EscalationHistoryEntry `json:"escalation_history"`
}

func (s *Server) getExecutionHandler(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "executionID")
	exec, err := s.st.GetExecution(r.Context(), id)
	if err != nil {
		writeError(w, "getExecutionHandler", err)
		return
	}
	if exec == nil {
		writeError(w, "getExecutionHandler", models.NotFoundError("execution", id))
		return
	}
	history, err := s.st.ListEscalationHistory(r.Context(), id)
	if err != nil {
		writeError(w, "getExecutionHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(executionView{WorkflowExecution: *exec, History: nonNil(history)}))
}

func (s *Server) saveStreamHandler(w http.ResponseWriter, r *http.Request) {
	var cfg models.StreamConfig
	if err := decodeJSON(r, &cfg); err != nil {
		writeError(w, "saveStreamHandler", err)
		return
	}
	if cfg.Status == "" {
		cfg.Status = models.StreamStatusActive
	}
	if err := cfg.Validate(); err != nil {
		writeError(w, "saveStreamHandler", err)
		return
	}
	if cfg.ID == "" {
		cfg.ID = util.NewID(util.PrefixStream)
	}
	if cfg.CreatedAt.IsZero() {
		cfg.CreatedAt = time.Now().UTC()
	}
	if err := s.st.SaveStreamConfig(r.Context(), cfg); err != nil {
		writeError(w, "saveStreamHandler", err)
		return
	}
	slog.Info("Server.saveStreamHandler: stream saved", "streamID", cfg.ID, "streamType", cfg.StreamType, "status", cfg.Status)
	writeJSONResponse(w, http.StatusOK, models.Success(cfg))
}

func (s *Server) listDeliveryLogsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, "listDeliveryLogsHandler", err)
		return
	}
	logs, err := s.st.ListDeliveryLogs(r.Context(), r.URL.Query().Get("recipient_id"), limit)
	if err != nil {
		writeError(w, "listDeliveryLogsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nonNil(logs)))
}

func (s *Server) listNotificationsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, "listNotificationsHandler", err)
		return
	}
	notes, err := s.st.ListNotifications(r.Context(), chi.URLParam(r, "userID"), limit)
	if err != nil {
		writeError(w, "listNotificationsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nonNil(notes)))
}

func (s *Server) listAlertsHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, "listAlertsHandler", err)
		return
	}
	alerts, err := s.st.ListAlerts(r.Context(), limit)
	if err != nil {
		writeError(w, "listAlertsHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nonNil(alerts)))
}

func (s *Server) listTrendingHandler(w http.ResponseWriter, r *http.Request) {
	limit, err := listLimit(r)
	if err != nil {
		writeError(w, "listTrendingHandler", err)
		return
	}
	since := time.Now().Add(-trendingLookback)
	if raw := r.URL.Query().Get("since"); raw != "" {
		since, err = time.Parse(time.RFC3339, raw)
		if err != nil {
			writeError(w, "listTrendingHandler", models.ValidationError("since must be an RFC 3339 timestamp"))
			return
		}
	}
	topics, err := s.st.ListTrendingTopics(r.Context(), since, limit)
	if err != nil {
		writeError(w, "listTrendingHandler", err)
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nonNil(topics)))
}
