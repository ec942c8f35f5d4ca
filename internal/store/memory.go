package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/util"
)

// InMemoryStore is a mutex-protected Store used by tests and by deployments
// started without a database. Conditional updates hold the lock for the whole
// check-and-set, so they behave like the SQL compare-and-swap statements.
type InMemoryStore struct {
	mu            sync.RWMutex
	flows         map[string]models.Flow
	templates     map[string]models.Template
	preferences   map[string]models.Preference
	deliveryLogs  map[string]models.DeliveryLog
	metrics       []models.MetricRecord
	users         map[string]models.User
	notifications []models.Notification
	workflows     map[string]models.Workflow
	executions    map[string]models.WorkflowExecution
	history       []models.EscalationHistoryEntry
	streams       map[string]models.StreamConfig
	events        map[string]models.AnalyticsEvent
	trending      []models.TrendingTopic
	alerts        []models.Alert
	sentiment     []models.SentimentResult
	jobs          map[string]Job
}

// Compile-time check that InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

// NewInMemoryStore creates a new in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		flows:        make(map[string]models.Flow),
		templates:    make(map[string]models.Template),
		preferences:  make(map[string]models.Preference),
		deliveryLogs: make(map[string]models.DeliveryLog),
		users:        make(map[string]models.User),
		workflows:    make(map[string]models.Workflow),
		executions:   make(map[string]models.WorkflowExecution),
		streams:      make(map[string]models.StreamConfig),
		events:       make(map[string]models.AnalyticsEvent),
		jobs:         make(map[string]Job),
	}
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error { return nil }

func (s *InMemoryStore) SaveFlow(_ context.Context, f models.Flow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.flows[f.ID] = f
	return nil
}

func (s *InMemoryStore) GetFlow(_ context.Context, id string) (*models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.flows[id]
	if !ok {
		return nil, nil
	}
	return &f, nil
}

func (s *InMemoryStore) ListActiveFlows(_ context.Context, eventType, recipientType string) ([]models.Flow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Flow
	for _, f := range s.flows {
		if f.IsActive && f.EventType == eventType && f.RecipientType == recipientType {
			out = append(out, f)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) SaveTemplate(_ context.Context, t models.Template) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.templates[t.ID] = t
	return nil
}

func (s *InMemoryStore) GetTemplate(_ context.Context, id string) (*models.Template, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.templates[id]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func preferenceKey(userID, eventType string, channel models.Channel) string {
	return strings.Join([]string{userID, eventType, string(channel)}, "\x00")
}

func (s *InMemoryStore) UpsertPreference(_ context.Context, p models.Preference) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.preferences[preferenceKey(p.UserID, p.EventType, p.Channel)] = p
	return nil
}

func (s *InMemoryStore) ListPreferences(_ context.Context, userID, eventType string) ([]models.Preference, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Preference
	for _, p := range s.preferences {
		if p.UserID == userID && (eventType == "" || p.EventType == eventType) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].Channel < out[j].Channel
	})
	return out, nil
}

func (s *InMemoryStore) CreateDeliveryLog(_ context.Context, l models.DeliveryLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveryLogs[l.ID] = l
	return nil
}

func (s *InMemoryStore) CompleteDeliveryLog(_ context.Context, id string, o models.DeliveryOutcome) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.deliveryLogs[id]
	if !ok || l.Status != models.DeliveryStatusPending {
		return false, nil
	}
	sentAt := o.SentAt
	l.Status = o.Status
	l.SentAt = &sentAt
	l.DeliveredAt = o.DeliveredAt
	l.ErrorMessage = o.ErrorMessage
	l.ExternalID = o.ExternalID
	l.UpdatedAt = o.SentAt
	s.deliveryLogs[id] = l
	return true, nil
}

func (s *InMemoryStore) GetDeliveryLog(_ context.Context, id string) (*models.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.deliveryLogs[id]
	if !ok {
		return nil, nil
	}
	return &l, nil
}

func (s *InMemoryStore) ListDeliveryLogs(_ context.Context, recipientID string, limit int) ([]models.DeliveryLog, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.DeliveryLog
	for _, l := range s.deliveryLogs {
		if recipientID == "" || l.RecipientID == recipientID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return truncate(out, limitOrDefault(limit)), nil
}

func (s *InMemoryStore) AddMetricRecord(_ context.Context, rec models.MetricRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, rec)
	return nil
}

// MetricRecords returns a copy of the stored metric records.
func (s *InMemoryStore) MetricRecords() []models.MetricRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.MetricRecord(nil), s.metrics...)
}

func (s *InMemoryStore) SaveUser(_ context.Context, u models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

func (s *InMemoryStore) GetUser(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (s *InMemoryStore) AddNotification(_ context.Context, n models.Notification) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.notifications = append(s.notifications, n)
	return nil
}

func (s *InMemoryStore) ListNotifications(_ context.Context, userID string, limit int) ([]models.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Notification
	for i := len(s.notifications) - 1; i >= 0; i-- {
		if s.notifications[i].UserID == userID {
			out = append(out, s.notifications[i])
		}
	}
	return truncate(out, limitOrDefault(limit)), nil
}

func (s *InMemoryStore) SaveWorkflow(_ context.Context, w models.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.workflows[w.ID] = w
	return nil
}

func (s *InMemoryStore) GetWorkflow(_ context.Context, id string) (*models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.workflows[id]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *InMemoryStore) ListActiveEventWorkflows(_ context.Context) ([]models.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.Workflow
	for _, w := range s.workflows {
		if w.IsActive && w.TriggerType == models.TriggerTypeEvent {
			out = append(out, w)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func (s *InMemoryStore) CreateExecution(_ context.Context, e models.WorkflowExecution) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.executions[e.ID] = e
	return nil
}

func (s *InMemoryStore) GetExecution(_ context.Context, id string) (*models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.executions[id]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *InMemoryStore) CompleteExecution(_ context.Context, id string, next *time.Time, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[id]
	if !ok || e.Status != models.ExecutionStatusRunning {
		return models.NotFoundError("running execution", id)
	}
	e.Status = models.ExecutionStatusCompleted
	e.NextEscalationAt = next
	e.UpdatedAt = now
	s.executions[id] = e
	return nil
}

func awaitingEscalation(e models.WorkflowExecution, now time.Time) bool {
	if e.Status != models.ExecutionStatusCompleted && e.Status != models.ExecutionStatusEscalated {
		return false
	}
	return e.NextEscalationAt != nil && !e.NextEscalationAt.After(now)
}

func (s *InMemoryStore) ListDueExecutions(_ context.Context, now time.Time, limit int) ([]models.WorkflowExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.WorkflowExecution
	for _, e := range s.executions {
		if awaitingEscalation(e, now) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextEscalationAt.Before(*out[j].NextEscalationAt) })
	return truncate(out, limitOrDefault(limit)), nil
}

func (s *InMemoryStore) ApplyEscalation(_ context.Context, step models.EscalationStep) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[step.ExecutionID]
	if !ok || e.EscalationLevel != step.FromLevel || !awaitingEscalation(e, step.Now) {
		return false, nil
	}
	e.Status = models.ExecutionStatusEscalated
	e.EscalationLevel = step.ToLevel
	e.NextEscalationAt = step.NextEscalationAt
	e.UpdatedAt = step.Now
	s.executions[e.ID] = e

	h := step.History
	h.ExecutionID = step.ExecutionID
	s.history = append(s.history, h)
	return true, nil
}

func (s *InMemoryStore) ResolveExecution(_ context.Context, executionID string, res models.Resolution, now time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.executions[executionID]
	if !ok {
		return false, models.NotFoundError("execution", executionID)
	}

	latest := -1
	for i, h := range s.history {
		if h.ExecutionID != executionID || h.ResolvedAt != nil {
			continue
		}
		if latest < 0 || h.EscalationLevel > s.history[latest].EscalationLevel {
			latest = i
		}
	}
	updated := false
	if latest >= 0 {
		resolvedAt := now
		s.history[latest].ResolvedAt = &resolvedAt
		s.history[latest].ResolvedBy = res.ResolvedBy
		s.history[latest].ResolutionNotes = res.Notes
		updated = true
	}

	e.Status = models.ExecutionStatusResolved
	e.NextEscalationAt = nil
	e.UpdatedAt = now
	s.executions[executionID] = e
	return updated, nil
}

func (s *InMemoryStore) ListEscalationHistory(_ context.Context, executionID string) ([]models.EscalationHistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.EscalationHistoryEntry
	for _, h := range s.history {
		if h.ExecutionID == executionID {
			out = append(out, h)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].EscalationLevel < out[j].EscalationLevel })
	return out, nil
}

func (s *InMemoryStore) SaveStreamConfig(_ context.Context, c models.StreamConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.streams[c.ID]; ok {
		c.EventsPerMinute = existing.EventsPerMinute
		c.LastEventAt = existing.LastEventAt
		c.ErrorCount = existing.ErrorCount
		c.CreatedAt = existing.CreatedAt
	}
	s.streams[c.ID] = c
	return nil
}

func (s *InMemoryStore) GetStreamConfig(_ context.Context, id string) (*models.StreamConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.streams[id]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

func (s *InMemoryStore) UpdateStreamStats(_ context.Context, id string, eventsPerMinute float64, lastEventAt time.Time, errorDelta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.streams[id]
	if !ok {
		return models.NotFoundError("stream", id)
	}
	c.EventsPerMinute = eventsPerMinute
	c.LastEventAt = &lastEventAt
	c.ErrorCount += errorDelta
	s.streams[id] = c
	return nil
}

func (s *InMemoryStore) InsertAnalyticsEvent(_ context.Context, ev models.AnalyticsEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ID] = ev
	return nil
}

func (s *InMemoryStore) MarkAnalyticsEventsProcessed(_ context.Context, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if ev, ok := s.events[id]; ok {
			ev.Processed = true
			s.events[id] = ev
		}
	}
	return nil
}

func (s *InMemoryStore) GetAnalyticsEvent(_ context.Context, id string) (*models.AnalyticsEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ev, ok := s.events[id]
	if !ok {
		return nil, nil
	}
	return &ev, nil
}

func (s *InMemoryStore) RecordTrendingMention(_ context.Context, topic, category string, now time.Time, window time.Duration) (*models.TrendingTopic, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-window)
	latest := -1
	for i, t := range s.trending {
		if t.Topic != topic || t.CreatedAt.Before(cutoff) {
			continue
		}
		if latest < 0 || t.CreatedAt.After(s.trending[latest].CreatedAt) {
			latest = i
		}
	}
	if latest >= 0 {
		s.trending[latest].MentionCount++
		s.trending[latest].UpdatedAt = now
		t := s.trending[latest]
		return &t, nil
	}
	t := models.TrendingTopic{
		ID:           util.NewID(util.PrefixTrending),
		Topic:        topic,
		Category:     category,
		MentionCount: 1,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	s.trending = append(s.trending, t)
	return &t, nil
}

func (s *InMemoryStore) ListTrendingTopics(_ context.Context, since time.Time, limit int) ([]models.TrendingTopic, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.TrendingTopic
	for _, t := range s.trending {
		if !t.CreatedAt.Before(since) {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].MentionCount != out[j].MentionCount {
			return out[i].MentionCount > out[j].MentionCount
		}
		return out[i].Topic < out[j].Topic
	})
	return truncate(out, limitOrDefault(limit)), nil
}

func (s *InMemoryStore) AddAlert(_ context.Context, a models.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *InMemoryStore) ListAlerts(_ context.Context, limit int) ([]models.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.Alert, 0, len(s.alerts))
	for i := len(s.alerts) - 1; i >= 0; i-- {
		out = append(out, s.alerts[i])
	}
	return truncate(out, limitOrDefault(limit)), nil
}

func (s *InMemoryStore) AddSentimentResult(_ context.Context, r models.SentimentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sentiment = append(s.sentiment, r)
	return nil
}

// SentimentResults returns a copy of the stored sentiment results.
func (s *InMemoryStore) SentimentResults() []models.SentimentResult {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.SentimentResult(nil), s.sentiment...)
}

func (s *InMemoryStore) EnqueueJob(_ context.Context, kind string, runAt time.Time, payloadJSON string, dedupeKey string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if dedupeKey != "" {
		for _, j := range s.jobs {
			if j.DedupeKey == dedupeKey && !jobTerminal(j.Status) {
				return j.ID, nil
			}
		}
	}
	now := time.Now()
	j := Job{
		ID:          util.NewID(util.PrefixJob),
		Kind:        kind,
		RunAt:       runAt,
		PayloadJSON: payloadJSON,
		Status:      JobStatusQueued,
		MaxAttempts: DefaultJobMaxAttempts,
		DedupeKey:   dedupeKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.jobs[j.ID] = j
	return j.ID, nil
}

func jobTerminal(st JobStatus) bool {
	return st == JobStatusDone || st == JobStatusCanceled || st == JobStatusFailed
}

func (s *InMemoryStore) ClaimDueJobs(_ context.Context, now time.Time, limit int) ([]Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []Job
	for _, j := range s.jobs {
		if j.Status == JobStatusQueued && !j.RunAt.After(now) {
			due = append(due, j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	due = truncate(due, limit)
	for i := range due {
		lockedAt := now
		due[i].Status = JobStatusRunning
		due[i].LockedAt = &lockedAt
		due[i].UpdatedAt = now
		s.jobs[due[i].ID] = due[i]
	}
	return due, nil
}

func (s *InMemoryStore) updateJob(id string, fn func(j *Job)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return models.NotFoundError("job", id)
	}
	fn(&j)
	j.UpdatedAt = time.Now()
	s.jobs[id] = j
	return nil
}

func (s *InMemoryStore) CompleteJob(_ context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusDone
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) FailJob(_ context.Context, id string, errMsg string, nextRunAt time.Time) error {
	return s.updateJob(id, func(j *Job) {
		j.Attempt++
		j.LastError = errMsg
		j.LockedAt = nil
		if j.Attempt >= j.MaxAttempts {
			j.Status = JobStatusFailed
			return
		}
		j.Status = JobStatusQueued
		j.RunAt = nextRunAt
	})
}

func (s *InMemoryStore) CancelJob(_ context.Context, id string) error {
	return s.updateJob(id, func(j *Job) {
		j.Status = JobStatusCanceled
		j.LockedAt = nil
	})
}

func (s *InMemoryStore) RequeueStaleRunningJobs(_ context.Context, staleBefore time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, j := range s.jobs {
		if j.Status == JobStatusRunning && j.LockedAt != nil && j.LockedAt.Before(staleBefore) {
			j.Status = JobStatusQueued
			j.LockedAt = nil
			s.jobs[id] = j
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) GetJob(_ context.Context, id string) (*Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, nil
	}
	return &j, nil
}

func truncate[T any](items []T, limit int) []T {
	if limit > 0 && len(items) > limit {
		return items[:limit]
	}
	return items
}
