// Package store provides storage backends for PulsePipe.
//
// It defines the repository interfaces consumed by the dispatcher, the workflow engine and
// the stream classifier, and implements them in memory (tests), on SQLite (default
// deployment) and on PostgreSQL.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/camerpulse/pulsepipe/internal/models"
)

// FlowRepo is the flow registry and template storage.
type FlowRepo interface {
	SaveFlow(ctx context.Context, flow models.Flow) error
	GetFlow(ctx context.Context, id string) (*models.Flow, error)
	// ListActiveFlows returns active flows for the pair ordered by priority descending.
	ListActiveFlows(ctx context.Context, eventType, recipientType string) ([]models.Flow, error)
	SaveTemplate(ctx context.Context, tmpl models.Template) error
	GetTemplate(ctx context.Context, id string) (*models.Template, error)
}

// PreferenceRepo stores per-user channel opt-in settings.
type PreferenceRepo interface {
	// UpsertPreference inserts or replaces the row for (user, event type, channel).
	UpsertPreference(ctx context.Context, pref models.Preference) error
	// ListPreferences returns the user's preferences; an empty eventType returns all of them.
	ListPreferences(ctx context.Context, userID, eventType string) ([]models.Preference, error)
}

// DeliveryRepo stores delivery logs and delivery metrics.
type DeliveryRepo interface {
	CreateDeliveryLog(ctx context.Context, log models.DeliveryLog) error
	// CompleteDeliveryLog applies outcome only if the log is still pending.
	// It reports whether the row was updated.
	CompleteDeliveryLog(ctx context.Context, id string, outcome models.DeliveryOutcome) (bool, error)
	GetDeliveryLog(ctx context.Context, id string) (*models.DeliveryLog, error)
	ListDeliveryLogs(ctx context.Context, recipientID string, limit int) ([]models.DeliveryLog, error)
	AddMetricRecord(ctx context.Context, rec models.MetricRecord) error
}

// IdentityRepo resolves contact details for recipients.
type IdentityRepo interface {
	SaveUser(ctx context.Context, user models.User) error
	GetUser(ctx context.Context, id string) (*models.User, error)
}

// NotificationRepo stores in-app notifications.
type NotificationRepo interface {
	AddNotification(ctx context.Context, n models.Notification) error
	ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error)
}

// WorkflowRepo stores workflows, executions and escalation history.
type WorkflowRepo interface {
	SaveWorkflow(ctx context.Context, wf models.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*models.Workflow, error)
	// ListActiveEventWorkflows returns active event-triggered workflows ordered by priority ascending.
	ListActiveEventWorkflows(ctx context.Context) ([]models.Workflow, error)

	CreateExecution(ctx context.Context, exec models.WorkflowExecution) error
	GetExecution(ctx context.Context, id string) (*models.WorkflowExecution, error)
	// CompleteExecution moves a running execution to completed and arms its first escalation deadline.
	CompleteExecution(ctx context.Context, id string, nextEscalationAt *time.Time, now time.Time) error
	// ListDueExecutions returns completed or escalated executions whose deadline is at or before now.
	ListDueExecutions(ctx context.Context, now time.Time, limit int) ([]models.WorkflowExecution, error)
	// ApplyEscalation atomically advances an execution by one level and appends the history
	// entry. It reports false without changes when another writer already moved the execution.
	ApplyEscalation(ctx context.Context, step models.EscalationStep) (bool, error)
	// ResolveExecution resolves the latest unresolved history entry (if any) and marks the
	// execution resolved. It reports whether a history entry was updated.
	ResolveExecution(ctx context.Context, executionID string, res models.Resolution, now time.Time) (bool, error)
	ListEscalationHistory(ctx context.Context, executionID string) ([]models.EscalationHistoryEntry, error)
}

// StreamRepo stores stream configurations and everything the classifier produces.
type StreamRepo interface {
	SaveStreamConfig(ctx context.Context, cfg models.StreamConfig) error
	GetStreamConfig(ctx context.Context, id string) (*models.StreamConfig, error)
	// UpdateStreamStats sets the rate and last event time and adds errorDelta to error_count.
	UpdateStreamStats(ctx context.Context, id string, eventsPerMinute float64, lastEventAt time.Time, errorDelta int) error

	InsertAnalyticsEvent(ctx context.Context, ev models.AnalyticsEvent) error
	MarkAnalyticsEventsProcessed(ctx context.Context, ids []string) error
	GetAnalyticsEvent(ctx context.Context, id string) (*models.AnalyticsEvent, error)

	// RecordTrendingMention increments the topic created within window before now,
	// or creates it with a count of one.
	RecordTrendingMention(ctx context.Context, topic, category string, now time.Time, window time.Duration) (*models.TrendingTopic, error)
	ListTrendingTopics(ctx context.Context, since time.Time, limit int) ([]models.TrendingTopic, error)

	AddAlert(ctx context.Context, alert models.Alert) error
	ListAlerts(ctx context.Context, limit int) ([]models.Alert, error)

	AddSentimentResult(ctx context.Context, res models.SentimentResult) error
}

// Store is the full persistence API of PulsePipe.
type Store interface {
	FlowRepo
	PreferenceRepo
	DeliveryRepo
	IdentityRepo
	NotificationRepo
	WorkflowRepo
	StreamRepo
	JobRepo
	Close() error
}

// Opts holds configuration options for the SQL stores.
type Opts struct {
	DSN string
}

// Option defines a configuration option for the store.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.DSN = dsn }
}

// DetectDSNType reports "postgres" for PostgreSQL connection strings and "sqlite3" otherwise.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") ||
		strings.Contains(dsn, "host=") || strings.Contains(dsn, "dbname=") {
		return "postgres"
	}
	return "sqlite3"
}

// Open creates the store matching the DSN: PostgreSQL for postgres DSNs, SQLite otherwise,
// and an in-memory store when the DSN is empty.
func Open(dsn string) (Store, error) {
	if dsn == "" {
		slog.Warn("No database DSN provided, using in-memory store (data is lost on exit)")
		return NewInMemoryStore(), nil
	}
	switch DetectDSNType(dsn) {
	case "postgres":
		s, err := NewPostgresStore(WithPostgresDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return s, nil
	default:
		s, err := NewSQLiteStore(WithSQLiteDSN(dsn))
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite store: %w", err)
		}
		return s, nil
	}
}
