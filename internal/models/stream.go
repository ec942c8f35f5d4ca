package models

import (
	"encoding/json"
	"time"
)

// StreamType selects the handler applied to each ingested event.
type StreamType string

const (
	StreamTypeSocialMedia StreamType = "social_media"
	StreamTypeNews        StreamType = "news"
	StreamTypeGovernment  StreamType = "government"
	StreamTypeEconomic    StreamType = "economic"
)

// IsValidStreamType checks if the given stream type is supported.
func IsValidStreamType(t StreamType) bool {
	switch t {
	case StreamTypeSocialMedia, StreamTypeNews, StreamTypeGovernment, StreamTypeEconomic:
		return true
	default:
		return false
	}
}

// StreamStatus is the operational state of a stream.
type StreamStatus string

const (
	StreamStatusActive StreamStatus = "active"
	StreamStatusPaused StreamStatus = "paused"
)

// StreamConfig describes an external event stream. The counters are
// eventually consistent: concurrent ingests are last-write-wins.
type StreamConfig struct {
	ID              string       `json:"id"`
	StreamName      string       `json:"stream_name"`
	StreamType      StreamType   `json:"stream_type"`
	Status          StreamStatus `json:"status"`
	EventsPerMinute float64      `json:"events_per_minute"`
	LastEventAt     *time.Time   `json:"last_event_at,omitempty"`
	ErrorCount      int          `json:"error_count"`
	CreatedAt       time.Time    `json:"created_at"`
}

// Validate checks a stream configuration before it is saved.
func (c *StreamConfig) Validate() error {
	if c.StreamName == "" {
		return ValidationError("stream_name is required")
	}
	if !IsValidStreamType(c.StreamType) {
		return ValidationError("invalid stream_type %q", c.StreamType)
	}
	switch c.Status {
	case StreamStatusActive, StreamStatusPaused:
	default:
		return ValidationError("invalid status %q", c.Status)
	}
	return nil
}

// StreamEvent is one raw event submitted to a stream.
type StreamEvent struct {
	Type      string                 `json:"type"`
	Data      map[string]interface{} `json:"data"`
	Timestamp *time.Time             `json:"timestamp,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
	Region    string                 `json:"region,omitempty"`
}

// IngestRequest is the body accepted by the stream ingest endpoint.
// Events is kept raw so that one malformed event does not reject the batch.
type IngestRequest struct {
	StreamID  string          `json:"stream_id"`
	Events    json.RawMessage `json:"events"`
	BatchSize int             `json:"batch_size,omitempty"`
}

// IngestResult summarises one ingest call.
type IngestResult struct {
	TotalEvents     int      `json:"total_events"`
	ProcessedEvents int      `json:"processed_events"`
	Errors          int      `json:"errors"`
	ErrorDetails    []string `json:"error_details"`
}

// IngestResponse is the body returned by the stream ingest endpoint.
type IngestResponse struct {
	Success  bool   `json:"success"`
	StreamID string `json:"stream_id"`
	IngestResult
}

// AnalyticsEvent is a raw ingested event.
type AnalyticsEvent struct {
	ID          string                 `json:"id"`
	EventType   string                 `json:"event_type"`
	EventSource string                 `json:"event_source"`
	EventData   map[string]interface{} `json:"event_data"`
	UserID      string                 `json:"user_id,omitempty"`
	SessionID   string                 `json:"session_id,omitempty"`
	Region      string                 `json:"region,omitempty"`
	Processed   bool                   `json:"processed"`
	CreatedAt   time.Time              `json:"created_at"`
}

// TrendingTopic counts mentions of a hashtag within a rolling window.
type TrendingTopic struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Category     string    `json:"category,omitempty"`
	MentionCount int       `json:"mention_count"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AlertSeverity grades an alert.
type AlertSeverity string

const (
	SeverityInfo     AlertSeverity = "info"
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is raised by the government and economic stream handlers.
type Alert struct {
	ID        string                 `json:"id"`
	StreamID  string                 `json:"stream_id"`
	AlertType string                 `json:"alert_type"`
	Severity  AlertSeverity          `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	CreatedAt time.Time              `json:"created_at"`
}

// SentimentRequest asks for asynchronous sentiment scoring of a text.
type SentimentRequest struct {
	Text             string `json:"text"`
	Source           string `json:"source"`
	StreamID         string `json:"stream_id,omitempty"`
	AnalyticsEventID string `json:"analytics_event_id,omitempty"`
}

// SentimentResult is the stored outcome of a sentiment scoring job.
type SentimentResult struct {
	ID               string    `json:"id"`
	AnalyticsEventID string    `json:"analytics_event_id,omitempty"`
	StreamID         string    `json:"stream_id,omitempty"`
	Source           string    `json:"source"`
	Text             string    `json:"text"`
	Label            string    `json:"label"`
	Score            float64   `json:"score"`
	CreatedAt        time.Time `json:"created_at"`
}
