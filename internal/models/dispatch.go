package models

import (
	"time"
)

// Channel is a delivery medium.
type Channel string

const (
	ChannelEmail    Channel = "email"
	ChannelInApp    Channel = "in_app"
	ChannelPush     Channel = "push"
	ChannelSMS      Channel = "sms"
	ChannelWhatsApp Channel = "whatsapp"
)

// IsValidChannel checks if the given channel is supported.
func IsValidChannel(c Channel) bool {
	switch c {
	case ChannelEmail, ChannelInApp, ChannelPush, ChannelSMS, ChannelWhatsApp:
		return true
	default:
		return false
	}
}

// Event is a transient notification trigger. It is not persisted beyond delivery logs.
type Event struct {
	EventType     string                 `json:"event_type"`
	RecipientID   string                 `json:"recipient_id"`
	RecipientType string                 `json:"recipient_type"`
	Data          map[string]interface{} `json:"data,omitempty"`
	DelayMinutes  int                    `json:"delay_minutes,omitempty"`
}

// Validate checks the fields required by the dispatcher.
func (e *Event) Validate() error {
	if e.EventType == "" {
		return ValidationError("event_type is required")
	}
	if e.RecipientID == "" {
		return ValidationError("recipient_id is required")
	}
	if e.RecipientType == "" {
		return ValidationError("recipient_type is required")
	}
	if e.DelayMinutes < 0 {
		return ValidationError("delay_minutes cannot be negative")
	}
	return nil
}

// Flow binds an (event type, recipient type) pair to a channel and template.
// Flows are ordered by Priority descending.
type Flow struct {
	ID            string    `json:"id"`
	EventType     string    `json:"event_type"`
	RecipientType string    `json:"recipient_type"`
	Channel       Channel   `json:"channel"`
	TemplateID    string    `json:"template_id"`
	Priority      int       `json:"priority"`
	IsActive      bool      `json:"is_active"`
	CreatedAt     time.Time `json:"created_at"`
}

// Validate checks a flow before it is saved.
func (f *Flow) Validate() error {
	if f.EventType == "" || f.RecipientType == "" {
		return ValidationError("event_type and recipient_type are required")
	}
	if !IsValidChannel(f.Channel) {
		return ValidationError("invalid channel %q", f.Channel)
	}
	if f.TemplateID == "" {
		return ValidationError("template_id is required")
	}
	return nil
}

// Template holds a subject and content with {{ var }} placeholders.
type Template struct {
	ID      string `json:"id"`
	Subject string `json:"subject"`
	Content string `json:"content"`
}

// Preference is a per-user, per-event-type, per-channel opt-in flag.
// A missing preference means enabled.
type Preference struct {
	UserID    string    `json:"user_id"`
	EventType string    `json:"event_type"`
	Channel   Channel   `json:"channel"`
	IsEnabled bool      `json:"is_enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Validate checks a preference before it is stored.
func (p *Preference) Validate() error {
	if p.UserID == "" || p.EventType == "" {
		return ValidationError("user_id and event_type are required")
	}
	if !IsValidChannel(p.Channel) {
		return ValidationError("invalid channel %q", p.Channel)
	}
	return nil
}

// DeliveryStatus is the lifecycle state of a delivery log row.
type DeliveryStatus string

const (
	DeliveryStatusPending   DeliveryStatus = "pending"
	DeliveryStatusSent      DeliveryStatus = "sent"
	DeliveryStatusDelivered DeliveryStatus = "delivered"
	DeliveryStatusFailed    DeliveryStatus = "failed"
)

// DeliveryLog records one (flow, event) delivery attempt.
// Status only moves from pending to sent, delivered or failed.
type DeliveryLog struct {
	ID           string                 `json:"id"`
	FlowID       string                 `json:"flow_id"`
	RecipientID  string                 `json:"recipient_id"`
	EventType    string                 `json:"event_type"`
	Channel      Channel                `json:"channel"`
	Status       DeliveryStatus         `json:"status"`
	SentAt       *time.Time             `json:"sent_at,omitempty"`
	DeliveredAt  *time.Time             `json:"delivered_at,omitempty"`
	ErrorMessage string                 `json:"error_message,omitempty"`
	ExternalID   string                 `json:"external_id,omitempty"`
	TemplateData map[string]interface{} `json:"template_data,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
	UpdatedAt    time.Time              `json:"updated_at"`
}

// DeliveryOutcome is the terminal update applied to a pending delivery log.
type DeliveryOutcome struct {
	Status       DeliveryStatus
	SentAt       time.Time
	DeliveredAt  *time.Time
	ErrorMessage string
	ExternalID   string
}

// MetricRecord is written for every successful delivery.
type MetricRecord struct {
	ID        string            `json:"id"`
	LogID     string            `json:"log_id"`
	EventType string            `json:"event_type"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// MetricEventNotificationSent is the metric event type for a successful delivery.
const MetricEventNotificationSent = "notification_sent"

// Notification is a user-facing in-app notification record.
type Notification struct {
	ID        string                 `json:"id"`
	UserID    string                 `json:"user_id"`
	Type      string                 `json:"type"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data,omitempty"`
	IsRead    bool                   `json:"is_read"`
	CreatedAt time.Time              `json:"created_at"`
}

// DispatchResponse is the body returned by the notification dispatch endpoint.
type DispatchResponse struct {
	Success        bool   `json:"success"`
	FlowsProcessed int    `json:"flows_processed"`
	Message        string `json:"message"`
}
