package channel

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
	"github.com/camerpulse/pulsepipe/internal/util"
)

// EmailMessage is an outbound email handed to an EmailSender.
type EmailMessage struct {
	To       string
	From     string
	Subject  string
	Body     string
	Function string // outbound email route selected by event type
	Tags     map[string]string
}

// EmailSender delivers a rendered email and returns the provider message id.
type EmailSender interface {
	SendEmail(ctx context.Context, msg EmailMessage) (string, error)
}

// LogSender logs emails instead of delivering them. It is used when no email
// provider is configured.
type LogSender struct{}

// SendEmail logs the message and reports success without a provider id.
func (LogSender) SendEmail(_ context.Context, msg EmailMessage) (string, error) {
	slog.Info("LogSender.SendEmail: email provider not configured, message logged only",
		"to", util.RedactEmail(msg.To), "function", msg.Function, "subject", msg.Subject)
	return "", nil
}

// EmailOpts configures the email adapter.
type EmailOpts struct {
	Routes        map[string]string // event type -> outbound email function
	AllowUnmapped bool
	From          string
}

// EmailOption defines a configuration option for the email adapter.
type EmailOption func(*EmailOpts)

// WithEmailRoutes sets the event type to email function table.
func WithEmailRoutes(routes map[string]string) EmailOption {
	return func(o *EmailOpts) { o.Routes = routes }
}

// WithAllowUnmapped makes unmapped event types a successful no-op instead of a failure.
func WithAllowUnmapped(allow bool) EmailOption {
	return func(o *EmailOpts) { o.AllowUnmapped = allow }
}

// WithFromAddress sets the sender address.
func WithFromAddress(from string) EmailOption {
	return func(o *EmailOpts) { o.From = from }
}

// EmailAdapter resolves the recipient's address and routes the message to the
// outbound email function registered for the event type.
type EmailAdapter struct {
	users  store.IdentityRepo
	sender EmailSender
	cfg    EmailOpts
}

// NewEmailAdapter creates an email adapter. A nil sender logs messages instead of sending them.
func NewEmailAdapter(users store.IdentityRepo, sender EmailSender, opts ...EmailOption) *EmailAdapter {
	var cfg EmailOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if sender == nil {
		sender = LogSender{}
	}
	return &EmailAdapter{users: users, sender: sender, cfg: cfg}
}

// Send implements Adapter.
func (a *EmailAdapter) Send(ctx context.Context, req Request) Result {
	user, err := a.users.GetUser(ctx, req.RecipientID)
	if err != nil {
		slog.Error("EmailAdapter.Send: identity lookup failed", "recipientID", req.RecipientID, "error", err)
		return Failure("identity lookup failed: %v", err)
	}
	if user == nil || user.Email == "" {
		return Failure("recipient email not found")
	}

	function, ok := a.cfg.Routes[req.Flow.EventType]
	if !ok {
		if a.cfg.AllowUnmapped {
			slog.Debug("EmailAdapter.Send: unmapped event type treated as no-op", "eventType", req.Flow.EventType)
			return Success("")
		}
		slog.Warn("EmailAdapter.Send: unmapped event type", "eventType", req.Flow.EventType)
		return Failure("%v", fmt.Errorf("%w: %s", models.ErrUnsupportedEmailEvent, req.Flow.EventType))
	}

	msg := EmailMessage{
		To:       user.Email,
		From:     a.cfg.From,
		Subject:  req.Subject,
		Body:     req.Content,
		Function: function,
		Tags: map[string]string{
			"event_type": req.Flow.EventType,
			"flow_id":    req.Flow.ID,
			"function":   function,
		},
	}
	id, err := a.sender.SendEmail(ctx, msg)
	if err != nil {
		slog.Error("EmailAdapter.Send: send failed", "to", util.RedactEmail(user.Email), "function", function, "error", err)
		return FromError(ctx, err)
	}
	slog.Debug("EmailAdapter.Send: email sent", "to", util.RedactEmail(user.Email), "function", function, "id", id)
	return Success(id)
}
