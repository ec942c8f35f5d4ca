package channel

import (
	"context"
	"log/slog"

	"github.com/camerpulse/pulsepipe/internal/store"
	"github.com/camerpulse/pulsepipe/internal/twilio"
	"github.com/camerpulse/pulsepipe/internal/util"
	"github.com/camerpulse/pulsepipe/internal/whatsapp"
)

// PushAdapter is a placeholder: it reports success without delivering anything.
type PushAdapter struct{}

// Send implements Adapter.
func (PushAdapter) Send(_ context.Context, req Request) Result {
	slog.Debug("PushAdapter.Send: push delivery not configured, reporting success", "recipientID", req.RecipientID)
	return Success("")
}

// SMSSender is the part of the Twilio client used for SMS.
type SMSSender interface {
	SendSMS(ctx context.Context, to string, body string) (string, error)
}

// WhatsAppSender is the part of the Twilio client used for WhatsApp.
type WhatsAppSender interface {
	SendWhatsApp(ctx context.Context, to string, body string) (string, error)
}

// Compile-time checks for the provider clients.
var (
	_ SMSSender       = (*twilio.Client)(nil)
	_ WhatsAppSender  = (*twilio.Client)(nil)
	_ whatsapp.Sender = (*whatsapp.Client)(nil)
)

// SMSAdapter sends the rendered content as an SMS to the recipient's phone.
// Without a sender it behaves as a success placeholder.
type SMSAdapter struct {
	users  store.IdentityRepo
	sender SMSSender
}

// NewSMSAdapter creates an SMS adapter. sender may be nil.
func NewSMSAdapter(users store.IdentityRepo, sender SMSSender) *SMSAdapter {
	return &SMSAdapter{users: users, sender: sender}
}

// Send implements Adapter.
func (a *SMSAdapter) Send(ctx context.Context, req Request) Result {
	if a.sender == nil {
		slog.Debug("SMSAdapter.Send: SMS provider not configured, reporting success", "recipientID", req.RecipientID)
		return Success("")
	}
	phone, res, ok := lookupPhone(ctx, a.users, req.RecipientID)
	if !ok {
		return res
	}
	sid, err := a.sender.SendSMS(ctx, phone, req.Content)
	if err != nil {
		slog.Error("SMSAdapter.Send: send failed", "to", util.RedactPhone(phone), "error", err)
		return FromError(ctx, err)
	}
	return Success(sid)
}

// WhatsAppAdapter sends the rendered content over WhatsApp. The direct whatsmeow
// client is preferred over Twilio when both are configured; with neither it is
// a success placeholder.
type WhatsAppAdapter struct {
	users  store.IdentityRepo
	direct whatsapp.Sender
	twilio WhatsAppSender
}

// NewWhatsAppAdapter creates a WhatsApp adapter. Either sender may be nil.
func NewWhatsAppAdapter(users store.IdentityRepo, direct whatsapp.Sender, tw WhatsAppSender) *WhatsAppAdapter {
	return &WhatsAppAdapter{users: users, direct: direct, twilio: tw}
}

// Send implements Adapter.
func (a *WhatsAppAdapter) Send(ctx context.Context, req Request) Result {
	if a.direct == nil && a.twilio == nil {
		slog.Debug("WhatsAppAdapter.Send: WhatsApp provider not configured, reporting success", "recipientID", req.RecipientID)
		return Success("")
	}
	phone, res, ok := lookupPhone(ctx, a.users, req.RecipientID)
	if !ok {
		return res
	}

	var id string
	var err error
	if a.direct != nil {
		id, err = a.direct.SendMessage(ctx, phone, req.Content)
	} else {
		id, err = a.twilio.SendWhatsApp(ctx, phone, req.Content)
	}
	if err != nil {
		slog.Error("WhatsAppAdapter.Send: send failed", "to", util.RedactPhone(phone), "error", err)
		return FromError(ctx, err)
	}
	return Success(id)
}

func lookupPhone(ctx context.Context, users store.IdentityRepo, recipientID string) (string, Result, bool) {
	user, err := users.GetUser(ctx, recipientID)
	if err != nil {
		slog.Error("channel.lookupPhone: identity lookup failed", "recipientID", recipientID, "error", err)
		return "", Failure("identity lookup failed: %v", err), false
	}
	if user == nil || user.Phone == "" {
		return "", Failure("recipient phone not found"), false
	}
	return user.Phone, Result{}, true
}
