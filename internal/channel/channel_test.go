package channel

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sesv2"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
	"github.com/camerpulse/pulsepipe/internal/twilio"
	"github.com/camerpulse/pulsepipe/internal/whatsapp"
)

// MockSender records emails for assertions.
type MockSender struct {
	Sent []EmailMessage
	Err  error
}

func (m *MockSender) SendEmail(_ context.Context, msg EmailMessage) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, msg)
	return "ses-msg-1", nil
}

func newUserStore(t *testing.T, users ...models.User) *store.InMemoryStore {
	t.Helper()
	s := store.NewInMemoryStore()
	for _, u := range users {
		if err := s.SaveUser(context.Background(), u); err != nil {
			t.Fatalf("SaveUser failed: %v", err)
		}
	}
	return s
}

func orderFlow() models.Flow {
	return models.Flow{ID: "flw_1", EventType: "order_confirmed", RecipientType: "customer", Channel: models.ChannelEmail, TemplateID: "tpl_1"}
}

func TestRegistryGet(t *testing.T) {
	r := Registry{models.ChannelPush: PushAdapter{}}
	if _, err := r.Get(models.ChannelPush); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if _, err := r.Get(models.ChannelSMS); err == nil {
		t.Error("expected error for unregistered channel")
	}
}

func TestEmailAdapter_RoutesByEventType(t *testing.T) {
	s := newUserStore(t, models.User{ID: "u1", Email: "ada@example.com"})
	sender := &MockSender{}
	a := NewEmailAdapter(s, sender,
		WithEmailRoutes(map[string]string{"order_confirmed": "send-order-confirmation"}),
		WithFromAddress("no-reply@camerpulse.cm"))

	res := a.Send(context.Background(), Request{Flow: orderFlow(), RecipientID: "u1", Subject: "Order 42", Content: "Thanks Ada"})
	if !res.Success || res.ExternalID != "ses-msg-1" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(sender.Sent) != 1 {
		t.Fatalf("expected 1 email, got %d", len(sender.Sent))
	}
	msg := sender.Sent[0]
	if msg.To != "ada@example.com" || msg.Function != "send-order-confirmation" || msg.Subject != "Order 42" || msg.Body != "Thanks Ada" {
		t.Errorf("unexpected email: %+v", msg)
	}
	if msg.Tags["event_type"] != "order_confirmed" {
		t.Errorf("expected event_type tag, got %v", msg.Tags)
	}
}

func TestEmailAdapter_MissingEmailFails(t *testing.T) {
	s := newUserStore(t, models.User{ID: "u1", Phone: "+237600000000"})
	a := NewEmailAdapter(s, &MockSender{}, WithEmailRoutes(map[string]string{"order_confirmed": "f"}))

	res := a.Send(context.Background(), Request{Flow: orderFlow(), RecipientID: "u1"})
	if res.Success || res.Error == "" {
		t.Errorf("expected failure for recipient without email, got %+v", res)
	}
	res = a.Send(context.Background(), Request{Flow: orderFlow(), RecipientID: "unknown"})
	if res.Success {
		t.Error("expected failure for unknown recipient")
	}
}

func TestEmailAdapter_UnmappedEventType(t *testing.T) {
	s := newUserStore(t, models.User{ID: "u1", Email: "ada@example.com"})
	sender := &MockSender{}

	strict := NewEmailAdapter(s, sender)
	res := strict.Send(context.Background(), Request{Flow: orderFlow(), RecipientID: "u1"})
	if res.Success {
		t.Fatal("expected unmapped event type to fail by default")
	}
	if !strings.Contains(res.Error, models.ErrUnsupportedEmailEvent.Error()) {
		t.Errorf("unexpected error message: %q", res.Error)
	}

	lenient := NewEmailAdapter(s, sender, WithAllowUnmapped(true))
	res = lenient.Send(context.Background(), Request{Flow: orderFlow(), RecipientID: "u1"})
	if !res.Success {
		t.Errorf("expected no-op success when unmapped types are allowed, got %+v", res)
	}
	if len(sender.Sent) != 0 {
		t.Error("no email should be sent for unmapped event types")
	}
}

func TestEmailAdapter_SenderTimeout(t *testing.T) {
	s := newUserStore(t, models.User{ID: "u1", Email: "ada@example.com"})
	a := NewEmailAdapter(s, &MockSender{Err: context.DeadlineExceeded}, WithEmailRoutes(map[string]string{"order_confirmed": "f"}))

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	res := a.Send(ctx, Request{Flow: orderFlow(), RecipientID: "u1"})
	if res.Success || !strings.Contains(res.Error, "timed out") {
		t.Errorf("expected timeout failure, got %+v", res)
	}
}

func TestInAppAdapter_StoresNotification(t *testing.T) {
	s := store.NewInMemoryStore()
	a := NewInAppAdapter(s)

	flow := orderFlow()
	flow.Channel = models.ChannelInApp
	res := a.Send(context.Background(), Request{Flow: flow, RecipientID: "u1", Subject: "Hi", Content: "Body", Data: map[string]interface{}{"k": "v"}})
	if !res.Success || res.ExternalID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}

	list, err := s.ListNotifications(context.Background(), "u1", 10)
	if err != nil {
		t.Fatalf("ListNotifications failed: %v", err)
	}
	if len(list) != 1 || list[0].ID != res.ExternalID || list[0].Type != "order_confirmed" || list[0].Message != "Body" {
		t.Errorf("unexpected notifications: %+v", list)
	}
}

type failingNotificationRepo struct{}

func (failingNotificationRepo) AddNotification(context.Context, models.Notification) error {
	return errors.New("insert failed")
}

func (failingNotificationRepo) ListNotifications(context.Context, string, int) ([]models.Notification, error) {
	return nil, nil
}

func TestInAppAdapter_InsertErrorFails(t *testing.T) {
	a := NewInAppAdapter(failingNotificationRepo{})
	res := a.Send(context.Background(), Request{Flow: orderFlow(), RecipientID: "u1"})
	if res.Success {
		t.Error("expected failure when insert fails")
	}
}

func TestPlaceholderAdapters(t *testing.T) {
	s := store.NewInMemoryStore()
	adapters := map[string]Adapter{
		"push":     PushAdapter{},
		"sms":      NewSMSAdapter(s, nil),
		"whatsapp": NewWhatsAppAdapter(s, nil, nil),
	}
	for name, a := range adapters {
		if res := a.Send(context.Background(), Request{Flow: orderFlow(), RecipientID: "nobody"}); !res.Success {
			t.Errorf("%s placeholder should succeed, got %+v", name, res)
		}
	}
}

func TestSMSAdapter_UsesTwilio(t *testing.T) {
	s := newUserStore(t, models.User{ID: "u1", Phone: "+237699001122"})
	tw := twilio.NewMockClient()
	a := NewSMSAdapter(s, tw)

	res := a.Send(context.Background(), Request{Flow: orderFlow(), RecipientID: "u1", Content: "Your code is 1234"})
	if !res.Success || res.ExternalID == "" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(tw.SentMessages) != 1 || tw.SentMessages[0].To != "+237699001122" {
		t.Errorf("unexpected sent messages: %+v", tw.SentMessages)
	}

	res = a.Send(context.Background(), Request{Flow: orderFlow(), RecipientID: "missing"})
	if res.Success {
		t.Error("expected failure without a phone number")
	}
}

func TestWhatsAppAdapter_PrefersDirectClient(t *testing.T) {
	s := newUserStore(t, models.User{ID: "u1", Phone: "+237699001122"})
	direct := whatsapp.NewMockClient()
	tw := twilio.NewMockClient()
	a := NewWhatsAppAdapter(s, direct, tw)

	res := a.Send(context.Background(), Request{Flow: orderFlow(), RecipientID: "u1", Content: "hello"})
	if !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(direct.Sent) != 1 || len(tw.SentMessages) != 0 {
		t.Errorf("expected direct client to be used: direct=%d twilio=%d", len(direct.Sent), len(tw.SentMessages))
	}

	fallback := NewWhatsAppAdapter(s, nil, tw)
	if res := fallback.Send(context.Background(), Request{Flow: orderFlow(), RecipientID: "u1", Content: "hello"}); !res.Success {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(tw.SentMessages) != 1 || tw.SentMessages[0].Channel != "whatsapp" {
		t.Errorf("expected twilio fallback, got %+v", tw.SentMessages)
	}
}

type fakeSES struct {
	input *sesv2.SendEmailInput
}

func (f *fakeSES) SendEmail(_ context.Context, params *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = params
	id := "0100018c-ses"
	return &sesv2.SendEmailOutput{MessageId: &id}, nil
}

func TestSESSender_BuildsSimpleMessage(t *testing.T) {
	api := &fakeSES{}
	s := &SESSender{client: api, from: "CamerPulse <no-reply@camerpulse.cm>"}

	id, err := s.SendEmail(context.Background(), EmailMessage{
		To: "ada@example.com", Subject: "Order 42", Body: "<p>Thanks</p>",
		Tags: map[string]string{"function": "send-order-confirmation", "flow_id": ""},
	})
	if err != nil {
		t.Fatalf("SendEmail failed: %v", err)
	}
	if id != "0100018c-ses" {
		t.Errorf("unexpected message id %q", id)
	}
	in := api.input
	if *in.FromEmailAddress != "CamerPulse <no-reply@camerpulse.cm>" {
		t.Errorf("unexpected from: %q", *in.FromEmailAddress)
	}
	if in.Destination.ToAddresses[0] != "ada@example.com" {
		t.Errorf("unexpected destination: %v", in.Destination.ToAddresses)
	}
	if *in.Content.Simple.Subject.Data != "Order 42" || *in.Content.Simple.Body.Html.Data != "<p>Thanks</p>" {
		t.Error("unexpected content")
	}
	if len(in.EmailTags) != 1 || *in.EmailTags[0].Name != "function" {
		t.Errorf("expected only non-empty tags, got %d", len(in.EmailTags))
	}
}
