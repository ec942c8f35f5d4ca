package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/camerpulse/pulsepipe/internal/channel"
	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
)

type recordingAdapter struct {
	calls  []channel.Request
	result channel.Result
}

func (a *recordingAdapter) Send(_ context.Context, req channel.Request) channel.Result {
	a.calls = append(a.calls, req)
	return a.result
}

var fixedNow = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func seedOrderFlows(t *testing.T, s *store.InMemoryStore) {
	t.Helper()
	ctx := context.Background()
	if err := s.SaveTemplate(ctx, models.Template{ID: "tpl_order", Subject: "Order {{ order_id }}", Content: "Hi {{name}}, total {{ total }} {{ missing }}"}); err != nil {
		t.Fatalf("SaveTemplate failed: %v", err)
	}
	flows := []models.Flow{
		{ID: "flw_email", EventType: "order_confirmed", RecipientType: "customer", Channel: models.ChannelEmail, TemplateID: "tpl_order", Priority: 10, IsActive: true},
		{ID: "flw_sms", EventType: "order_confirmed", RecipientType: "customer", Channel: models.ChannelSMS, TemplateID: "tpl_order", Priority: 5, IsActive: true},
	}
	for _, f := range flows {
		if err := s.SaveFlow(ctx, f); err != nil {
			t.Fatalf("SaveFlow failed: %v", err)
		}
	}
}

func orderEvent() models.Event {
	return models.Event{
		EventType:     "order_confirmed",
		RecipientID:   "u1",
		RecipientType: "customer",
		Data:          map[string]interface{}{"order_id": "A-42", "name": "Ada", "total": float64(15000)},
	}
}

func TestRender(t *testing.T) {
	data := map[string]interface{}{"name": "Ada", "count": float64(3), "ok": true, "tags": []string{"a"}}
	got := Render("{{ name }}/{{name}}/{{ count }}/{{ ok }}/{{ tags }}/{{ other }}", data)
	want := `Ada/Ada/3/true/["a"]/{{ other }}`
	if got != want {
		t.Errorf("Render() = %q, want %q", got, want)
	}
	spaced := map[string]interface{}{"first name": "Ada", "prénom": "Léa", "a+b": "x"}
	if got := Render("{{ first name }}|{{ prénom }}|{{a+b}}|{{ }}", spaced); got != "Ada|Léa|x|{{ }}" {
		t.Errorf("keys with spaces or symbols should render, got %q", got)
	}
	if Render("plain", nil) != "plain" {
		t.Error("text without data should be unchanged")
	}
}

func TestDispatch_SkipsDisabledChannel(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedOrderFlows(t, s)
	if err := s.UpsertPreference(ctx, models.Preference{UserID: "u1", EventType: "order_confirmed", Channel: models.ChannelSMS, IsEnabled: false}); err != nil {
		t.Fatalf("UpsertPreference failed: %v", err)
	}

	email := &recordingAdapter{result: channel.Success("msg-1")}
	sms := &recordingAdapter{result: channel.Success("sms-1")}
	d := NewDispatcher(s, channel.Registry{models.ChannelEmail: email, models.ChannelSMS: sms}, WithClock(clock))

	n, err := d.Dispatch(ctx, orderEvent())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected 1 flow processed, got %d", n)
	}
	if len(sms.calls) != 0 {
		t.Error("sms adapter must not be called when disabled")
	}
	if len(email.calls) != 1 {
		t.Fatalf("expected 1 email call, got %d", len(email.calls))
	}
	req := email.calls[0]
	if req.Subject != "Order A-42" || req.Content != "Hi Ada, total 15000 {{ missing }}" {
		t.Errorf("unexpected rendering: subject=%q content=%q", req.Subject, req.Content)
	}

	logs, err := s.ListDeliveryLogs(ctx, "u1", 10)
	if err != nil {
		t.Fatalf("ListDeliveryLogs failed: %v", err)
	}
	if len(logs) != 1 {
		t.Fatalf("expected 1 delivery log, got %d", len(logs))
	}
	log := logs[0]
	if log.Status != models.DeliveryStatusDelivered || log.Channel != models.ChannelEmail || log.ExternalID != "msg-1" {
		t.Errorf("unexpected log: %+v", log)
	}
	if log.SentAt == nil || log.DeliveredAt == nil {
		t.Error("sent_at and delivered_at should be set on success")
	}

	metrics := s.MetricRecords()
	if len(metrics) != 1 {
		t.Fatalf("expected 1 metric record, got %d", len(metrics))
	}
	if metrics[0].EventType != models.MetricEventNotificationSent || metrics[0].LogID != log.ID ||
		metrics[0].Metadata["channel"] != "email" || metrics[0].Metadata["template_id"] != "tpl_order" {
		t.Errorf("unexpected metric: %+v", metrics[0])
	}
}

func TestDispatch_AdapterFailureIsRecorded(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedOrderFlows(t, s)

	email := &recordingAdapter{result: channel.Failure("mailbox full")}
	sms := &recordingAdapter{result: channel.Success("")}
	d := NewDispatcher(s, channel.Registry{models.ChannelEmail: email, models.ChannelSMS: sms}, WithClock(clock))

	n, err := d.Dispatch(ctx, orderEvent())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if n != 2 {
		t.Errorf("failed and delivered sends both count, got %d", n)
	}

	logs, _ := s.ListDeliveryLogs(ctx, "u1", 10)
	var failed int
	for _, l := range logs {
		if l.Status == models.DeliveryStatusFailed {
			failed++
			if l.ErrorMessage != "mailbox full" || l.DeliveredAt != nil || l.SentAt == nil {
				t.Errorf("unexpected failed log: %+v", l)
			}
		}
	}
	if failed != 1 {
		t.Errorf("expected 1 failed log, got %d", failed)
	}
	if len(s.MetricRecords()) != 1 {
		t.Errorf("only the successful send should write a metric, got %d", len(s.MetricRecords()))
	}
}

type blockingAdapter struct{}

func (blockingAdapter) Send(ctx context.Context, _ channel.Request) channel.Result {
	<-ctx.Done()
	return channel.FromError(ctx, ctx.Err())
}

func TestDispatch_AdapterTimeout(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedOrderFlows(t, s)

	d := NewDispatcher(s, channel.Registry{models.ChannelEmail: blockingAdapter{}, models.ChannelSMS: blockingAdapter{}},
		WithAdapterTimeout(10*time.Millisecond))

	n, err := d.Dispatch(ctx, orderEvent())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if n != 2 {
		t.Errorf("expected 2 processed flows, got %d", n)
	}
	logs, _ := s.ListDeliveryLogs(ctx, "u1", 10)
	for _, l := range logs {
		if l.Status != models.DeliveryStatusFailed || !strings.Contains(l.ErrorMessage, "timed out") {
			t.Errorf("expected timed out failure, got %+v", l)
		}
	}
}

func TestDispatch_MissingTemplateAndAdapter(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	if err := s.SaveFlow(ctx, models.Flow{ID: "flw_push", EventType: "order_confirmed", RecipientType: "customer", Channel: models.ChannelPush, TemplateID: "tpl_none", IsActive: true}); err != nil {
		t.Fatalf("SaveFlow failed: %v", err)
	}

	d := NewDispatcher(s, channel.Registry{}, WithClock(clock))
	n, err := d.Dispatch(ctx, orderEvent())
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if n != 1 {
		t.Errorf("expected 1 processed flow, got %d", n)
	}
	logs, _ := s.ListDeliveryLogs(ctx, "u1", 10)
	if len(logs) != 1 || logs[0].Status != models.DeliveryStatusFailed || !strings.Contains(logs[0].ErrorMessage, "not found") {
		t.Errorf("unexpected logs: %+v", logs)
	}
}

func TestDispatch_NoFlows(t *testing.T) {
	d := NewDispatcher(store.NewInMemoryStore(), channel.Registry{})
	n, err := d.Dispatch(context.Background(), orderEvent())
	if err != nil || n != 0 {
		t.Errorf("expected (0, nil), got (%d, %v)", n, err)
	}
}

func TestDispatch_InvalidEvent(t *testing.T) {
	d := NewDispatcher(store.NewInMemoryStore(), channel.Registry{})
	_, err := d.Dispatch(context.Background(), models.Event{EventType: "order_confirmed"})
	if !errors.Is(err, models.ErrValidation) {
		t.Errorf("expected validation error, got %v", err)
	}
}

type failingFlowRepo struct {
	*store.InMemoryStore
}

func (failingFlowRepo) ListActiveFlows(context.Context, string, string) ([]models.Flow, error) {
	return nil, errors.New("connection refused")
}

func TestDispatch_FlowLookupErrorPropagates(t *testing.T) {
	d := NewDispatcher(failingFlowRepo{store.NewInMemoryStore()}, channel.Registry{})
	if _, err := d.Dispatch(context.Background(), orderEvent()); err == nil {
		t.Error("expected flow lookup error to be returned")
	}
}

func TestDispatch_DelayedDelivery(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	seedOrderFlows(t, s)

	email := &recordingAdapter{result: channel.Success("msg-1")}
	sms := &recordingAdapter{result: channel.Success("sms-1")}
	d := NewDispatcher(s, channel.Registry{models.ChannelEmail: email, models.ChannelSMS: sms}, WithClock(clock))

	ev := orderEvent()
	ev.DelayMinutes = 15
	n, err := d.Dispatch(ctx, ev)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if n != 0 {
		t.Errorf("delayed sends are not counted, got %d", n)
	}
	if len(email.calls)+len(sms.calls) != 0 {
		t.Fatal("no adapter should be called before the delay elapses")
	}

	logs, _ := s.ListDeliveryLogs(ctx, "u1", 10)
	if len(logs) != 2 {
		t.Fatalf("expected 2 pending logs, got %d", len(logs))
	}
	for _, l := range logs {
		if l.Status != models.DeliveryStatusPending || l.TemplateData["order_id"] != "A-42" {
			t.Errorf("unexpected pending log: %+v", l)
		}
	}

	if jobs, _ := s.ClaimDueJobs(ctx, fixedNow.Add(14*time.Minute), 10); len(jobs) != 0 {
		t.Fatalf("jobs should not be due before the delay, got %d", len(jobs))
	}
	jobs, err := s.ClaimDueJobs(ctx, fixedNow.Add(15*time.Minute), 10)
	if err != nil {
		t.Fatalf("ClaimDueJobs failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Fatalf("expected 2 due jobs, got %d", len(jobs))
	}

	// The recipient opts out of SMS while the sends are parked.
	if err := s.UpsertPreference(ctx, models.Preference{UserID: "u1", EventType: "order_confirmed", Channel: models.ChannelSMS, IsEnabled: false}); err != nil {
		t.Fatalf("UpsertPreference failed: %v", err)
	}
	for _, j := range jobs {
		if j.Kind != store.JobKindDeliverNotification {
			t.Errorf("unexpected job kind %q", j.Kind)
		}
		if err := d.HandleDeliverNotification(ctx, j.PayloadJSON); err != nil {
			t.Fatalf("HandleDeliverNotification failed: %v", err)
		}
	}

	if len(email.calls) != 1 || len(sms.calls) != 0 {
		t.Errorf("expected only email to be sent: email=%d sms=%d", len(email.calls), len(sms.calls))
	}
	logs, _ = s.ListDeliveryLogs(ctx, "u1", 10)
	for _, l := range logs {
		switch l.Channel {
		case models.ChannelEmail:
			if l.Status != models.DeliveryStatusDelivered {
				t.Errorf("email log should be delivered, got %s", l.Status)
			}
		case models.ChannelSMS:
			if l.Status != models.DeliveryStatusFailed || l.ErrorMessage != "disabled by preference" {
				t.Errorf("sms log should fail by preference, got %+v", l)
			}
		}
	}

	// Replaying a job for a completed log is a no-op.
	if err := d.HandleDeliverNotification(ctx, jobs[0].PayloadJSON); err != nil {
		t.Fatalf("replay failed: %v", err)
	}
	if len(email.calls) != 1 {
		t.Errorf("replay must not send again, email calls=%d", len(email.calls))
	}
}

func TestHandleDeliverNotification_BadPayload(t *testing.T) {
	d := NewDispatcher(store.NewInMemoryStore(), channel.Registry{})
	if err := d.HandleDeliverNotification(context.Background(), "not json"); !store.IsPermanent(err) {
		t.Error("expected a permanent error for invalid payload")
	}
	if err := d.HandleDeliverNotification(context.Background(), `{"log_id":"dlv_missing"}`); err != nil {
		t.Errorf("missing log should be skipped, got %v", err)
	}
}
