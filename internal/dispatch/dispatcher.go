// Package dispatch turns events into per-channel notifications.
//
// A Dispatcher resolves the active flows for an event, drops channels the recipient
// has disabled, renders the flow template and hands the result to the channel adapter,
// recording one delivery log per attempt. Delayed sends are parked as pending logs
// and executed later by the durable job runner.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/camerpulse/pulsepipe/internal/channel"
	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
	"github.com/camerpulse/pulsepipe/internal/util"
)

// DefaultAdapterTimeout bounds a single channel adapter call.
const DefaultAdapterTimeout = 30 * time.Second

// Repo is the persistence used by the dispatcher.
type Repo interface {
	store.FlowRepo
	store.PreferenceRepo
	store.DeliveryRepo
	store.JobRepo
}

// Opts holds configuration options for the Dispatcher.
type Opts struct {
	AdapterTimeout time.Duration
	Now            func() time.Time
}

// Option defines a configuration option for the Dispatcher.
type Option func(*Opts)

// WithAdapterTimeout sets the per-adapter call timeout.
func WithAdapterTimeout(d time.Duration) Option {
	return func(o *Opts) { o.AdapterTimeout = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Dispatcher delivers events through the configured channel adapters.
type Dispatcher struct {
	repo     Repo
	adapters channel.Registry
	timeout  time.Duration
	now      func() time.Time
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(repo Repo, adapters channel.Registry, opts ...Option) *Dispatcher {
	cfg := Opts{AdapterTimeout: DefaultAdapterTimeout, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.AdapterTimeout <= 0 {
		cfg.AdapterTimeout = DefaultAdapterTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Dispatcher{repo: repo, adapters: adapters, timeout: cfg.AdapterTimeout, now: cfg.Now}
}

// Dispatch delivers ev on every matching flow and returns the number of flows that
// reached a terminal immediate send. Failures of individual flows are logged and do
// not stop the remaining flows; failures to load flows or preferences abort the call.
func (d *Dispatcher) Dispatch(ctx context.Context, ev models.Event) (int, error) {
	if err := ev.Validate(); err != nil {
		slog.Warn("Dispatcher.Dispatch: invalid event", "error", err)
		return 0, err
	}

	flows, err := d.repo.ListActiveFlows(ctx, ev.EventType, ev.RecipientType)
	if err != nil {
		slog.Error("Dispatcher.Dispatch: failed to load flows", "eventType", ev.EventType, "error", err)
		return 0, fmt.Errorf("failed to load flows: %w", err)
	}
	if len(flows) == 0 {
		slog.Debug("Dispatcher.Dispatch: no active flows", "eventType", ev.EventType, "recipientType", ev.RecipientType)
		return 0, nil
	}

	disabled, err := d.disabledChannels(ctx, ev.RecipientID, ev.EventType)
	if err != nil {
		slog.Error("Dispatcher.Dispatch: failed to load preferences", "recipientID", ev.RecipientID, "error", err)
		return 0, fmt.Errorf("failed to load preferences: %w", err)
	}

	processed := 0
	for _, flow := range flows {
		if disabled[flow.Channel] {
			slog.Debug("Dispatcher.Dispatch: channel disabled by preference", "flowID", flow.ID, "channel", flow.Channel)
			continue
		}

		if ev.DelayMinutes > 0 {
			if err := d.schedule(ctx, flow, ev); err != nil {
				slog.Error("Dispatcher.Dispatch: failed to schedule delayed delivery", "flowID", flow.ID, "error", err)
			}
			continue
		}

		log := d.newLog(flow, ev)
		if err := d.repo.CreateDeliveryLog(ctx, log); err != nil {
			slog.Error("Dispatcher.Dispatch: failed to create delivery log", "flowID", flow.ID, "error", err)
			continue
		}
		done, err := d.deliver(ctx, flow, log)
		if err != nil {
			slog.Error("Dispatcher.Dispatch: flow delivery failed", "flowID", flow.ID, "logID", log.ID, "error", err)
			continue
		}
		if done {
			processed++
		}
	}

	slog.Info("Dispatcher.Dispatch: event dispatched", "eventType", ev.EventType, "recipientID", ev.RecipientID,
		"flows", len(flows), "processed", processed, "delayMinutes", ev.DelayMinutes)
	return processed, nil
}

// disabledChannels returns the channels the recipient explicitly turned off for eventType.
// Channels without a preference row are enabled.
func (d *Dispatcher) disabledChannels(ctx context.Context, recipientID, eventType string) (map[models.Channel]bool, error) {
	prefs, err := d.repo.ListPreferences(ctx, recipientID, eventType)
	if err != nil {
		return nil, err
	}
	disabled := make(map[models.Channel]bool, len(prefs))
	for _, p := range prefs {
		if !p.IsEnabled {
			disabled[p.Channel] = true
		}
	}
	return disabled, nil
}

func (d *Dispatcher) newLog(flow models.Flow, ev models.Event) models.DeliveryLog {
	now := d.now().UTC()
	return models.DeliveryLog{
		ID:           util.NewID(util.PrefixDeliveryLog),
		FlowID:       flow.ID,
		RecipientID:  ev.RecipientID,
		EventType:    ev.EventType,
		Channel:      flow.Channel,
		Status:       models.DeliveryStatusPending,
		TemplateData: ev.Data,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// schedule parks a pending log and enqueues the job that will deliver it.
func (d *Dispatcher) schedule(ctx context.Context, flow models.Flow, ev models.Event) error {
	log := d.newLog(flow, ev)
	if err := d.repo.CreateDeliveryLog(ctx, log); err != nil {
		return fmt.Errorf("failed to create pending delivery log: %w", err)
	}
	payload, err := json.Marshal(DeliveryPayload{LogID: log.ID})
	if err != nil {
		return fmt.Errorf("failed to encode delivery payload: %w", err)
	}
	runAt := log.CreatedAt.Add(time.Duration(ev.DelayMinutes) * time.Minute)
	jobID, err := d.repo.EnqueueJob(ctx, store.JobKindDeliverNotification, runAt, string(payload), log.ID)
	if err != nil {
		return fmt.Errorf("failed to enqueue delayed delivery: %w", err)
	}
	slog.Debug("Dispatcher.schedule: delayed delivery scheduled", "logID", log.ID, "jobID", jobID, "runAt", runAt)
	return nil
}

// deliver renders and sends one pending log and records the outcome. It reports
// false when the log was no longer pending.
func (d *Dispatcher) deliver(ctx context.Context, flow models.Flow, log models.DeliveryLog) (bool, error) {
	res := d.send(ctx, flow, log)

	sentAt := d.now().UTC()
	outcome := models.DeliveryOutcome{Status: models.DeliveryStatusFailed, SentAt: sentAt, ErrorMessage: res.Error}
	if res.Success {
		outcome = models.DeliveryOutcome{Status: models.DeliveryStatusDelivered, SentAt: sentAt, DeliveredAt: &sentAt, ExternalID: res.ExternalID}
	}
	updated, err := d.repo.CompleteDeliveryLog(ctx, log.ID, outcome)
	if err != nil {
		return false, fmt.Errorf("failed to update delivery log: %w", err)
	}
	if !updated {
		slog.Warn("Dispatcher.deliver: delivery log no longer pending", "logID", log.ID)
		return false, nil
	}

	if !res.Success {
		slog.Warn("Dispatcher.deliver: adapter reported failure", "flowID", flow.ID, "channel", flow.Channel, "error", res.Error)
		return true, nil
	}

	metric := models.MetricRecord{
		ID:        util.NewID(util.PrefixMetric),
		LogID:     log.ID,
		EventType: models.MetricEventNotificationSent,
		Metadata:  map[string]string{"channel": string(flow.Channel), "template_id": flow.TemplateID},
		CreatedAt: sentAt,
	}
	if err := d.repo.AddMetricRecord(ctx, metric); err != nil {
		slog.Error("Dispatcher.deliver: failed to record metric", "logID", log.ID, "error", err)
	}
	return true, nil
}

// send loads and renders the template and calls the adapter under the adapter timeout.
func (d *Dispatcher) send(ctx context.Context, flow models.Flow, log models.DeliveryLog) channel.Result {
	tmpl, err := d.repo.GetTemplate(ctx, flow.TemplateID)
	if err != nil {
		return channel.Failure("failed to load template: %v", err)
	}
	if tmpl == nil {
		return channel.Failure("template %s not found", flow.TemplateID)
	}
	adapter, err := d.adapters.Get(flow.Channel)
	if err != nil {
		return channel.Failure("%v", err)
	}

	actx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	return adapter.Send(actx, channel.Request{
		Flow:        flow,
		RecipientID: log.RecipientID,
		Subject:     Render(tmpl.Subject, log.TemplateData),
		Content:     Render(tmpl.Content, log.TemplateData),
		Data:        log.TemplateData,
	})
}
