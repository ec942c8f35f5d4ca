package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
)

// DeliveryPayload is the job payload of a delayed delivery.
type DeliveryPayload struct {
	LogID string `json:"log_id"`
}

// RegisterJobs registers the delayed-delivery handler on runner.
func (d *Dispatcher) RegisterJobs(runner *store.JobRunner) {
	runner.RegisterHandler(store.JobKindDeliverNotification, d.HandleDeliverNotification)
}

// HandleDeliverNotification executes a delayed delivery. Logs that are gone or no
// longer pending are skipped. Only storage errors are retried; a malformed payload
// fails permanently and adapter failures are recorded on the log.
func (d *Dispatcher) HandleDeliverNotification(ctx context.Context, payload string) error {
	var p DeliveryPayload
	if err := json.Unmarshal([]byte(payload), &p); err != nil {
		return store.Permanent(fmt.Errorf("invalid delivery payload: %w", err))
	}

	log, err := d.repo.GetDeliveryLog(ctx, p.LogID)
	if err != nil {
		return fmt.Errorf("failed to load delivery log %s: %w", p.LogID, err)
	}
	if log == nil {
		slog.Warn("Dispatcher.HandleDeliverNotification: delivery log not found", "logID", p.LogID)
		return nil
	}
	if log.Status != models.DeliveryStatusPending {
		slog.Debug("Dispatcher.HandleDeliverNotification: log already completed", "logID", log.ID, "status", log.Status)
		return nil
	}

	flow, err := d.repo.GetFlow(ctx, log.FlowID)
	if err != nil {
		return fmt.Errorf("failed to load flow %s: %w", log.FlowID, err)
	}
	if flow == nil {
		return d.fail(ctx, log.ID, "flow not found")
	}

	disabled, err := d.disabledChannels(ctx, log.RecipientID, log.EventType)
	if err != nil {
		return fmt.Errorf("failed to load preferences: %w", err)
	}
	if disabled[flow.Channel] {
		return d.fail(ctx, log.ID, "disabled by preference")
	}

	if _, err := d.deliver(ctx, *flow, *log); err != nil {
		return err
	}
	slog.Info("Dispatcher.HandleDeliverNotification: delayed delivery executed", "logID", log.ID, "channel", flow.Channel)
	return nil
}

func (d *Dispatcher) fail(ctx context.Context, logID, reason string) error {
	_, err := d.repo.CompleteDeliveryLog(ctx, logID, models.DeliveryOutcome{
		Status:       models.DeliveryStatusFailed,
		SentAt:       d.now().UTC(),
		ErrorMessage: reason,
	})
	if err != nil {
		return fmt.Errorf("failed to update delivery log %s: %w", logID, err)
	}
	slog.Info("Dispatcher.HandleDeliverNotification: delayed delivery dropped", "logID", logID, "reason", reason)
	return nil
}
