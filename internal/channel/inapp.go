package channel

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
)

// InAppAdapter stores user-facing notification records.
type InAppAdapter struct {
	repo store.NotificationRepo
	now  func() time.Time
}

// NewInAppAdapter creates an in-app adapter backed by repo.
func NewInAppAdapter(repo store.NotificationRepo) *InAppAdapter {
	return &InAppAdapter{repo: repo, now: time.Now}
}

// Send implements Adapter. It only fails when the insert fails.
func (a *InAppAdapter) Send(ctx context.Context, req Request) Result {
	id, err := a.Notify(ctx, req.RecipientID, req.Flow.EventType, req.Subject, req.Content, req.Data)
	if err != nil {
		return FromError(ctx, err)
	}
	return Success(id)
}

// Notify inserts a notification for userID and returns its id. The escalation
// sweep uses it directly to alert escalation targets.
func (a *InAppAdapter) Notify(ctx context.Context, userID, kind, title, message string, data map[string]interface{}) (string, error) {
	n := models.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      kind,
		Title:     title,
		Message:   message,
		Data:      data,
		CreatedAt: a.now().UTC(),
	}
	if err := a.repo.AddNotification(ctx, n); err != nil {
		slog.Error("InAppAdapter.Notify: insert failed", "userID", userID, "error", err)
		return "", err
	}
	slog.Debug("InAppAdapter.Notify: notification stored", "userID", userID, "id", n.ID, "type", kind)
	return n.ID, nil
}
