package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"github.com/camerpulse/pulsepipe/internal/models"
)

func (s *sqlStore) SaveFlow(ctx context.Context, f models.Flow) error {
	_, err := s.exec(ctx,
		`INSERT INTO flows (id, event_type, recipient_type, channel, template_id, priority, is_active, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET event_type = excluded.event_type, recipient_type = excluded.recipient_type,
		   channel = excluded.channel, template_id = excluded.template_id, priority = excluded.priority,
		   is_active = excluded.is_active`,
		f.ID, f.EventType, f.RecipientType, string(f.Channel), f.TemplateID, f.Priority, f.IsActive, dbTime(f.CreatedAt),
	)
	if err != nil {
		slog.Error("sqlStore.SaveFlow failed", "error", err, "flowID", f.ID)
		return fmt.Errorf("failed to save flow %s: %w", f.ID, err)
	}
	slog.Debug("sqlStore.SaveFlow succeeded", "flowID", f.ID, "eventType", f.EventType)
	return nil
}

const flowColumns = `id, event_type, recipient_type, channel, template_id, priority, is_active, created_at`

func scanFlow(row rowScanner) (models.Flow, error) {
	var f models.Flow
	var channel string
	if err := row.Scan(&f.ID, &f.EventType, &f.RecipientType, &channel, &f.TemplateID, &f.Priority, &f.IsActive, &f.CreatedAt); err != nil {
		return f, err
	}
	f.Channel = models.Channel(channel)
	return f, nil
}

func (s *sqlStore) GetFlow(ctx context.Context, id string) (*models.Flow, error) {
	f, err := scanFlow(s.queryRow(ctx, `SELECT `+flowColumns+` FROM flows WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get flow %s: %w", id, err)
	}
	return &f, nil
}

func (s *sqlStore) ListActiveFlows(ctx context.Context, eventType, recipientType string) ([]models.Flow, error) {
	rows, err := s.query(ctx,
		`SELECT `+flowColumns+` FROM flows
		 WHERE event_type = ? AND recipient_type = ? AND is_active = ?
		 ORDER BY priority DESC, created_at ASC`,
		eventType, recipientType, true,
	)
	if err != nil {
		slog.Error("sqlStore.ListActiveFlows query failed", "error", err)
		return nil, fmt.Errorf("failed to query flows: %w", err)
	}
	defer rows.Close()

	var flows []models.Flow
	for rows.Next() {
		f, err := scanFlow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan flow row: %w", err)
		}
		flows = append(flows, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate flow rows: %w", err)
	}
	return flows, nil
}

func (s *sqlStore) SaveTemplate(ctx context.Context, t models.Template) error {
	_, err := s.exec(ctx,
		`INSERT INTO templates (id, subject, content) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET subject = excluded.subject, content = excluded.content`,
		t.ID, t.Subject, t.Content,
	)
	if err != nil {
		return fmt.Errorf("failed to save template %s: %w", t.ID, err)
	}
	return nil
}

func (s *sqlStore) GetTemplate(ctx context.Context, id string) (*models.Template, error) {
	var t models.Template
	err := s.queryRow(ctx, `SELECT id, subject, content FROM templates WHERE id = ?`, id).Scan(&t.ID, &t.Subject, &t.Content)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get template %s: %w", id, err)
	}
	return &t, nil
}

func (s *sqlStore) UpsertPreference(ctx context.Context, p models.Preference) error {
	_, err := s.exec(ctx,
		`INSERT INTO preferences (user_id, event_type, channel, is_enabled, updated_at) VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (user_id, event_type, channel) DO UPDATE SET is_enabled = excluded.is_enabled, updated_at = excluded.updated_at`,
		p.UserID, p.EventType, string(p.Channel), p.IsEnabled, dbTime(p.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert preference for %s: %w", p.UserID, err)
	}
	return nil
}

func (s *sqlStore) ListPreferences(ctx context.Context, userID, eventType string) ([]models.Preference, error) {
	q := `SELECT user_id, event_type, channel, is_enabled, updated_at FROM preferences WHERE user_id = ?`
	args := []interface{}{userID}
	if eventType != "" {
		q += ` AND event_type = ?`
		args = append(args, eventType)
	}
	q += ` ORDER BY event_type, channel`
	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query preferences: %w", err)
	}
	defer rows.Close()

	var prefs []models.Preference
	for rows.Next() {
		var p models.Preference
		var channel string
		if err := rows.Scan(&p.UserID, &p.EventType, &channel, &p.IsEnabled, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan preference row: %w", err)
		}
		p.Channel = models.Channel(channel)
		prefs = append(prefs, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate preference rows: %w", err)
	}
	return prefs, nil
}

func (s *sqlStore) CreateDeliveryLog(ctx context.Context, l models.DeliveryLog) error {
	data, err := toJSON(l.TemplateData)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO delivery_logs (id, flow_id, recipient_id, event_type, channel, status, sent_at, delivered_at,
		   error_message, external_id, template_data, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		l.ID, l.FlowID, l.RecipientID, l.EventType, string(l.Channel), string(l.Status),
		nullableTime(l.SentAt), nullableTime(l.DeliveredAt), nilIfEmpty(l.ErrorMessage), nilIfEmpty(l.ExternalID),
		data, dbTime(l.CreatedAt), dbTime(l.UpdatedAt),
	)
	if err != nil {
		slog.Error("sqlStore.CreateDeliveryLog failed", "error", err, "logID", l.ID)
		return fmt.Errorf("failed to create delivery log %s: %w", l.ID, err)
	}
	return nil
}

func (s *sqlStore) CompleteDeliveryLog(ctx context.Context, id string, o models.DeliveryOutcome) (bool, error) {
	sentAt := o.SentAt
	res, err := s.exec(ctx,
		`UPDATE delivery_logs SET status = ?, sent_at = ?, delivered_at = ?, error_message = ?, external_id = ?, updated_at = ?
		 WHERE id = ? AND status = 'pending'`,
		string(o.Status), nullableTime(&sentAt), nullableTime(o.DeliveredAt), nilIfEmpty(o.ErrorMessage), nilIfEmpty(o.ExternalID),
		dbTime(o.SentAt), id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete delivery log %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read rows affected: %w", err)
	}
	return n == 1, nil
}

const deliveryLogColumns = `id, flow_id, recipient_id, event_type, channel, status, sent_at, delivered_at,
	error_message, external_id, template_data, created_at, updated_at`

func scanDeliveryLog(row rowScanner) (models.DeliveryLog, error) {
	var l models.DeliveryLog
	var channel, status string
	var sentAt, deliveredAt sql.NullTime
	var errMsg, externalID, data sql.NullString
	err := row.Scan(&l.ID, &l.FlowID, &l.RecipientID, &l.EventType, &channel, &status, &sentAt, &deliveredAt,
		&errMsg, &externalID, &data, &l.CreatedAt, &l.UpdatedAt)
	if err != nil {
		return l, err
	}
	l.Channel = models.Channel(channel)
	l.Status = models.DeliveryStatus(status)
	l.SentAt = timePtr(sentAt)
	l.DeliveredAt = timePtr(deliveredAt)
	l.ErrorMessage = errMsg.String
	l.ExternalID = externalID.String
	if err := fromJSON(data, &l.TemplateData); err != nil {
		return l, err
	}
	return l, nil
}

func (s *sqlStore) GetDeliveryLog(ctx context.Context, id string) (*models.DeliveryLog, error) {
	l, err := scanDeliveryLog(s.queryRow(ctx, `SELECT `+deliveryLogColumns+` FROM delivery_logs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get delivery log %s: %w", id, err)
	}
	return &l, nil
}

func (s *sqlStore) ListDeliveryLogs(ctx context.Context, recipientID string, limit int) ([]models.DeliveryLog, error) {
	q := `SELECT ` + deliveryLogColumns + ` FROM delivery_logs`
	var args []interface{}
	if recipientID != "" {
		q += ` WHERE recipient_id = ?`
		args = append(args, recipientID)
	}
	q += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limitOrDefault(limit))

	rows, err := s.query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query delivery logs: %w", err)
	}
	defer rows.Close()

	var logs []models.DeliveryLog
	for rows.Next() {
		l, err := scanDeliveryLog(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan delivery log row: %w", err)
		}
		logs = append(logs, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate delivery log rows: %w", err)
	}
	return logs, nil
}

func (s *sqlStore) AddMetricRecord(ctx context.Context, rec models.MetricRecord) error {
	meta, err := toJSON(rec.Metadata)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO metrics (id, log_id, event_type, metadata, created_at) VALUES (?, ?, ?, ?, ?)`,
		rec.ID, rec.LogID, rec.EventType, meta, dbTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert metric for log %s: %w", rec.LogID, err)
	}
	return nil
}

func (s *sqlStore) SaveUser(ctx context.Context, u models.User) error {
	_, err := s.exec(ctx,
		`INSERT INTO users (id, email, phone) VALUES (?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET email = excluded.email, phone = excluded.phone`,
		u.ID, nilIfEmpty(u.Email), nilIfEmpty(u.Phone),
	)
	if err != nil {
		return fmt.Errorf("failed to save user %s: %w", u.ID, err)
	}
	return nil
}

func (s *sqlStore) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	var email, phone sql.NullString
	err := s.queryRow(ctx, `SELECT id, email, phone FROM users WHERE id = ?`, id).Scan(&u.ID, &email, &phone)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get user %s: %w", id, err)
	}
	u.Email = email.String
	u.Phone = phone.String
	return &u, nil
}

func (s *sqlStore) AddNotification(ctx context.Context, n models.Notification) error {
	data, err := toJSON(n.Data)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO notifications (id, user_id, type, title, message, data, is_read, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.UserID, n.Type, n.Title, n.Message, data, n.IsRead, dbTime(n.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert notification for %s: %w", n.UserID, err)
	}
	return nil
}

func (s *sqlStore) ListNotifications(ctx context.Context, userID string, limit int) ([]models.Notification, error) {
	rows, err := s.query(ctx,
		`SELECT id, user_id, type, title, message, data, is_read, created_at FROM notifications
		 WHERE user_id = ? ORDER BY created_at DESC LIMIT ?`,
		userID, limitOrDefault(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		var data sql.NullString
		if err := rows.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &data, &n.IsRead, &n.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan notification row: %w", err)
		}
		if err := fromJSON(data, &n.Data); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate notification rows: %w", err)
	}
	return out, nil
}
