package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/util"
)

func (s *sqlStore) SaveStreamConfig(ctx context.Context, c models.StreamConfig) error {
	_, err := s.exec(ctx,
		`INSERT INTO stream_configs (id, stream_name, stream_type, status, events_per_minute, last_event_at, error_count, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (id) DO UPDATE SET stream_name = excluded.stream_name, stream_type = excluded.stream_type,
		   status = excluded.status`,
		c.ID, c.StreamName, string(c.StreamType), string(c.Status), c.EventsPerMinute, nullableTime(c.LastEventAt),
		c.ErrorCount, dbTime(c.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save stream config %s: %w", c.ID, err)
	}
	return nil
}

func (s *sqlStore) GetStreamConfig(ctx context.Context, id string) (*models.StreamConfig, error) {
	var c models.StreamConfig
	var streamType, status string
	var last sql.NullTime
	err := s.queryRow(ctx,
		`SELECT id, stream_name, stream_type, status, events_per_minute, last_event_at, error_count, created_at
		 FROM stream_configs WHERE id = ?`, id,
	).Scan(&c.ID, &c.StreamName, &streamType, &status, &c.EventsPerMinute, &last, &c.ErrorCount, &c.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stream config %s: %w", id, err)
	}
	c.StreamType = models.StreamType(streamType)
	c.Status = models.StreamStatus(status)
	c.LastEventAt = timePtr(last)
	return &c, nil
}

func (s *sqlStore) UpdateStreamStats(ctx context.Context, id string, eventsPerMinute float64, lastEventAt time.Time, errorDelta int) error {
	_, err := s.exec(ctx,
		`UPDATE stream_configs SET events_per_minute = ?, last_event_at = ?, error_count = error_count + ? WHERE id = ?`,
		eventsPerMinute, dbTime(lastEventAt), errorDelta, id,
	)
	if err != nil {
		return fmt.Errorf("failed to update stream stats %s: %w", id, err)
	}
	return nil
}

func (s *sqlStore) InsertAnalyticsEvent(ctx context.Context, ev models.AnalyticsEvent) error {
	data, err := toJSON(ev.EventData)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO analytics_events (id, event_type, event_source, event_data, user_id, session_id, region, processed, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID, ev.EventType, ev.EventSource, data, nilIfEmpty(ev.UserID), nilIfEmpty(ev.SessionID), nilIfEmpty(ev.Region),
		ev.Processed, dbTime(ev.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert analytics event: %w", err)
	}
	return nil
}

func (s *sqlStore) MarkAnalyticsEventsProcessed(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	return s.inTx(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, s.rebind(`UPDATE analytics_events SET processed = ? WHERE id = ?`))
		if err != nil {
			return fmt.Errorf("failed to prepare processed update: %w", err)
		}
		defer stmt.Close()
		for _, id := range ids {
			if _, err := stmt.ExecContext(ctx, true, id); err != nil {
				return fmt.Errorf("failed to mark analytics event %s processed: %w", id, err)
			}
		}
		return nil
	})
}

func (s *sqlStore) GetAnalyticsEvent(ctx context.Context, id string) (*models.AnalyticsEvent, error) {
	var ev models.AnalyticsEvent
	var data, userID, sessionID, region sql.NullString
	err := s.queryRow(ctx,
		`SELECT id, event_type, event_source, event_data, user_id, session_id, region, processed, created_at
		 FROM analytics_events WHERE id = ?`, id,
	).Scan(&ev.ID, &ev.EventType, &ev.EventSource, &data, &userID, &sessionID, &region, &ev.Processed, &ev.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analytics event %s: %w", id, err)
	}
	if err := fromJSON(data, &ev.EventData); err != nil {
		return nil, err
	}
	ev.UserID = userID.String
	ev.SessionID = sessionID.String
	ev.Region = region.String
	return &ev, nil
}

func (s *sqlStore) RecordTrendingMention(ctx context.Context, topic, category string, now time.Time, window time.Duration) (*models.TrendingTopic, error) {
	now = dbTime(now)
	var out models.TrendingTopic
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var cat sql.NullString
		err := tx.QueryRowContext(ctx, s.rebind(
			`SELECT id, topic, category, mention_count, created_at FROM trending_topics
			 WHERE topic = ? AND created_at >= ? ORDER BY created_at DESC LIMIT 1`),
			topic, now.Add(-window),
		).Scan(&out.ID, &out.Topic, &cat, &out.MentionCount, &out.CreatedAt)
		switch {
		case errors.Is(err, sql.ErrNoRows):
			out = models.TrendingTopic{
				ID:           util.NewID(util.PrefixTrending),
				Topic:        topic,
				Category:     category,
				MentionCount: 1,
				CreatedAt:    now,
				UpdatedAt:    now,
			}
			_, err = tx.ExecContext(ctx, s.rebind(
				`INSERT INTO trending_topics (id, topic, category, mention_count, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?)`),
				out.ID, out.Topic, nilIfEmpty(out.Category), out.MentionCount, out.CreatedAt, out.UpdatedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to insert trending topic %s: %w", topic, err)
			}
			return nil
		case err != nil:
			return fmt.Errorf("failed to look up trending topic %s: %w", topic, err)
		}

		out.Category = cat.String
		out.MentionCount++
		out.UpdatedAt = now
		_, err = tx.ExecContext(ctx, s.rebind(
			`UPDATE trending_topics SET mention_count = mention_count + 1, updated_at = ? WHERE id = ?`),
			now, out.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to increment trending topic %s: %w", topic, err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *sqlStore) ListTrendingTopics(ctx context.Context, since time.Time, limit int) ([]models.TrendingTopic, error) {
	rows, err := s.query(ctx,
		`SELECT id, topic, category, mention_count, created_at, updated_at FROM trending_topics
		 WHERE created_at >= ? ORDER BY mention_count DESC, topic ASC LIMIT ?`,
		dbTime(since), limitOrDefault(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query trending topics: %w", err)
	}
	defer rows.Close()

	var out []models.TrendingTopic
	for rows.Next() {
		var t models.TrendingTopic
		var cat sql.NullString
		if err := rows.Scan(&t.ID, &t.Topic, &cat, &t.MentionCount, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trending topic row: %w", err)
		}
		t.Category = cat.String
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate trending topic rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) AddAlert(ctx context.Context, a models.Alert) error {
	data, err := toJSON(a.Data)
	if err != nil {
		return err
	}
	_, err = s.exec(ctx,
		`INSERT INTO alerts (id, stream_id, alert_type, severity, title, message, data, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.StreamID, a.AlertType, string(a.Severity), a.Title, a.Message, data, dbTime(a.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert alert: %w", err)
	}
	return nil
}

func (s *sqlStore) ListAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	rows, err := s.query(ctx,
		`SELECT id, stream_id, alert_type, severity, title, message, data, created_at FROM alerts
		 ORDER BY created_at DESC LIMIT ?`,
		limitOrDefault(limit),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		var a models.Alert
		var severity string
		var data sql.NullString
		if err := rows.Scan(&a.ID, &a.StreamID, &a.AlertType, &severity, &a.Title, &a.Message, &data, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan alert row: %w", err)
		}
		a.Severity = models.AlertSeverity(severity)
		if err := fromJSON(data, &a.Data); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate alert rows: %w", err)
	}
	return out, nil
}

func (s *sqlStore) AddSentimentResult(ctx context.Context, r models.SentimentResult) error {
	_, err := s.exec(ctx,
		`INSERT INTO sentiment_results (id, analytics_event_id, stream_id, source, text, label, score, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, nilIfEmpty(r.AnalyticsEventID), nilIfEmpty(r.StreamID), r.Source, r.Text, r.Label, r.Score, dbTime(r.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert sentiment result: %w", err)
	}
	return nil
}
