// Package stream ingests external event streams, stores the raw events and
// classifies them by stream type: sentiment requests and trending hashtags for
// social media, sentiment for news, alerts for government announcements and
// economic indicators.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
	"github.com/camerpulse/pulsepipe/internal/util"
)

const (
	// DefaultBatchSize is the chunk size used when the caller gives none.
	DefaultBatchSize = 100
	// MaxBatchSize caps caller supplied chunk sizes.
	MaxBatchSize = 1000
	// DefaultTrendingWindow is the sliding window of a trending topic counter.
	DefaultTrendingWindow = 24 * time.Hour
	// maxErrorDetails is the number of error messages returned to the caller.
	maxErrorDetails = 10
)

// SentimentRequester schedules asynchronous sentiment scoring.
type SentimentRequester interface {
	RequestSentiment(ctx context.Context, req models.SentimentRequest) error
}

// Opts holds configuration options for the Classifier.
type Opts struct {
	Sentiment      SentimentRequester
	TrendingWindow time.Duration
	Now            func() time.Time
}

// Option defines a configuration option for the Classifier.
type Option func(*Opts)

// WithSentimentRequester sets the sentiment scheduler. Without one, sentiment
// requests are dropped.
func WithSentimentRequester(r SentimentRequester) Option {
	return func(o *Opts) { o.Sentiment = r }
}

// WithTrendingWindow overrides the trending topic window.
func WithTrendingWindow(d time.Duration) Option {
	return func(o *Opts) { o.TrendingWindow = d }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(o *Opts) { o.Now = now }
}

// Classifier ingests stream events.
type Classifier struct {
	repo      store.StreamRepo
	sentiment SentimentRequester
	window    time.Duration
	now       func() time.Time
}

// NewClassifier creates a Classifier.
func NewClassifier(repo store.StreamRepo, opts ...Option) *Classifier {
	cfg := Opts{TrendingWindow: DefaultTrendingWindow, Now: time.Now}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.TrendingWindow <= 0 {
		cfg.TrendingWindow = DefaultTrendingWindow
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Classifier{repo: repo, sentiment: cfg.Sentiment, window: cfg.TrendingWindow, now: cfg.Now}
}

// Ingest stores and classifies the events of one stream in chunks of batchSize.
// Only a missing stream id, a non-array events value, an unknown or inactive
// stream, or a failure to load the stream returns an error; problems with single
// events are counted and reported in the result.
func (c *Classifier) Ingest(ctx context.Context, streamID string, events json.RawMessage, batchSize int) (models.IngestResult, error) {
	result := models.IngestResult{ErrorDetails: []string{}}

	if streamID == "" {
		return result, models.ValidationError("stream_id is required")
	}
	var raw []json.RawMessage
	if len(events) == 0 || json.Unmarshal(events, &raw) != nil || raw == nil {
		return result, models.ValidationError("events must be an array")
	}
	result.TotalEvents = len(raw)

	cfg, err := c.repo.GetStreamConfig(ctx, streamID)
	if err != nil {
		slog.Error("Classifier.Ingest: failed to load stream config", "streamID", streamID, "error", err)
		return result, fmt.Errorf("failed to load stream %s: %w", streamID, err)
	}
	if cfg == nil {
		return result, models.NotFoundError("stream", streamID)
	}
	if cfg.Status != models.StreamStatusActive {
		return result, fmt.Errorf("stream %s is %s: %w", streamID, cfg.Status, models.ErrStreamInactive)
	}

	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	var stored []string
	for start := 0; start < len(raw); start += batchSize {
		end := min(start+batchSize, len(raw))
		chunk := c.processChunk(ctx, *cfg, raw[start:end], start)
		stored = append(stored, chunk.stored...)
		result.ProcessedEvents += chunk.classified
		for _, msg := range chunk.errs {
			result.Errors++
			if len(result.ErrorDetails) < maxErrorDetails {
				result.ErrorDetails = append(result.ErrorDetails, msg)
			}
		}
		c.updateStats(ctx, cfg.ID, chunk.classified, len(chunk.errs), chunk.first)
	}

	if len(stored) > 0 {
		if err := c.repo.MarkAnalyticsEventsProcessed(ctx, stored); err != nil {
			slog.Error("Classifier.Ingest: failed to mark events processed", "streamID", streamID, "count", len(stored), "error", err)
		}
	}

	slog.Info("Classifier.Ingest: stream batch ingested", "streamID", streamID, "streamType", cfg.StreamType,
		"total", result.TotalEvents, "processed", result.ProcessedEvents, "errors", result.Errors)
	return result, nil
}

// chunkResult is the outcome of one chunk. Every stored event is listed in stored,
// including those whose classification failed, so none is left unprocessed.
type chunkResult struct {
	stored     []string
	classified int
	errs       []string
	first      time.Time
}

// processChunk stores and classifies the events of one chunk.
func (c *Classifier) processChunk(ctx context.Context, cfg models.StreamConfig, chunk []json.RawMessage, offset int) chunkResult {
	var res chunkResult

	for i, rawEvent := range chunk {
		index := offset + i
		ev, err := decodeEvent(rawEvent)
		if err != nil {
			res.errs = append(res.errs, fmt.Sprintf("Event %d: %v", index, err))
			continue
		}

		ts := c.now().UTC()
		if ev.Timestamp != nil && !ev.Timestamp.IsZero() {
			ts = ev.Timestamp.UTC()
		}
		if res.first.IsZero() {
			res.first = ts
		}

		stored := models.AnalyticsEvent{
			ID:          util.NewID(util.PrefixAnalytics),
			EventType:   ev.Type,
			EventSource: cfg.ID,
			EventData:   ev.Data,
			UserID:      ev.UserID,
			SessionID:   ev.SessionID,
			Region:      ev.Region,
			CreatedAt:   ts,
		}
		if err := c.repo.InsertAnalyticsEvent(ctx, stored); err != nil {
			slog.Error("Classifier.processChunk: failed to store event", "streamID", cfg.ID, "index", index, "error", err)
			res.errs = append(res.errs, fmt.Sprintf("Event %d: failed to store event: %v", index, err))
			continue
		}

		res.stored = append(res.stored, stored.ID)
		if err := c.classify(ctx, cfg, stored); err != nil {
			slog.Warn("Classifier.processChunk: classification failed", "streamID", cfg.ID, "index", index, "error", err)
			res.errs = append(res.errs, fmt.Sprintf("Event %d: %v", index, err))
			continue
		}
		res.classified++
	}
	return res
}

func decodeEvent(raw json.RawMessage) (models.StreamEvent, error) {
	var ev models.StreamEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, fmt.Errorf("invalid event: %v", err)
	}
	if ev.Type == "" {
		return ev, fmt.Errorf("missing required field: type")
	}
	if ev.Data == nil {
		return ev, fmt.Errorf("missing required field: data")
	}
	return ev, nil
}

// updateStats refreshes the stream rate from the chunk just processed.
func (c *Classifier) updateStats(ctx context.Context, streamID string, processed, errCount int, first time.Time) {
	now := c.now().UTC()
	if first.IsZero() {
		first = now
	}
	elapsed := math.Max(now.Sub(first).Minutes(), 1)
	rate := float64(processed) / elapsed
	if err := c.repo.UpdateStreamStats(ctx, streamID, rate, now, errCount); err != nil {
		slog.Error("Classifier.updateStats: failed to update stream stats", "streamID", streamID, "error", err)
	}
}

// requestSentiment hands req to the sentiment requester. Scoring is best effort:
// a failed request is logged and never fails the event.
func (c *Classifier) requestSentiment(ctx context.Context, req models.SentimentRequest) {
	if c.sentiment == nil {
		slog.Debug("Classifier.requestSentiment: no sentiment requester configured, dropping", "source", req.Source)
		return
	}
	if err := c.sentiment.RequestSentiment(ctx, req); err != nil {
		slog.Warn("Classifier.requestSentiment: failed to request sentiment", "source", req.Source,
			"analyticsEventID", req.AnalyticsEventID, "error", err)
	}
}
