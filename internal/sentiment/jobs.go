package sentiment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
	"github.com/camerpulse/pulsepipe/internal/util"
)

// JobRequester schedules sentiment scoring as durable jobs.
type JobRequester struct {
	jobs store.JobRepo
	now  func() time.Time
}

// NewJobRequester creates a requester that enqueues onto jobs.
func NewJobRequester(jobs store.JobRepo) *JobRequester {
	return &JobRequester{jobs: jobs, now: time.Now}
}

// RequestSentiment enqueues a sentiment_analysis job for req. Requests for the same
// analytics event are deduplicated while a job is pending.
func (r *JobRequester) RequestSentiment(ctx context.Context, req models.SentimentRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode sentiment request: %w", err)
	}
	dedupe := ""
	if req.AnalyticsEventID != "" {
		dedupe = "sentiment:" + req.AnalyticsEventID
	}
	id, err := r.jobs.EnqueueJob(ctx, store.JobKindSentimentAnalysis, r.now().UTC(), string(payload), dedupe)
	if err != nil {
		return fmt.Errorf("failed to enqueue sentiment job: %w", err)
	}
	slog.Debug("JobRequester.RequestSentiment: sentiment job enqueued", "jobID", id, "source", req.Source)
	return nil
}

// Handler runs sentiment_analysis jobs.
type Handler struct {
	scorer Scorer
	repo   store.StreamRepo
	now    func() time.Time
}

// NewHandler creates a job handler that stores results in repo.
func NewHandler(scorer Scorer, repo store.StreamRepo) *Handler {
	return &Handler{scorer: scorer, repo: repo, now: time.Now}
}

// Register registers the handler on runner.
func (h *Handler) Register(runner *store.JobRunner) {
	runner.RegisterHandler(store.JobKindSentimentAnalysis, h.Handle)
}

// Handle scores the text of one request and stores the result. Errors are returned
// so that the job runner retries with backoff.
func (h *Handler) Handle(ctx context.Context, payload string) error {
	var req models.SentimentRequest
	if err := json.Unmarshal([]byte(payload), &req); err != nil {
		return store.Permanent(fmt.Errorf("invalid sentiment payload: %w", err))
	}
	if req.Text == "" {
		slog.Warn("Handler.Handle: empty sentiment text, skipping", "analyticsEventID", req.AnalyticsEventID)
		return nil
	}

	sc, err := h.scorer.Score(ctx, req.Text)
	if err != nil {
		return err
	}
	res := models.SentimentResult{
		ID:               util.NewID(util.PrefixSentiment),
		AnalyticsEventID: req.AnalyticsEventID,
		StreamID:         req.StreamID,
		Source:           req.Source,
		Text:             req.Text,
		Label:            sc.Label,
		Score:            sc.Score,
		CreatedAt:        h.now().UTC(),
	}
	if err := h.repo.AddSentimentResult(ctx, res); err != nil {
		return fmt.Errorf("failed to store sentiment result: %w", err)
	}
	slog.Debug("Handler.Handle: sentiment stored", "analyticsEventID", req.AnalyticsEventID, "label", sc.Label, "score", sc.Score)
	return nil
}
