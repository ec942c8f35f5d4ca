package stream

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/store"
	"github.com/camerpulse/pulsepipe/internal/testutil"
)

type recordingRequester struct {
	mu       sync.Mutex
	requests []models.SentimentRequest
}

func (r *recordingRequester) RequestSentiment(_ context.Context, req models.SentimentRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return nil
}

var testNow = time.Date(2026, 7, 14, 12, 0, 0, 0, time.UTC)

func newTestStream(t *testing.T, repo store.StreamRepo, id string, typ models.StreamType) {
	t.Helper()
	cfg := models.StreamConfig{ID: id, StreamName: id, StreamType: typ, Status: models.StreamStatusActive, CreatedAt: testNow}
	if err := repo.SaveStreamConfig(context.Background(), cfg); err != nil {
		t.Fatalf("SaveStreamConfig failed: %v", err)
	}
}

func rawEvents(t *testing.T, events ...interface{}) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(events)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	return b
}

func event(typ string, data map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{"type": typ, "data": data}
}

func TestIngest_ChunksAllEvents(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	newTestStream(t, s, "str_news", models.StreamTypeNews)
	c := NewClassifier(s, WithClock(func() time.Time { return testNow }))

	var events []interface{}
	for i := 0; i < 5; i++ {
		events = append(events, event("article", map[string]interface{}{"title": "Budget", "content": "Parliament votes"}))
	}
	res, err := c.Ingest(ctx, "str_news", rawEvents(t, events...), 2)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.TotalEvents != 5 || res.ProcessedEvents != 5 || res.Errors != 0 || len(res.ErrorDetails) != 0 {
		t.Errorf("unexpected result: %+v", res)
	}
	cfg, _ := s.GetStreamConfig(ctx, "str_news")
	if cfg.LastEventAt == nil || !cfg.LastEventAt.Equal(testNow) || cfg.ErrorCount != 0 {
		t.Errorf("unexpected stream stats: %+v", cfg)
	}
	// The last chunk holds one event processed within the minimum one-minute window.
	if cfg.EventsPerMinute != 1 {
		t.Errorf("expected events_per_minute 1, got %v", cfg.EventsPerMinute)
	}
}

func TestIngest_MalformedEventIsIsolated(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	newTestStream(t, s, "str_news", models.StreamTypeNews)
	c := NewClassifier(s)

	events := []interface{}{
		event("article", map[string]interface{}{"title": "a"}),
		event("article", map[string]interface{}{"title": "b"}),
		map[string]interface{}{"type": "article"},
		event("article", map[string]interface{}{"title": "d"}),
		event("article", map[string]interface{}{"title": "e"}),
	}
	res, err := c.Ingest(ctx, "str_news", rawEvents(t, events...), 2)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.ProcessedEvents != 4 || res.Errors != 1 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.ErrorDetails) != 1 || !strings.Contains(res.ErrorDetails[0], "Event 2") || !strings.Contains(res.ErrorDetails[0], "data") {
		t.Errorf("unexpected error details: %v", res.ErrorDetails)
	}
	cfg, _ := s.GetStreamConfig(ctx, "str_news")
	if cfg.ErrorCount != 1 {
		t.Errorf("expected error_count 1, got %d", cfg.ErrorCount)
	}
}

func TestIngest_ErrorDetailsCapped(t *testing.T) {
	s := store.NewInMemoryStore()
	newTestStream(t, s, "str_gov", models.StreamTypeGovernment)
	c := NewClassifier(s)

	var events []interface{}
	for i := 0; i < 15; i++ {
		events = append(events, map[string]interface{}{"data": map[string]interface{}{}})
	}
	res, err := c.Ingest(context.Background(), "str_gov", rawEvents(t, events...), 0)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.Errors != 15 || len(res.ErrorDetails) != maxErrorDetails {
		t.Errorf("expected 15 errors with %d details, got %d/%d", maxErrorDetails, res.Errors, len(res.ErrorDetails))
	}
}

func TestIngest_TopLevelFailures(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	newTestStream(t, s, "str_social", models.StreamTypeSocialMedia)
	paused := models.StreamConfig{ID: "str_paused", StreamName: "p", StreamType: models.StreamTypeNews, Status: models.StreamStatusPaused}
	if err := s.SaveStreamConfig(ctx, paused); err != nil {
		t.Fatalf("SaveStreamConfig failed: %v", err)
	}
	c := NewClassifier(s)

	tests := []struct {
		name     string
		streamID string
		events   string
		want     error
	}{
		{"missing stream id", "", `[]`, models.ErrValidation},
		{"events not an array", "str_social", `{"type":"post"}`, models.ErrValidation},
		{"events missing", "str_social", ``, models.ErrValidation},
		{"events null", "str_social", `null`, models.ErrValidation},
		{"unknown stream", "str_missing", `[]`, models.ErrNotFound},
		{"inactive stream", "str_paused", `[]`, models.ErrStreamInactive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Ingest(ctx, tt.streamID, json.RawMessage(tt.events), 0)
			if !errors.Is(err, tt.want) {
				t.Errorf("expected %v, got %v", tt.want, err)
			}
		})
	}
}

func TestIngest_SocialMedia(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	newTestStream(t, s, "str_social", models.StreamTypeSocialMedia)
	req := &recordingRequester{}
	c := NewClassifier(s, WithSentimentRequester(req), WithClock(func() time.Time { return testNow }))

	events := rawEvents(t,
		event("post", map[string]interface{}{"text": "Proud of #Cameroon today #Lions"}),
		event("post", map[string]interface{}{"text": "#cameroon"}),
		event("post", map[string]interface{}{"text": "short"}),
	)
	res, err := c.Ingest(ctx, "str_social", events, 0)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.ProcessedEvents != 3 {
		t.Fatalf("unexpected result: %+v", res)
	}

	if len(req.requests) != 1 {
		t.Fatalf("only texts longer than 10 characters are scored, got %d requests", len(req.requests))
	}
	if req.requests[0].Source != "social_media" || req.requests[0].StreamID != "str_social" || req.requests[0].AnalyticsEventID == "" {
		t.Errorf("unexpected sentiment request: %+v", req.requests[0])
	}

	topics, _ := s.ListTrendingTopics(ctx, testNow.Add(-time.Hour), 10)
	if len(topics) != 2 {
		t.Fatalf("expected 2 topics, got %+v", topics)
	}
	if topics[0].Topic != "cameroon" || topics[0].MentionCount != 2 {
		t.Errorf("expected cameroon with 2 mentions first, got %+v", topics[0])
	}

	ev, _ := s.GetAnalyticsEvent(ctx, req.requests[0].AnalyticsEventID)
	if ev == nil || !ev.Processed || ev.EventSource != "str_social" {
		t.Errorf("stored event should be marked processed: %+v", ev)
	}
}

func TestIngest_TrendingWindowOnSQLite(t *testing.T) {
	ctx := context.Background()
	s := testutil.NewSQLiteStore(t)
	newTestStream(t, s, "str_social", models.StreamTypeSocialMedia)

	now := testNow
	c := NewClassifier(s, WithClock(func() time.Time { return now }))
	post := rawEvents(t, event("post", map[string]interface{}{"text": "Go #Cameroon"}))

	for i := 0; i < 2; i++ {
		if _, err := c.Ingest(ctx, "str_social", post, 0); err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		now = now.Add(time.Hour)
	}
	topics, _ := s.ListTrendingTopics(ctx, testNow.Add(-time.Hour), 10)
	if len(topics) != 1 || topics[0].MentionCount != 2 {
		t.Fatalf("expected one topic with 2 mentions, got %+v", topics)
	}

	now = testNow.Add(25 * time.Hour)
	if _, err := c.Ingest(ctx, "str_social", post, 0); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	topics, _ = s.ListTrendingTopics(ctx, testNow.Add(-time.Hour), 10)
	if len(topics) != 2 {
		t.Errorf("a mention outside the window starts a new counter, got %+v", topics)
	}
}

func TestIngest_News(t *testing.T) {
	s := store.NewInMemoryStore()
	newTestStream(t, s, "str_news", models.StreamTypeNews)
	req := &recordingRequester{}
	c := NewClassifier(s, WithSentimentRequester(req))

	events := rawEvents(t, event("article", map[string]interface{}{"title": "Rains", "content": "Flooding in Douala"}))
	if _, err := c.Ingest(context.Background(), "str_news", events, 0); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if len(req.requests) != 1 || req.requests[0].Text != "Rains Flooding in Douala" || req.requests[0].Source != "news" {
		t.Errorf("unexpected requests: %+v", req.requests)
	}
}

func TestIngest_Government(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	newTestStream(t, s, "str_gov", models.StreamTypeGovernment)
	c := NewClassifier(s)

	events := rawEvents(t,
		event("announcement", map[string]interface{}{"announcement_type": "emergency_alert", "title": "Flood warning"}),
		event("announcement", map[string]interface{}{"announcement_type": "policy_change"}),
		event("announcement", map[string]interface{}{"announcement_type": "press_briefing"}),
	)
	if _, err := c.Ingest(ctx, "str_gov", events, 0); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	alerts, _ := s.ListAlerts(ctx, 10)
	if len(alerts) != 2 {
		t.Fatalf("expected 2 alerts, got %+v", alerts)
	}
	severities := map[string]models.AlertSeverity{}
	for _, a := range alerts {
		severities[a.AlertType] = a.Severity
	}
	if severities["emergency_alert"] != models.SeverityCritical || severities["policy_change"] != models.SeverityInfo {
		t.Errorf("unexpected severities: %v", severities)
	}
}

func TestIngest_Economic(t *testing.T) {
	tests := []struct {
		name     string
		data     map[string]interface{}
		want     models.AlertSeverity
		wantNone bool
	}{
		{"above warning level", map[string]interface{}{"value": 0.12}, models.SeverityWarning, false},
		{"negative above warning level", map[string]interface{}{"value": -0.2}, models.SeverityWarning, false},
		{"between threshold and warning", map[string]interface{}{"value": 0.07}, models.SeverityInfo, false},
		{"below default threshold", map[string]interface{}{"value": 0.03}, "", true},
		{"custom threshold", map[string]interface{}{"value": 0.03, "threshold": 0.01}, models.SeverityInfo, false},
		{"no value", map[string]interface{}{"indicator": "cpi"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := store.NewInMemoryStore()
			newTestStream(t, s, "str_eco", models.StreamTypeEconomic)
			c := NewClassifier(s)

			if _, err := c.Ingest(ctx, "str_eco", rawEvents(t, event("indicator", tt.data)), 0); err != nil {
				t.Fatalf("Ingest failed: %v", err)
			}
			alerts, _ := s.ListAlerts(ctx, 10)
			if tt.wantNone {
				if len(alerts) != 0 {
					t.Errorf("expected no alert, got %+v", alerts)
				}
				return
			}
			if len(alerts) != 1 || alerts[0].Severity != tt.want {
				t.Errorf("expected one %s alert, got %+v", tt.want, alerts)
			}
		})
	}
}

func TestIngest_EconomicNonNumericValue(t *testing.T) {
	s := store.NewInMemoryStore()
	newTestStream(t, s, "str_eco", models.StreamTypeEconomic)
	c := NewClassifier(s)

	res, err := c.Ingest(context.Background(), "str_eco", rawEvents(t, event("indicator", map[string]interface{}{"value": "high"})), 0)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.ProcessedEvents != 0 || res.Errors != 1 {
		t.Errorf("unexpected result: %+v", res)
	}
}

func TestExtractHashtags(t *testing.T) {
	got := ExtractHashtags("#Cameroon vs #Nigeria, allez #cameroon! #Éco_2026")
	want := []string{"cameroon", "nigeria", "éco_2026"}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("ExtractHashtags() = %v, want %v", got, want)
	}
	if len(ExtractHashtags("no tags here")) != 0 {
		t.Error("expected no hashtags")
	}
}

type failingRequester struct{}

func (failingRequester) RequestSentiment(context.Context, models.SentimentRequest) error {
	return errors.New("queue down")
}

func TestIngest_SentimentFailureDoesNotFailEvent(t *testing.T) {
	ctx := context.Background()
	s := store.NewInMemoryStore()
	newTestStream(t, s, "str_social", models.StreamTypeSocialMedia)
	c := NewClassifier(s, WithSentimentRequester(failingRequester{}), WithClock(func() time.Time { return testNow }))

	res, err := c.Ingest(ctx, "str_social", rawEvents(t, event("post", map[string]interface{}{"text": "Allez les lions #Cameroon"})), 0)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.ProcessedEvents != 1 || res.Errors != 0 {
		t.Errorf("sentiment is best effort, got %+v", res)
	}
	topics, _ := s.ListTrendingTopics(ctx, testNow.Add(-time.Hour), 10)
	if len(topics) != 1 || topics[0].Topic != "cameroon" {
		t.Errorf("hashtags should still be counted, got %+v", topics)
	}
}

type failingTrendStore struct {
	*store.InMemoryStore
	inserted []string
}

func (f *failingTrendStore) InsertAnalyticsEvent(ctx context.Context, ev models.AnalyticsEvent) error {
	f.inserted = append(f.inserted, ev.ID)
	return f.InMemoryStore.InsertAnalyticsEvent(ctx, ev)
}

func (f *failingTrendStore) RecordTrendingMention(context.Context, string, string, time.Time, time.Duration) (*models.TrendingTopic, error) {
	return nil, errors.New("disk full")
}

func TestIngest_FailedClassificationStillMarksEventProcessed(t *testing.T) {
	ctx := context.Background()
	s := &failingTrendStore{InMemoryStore: store.NewInMemoryStore()}
	newTestStream(t, s, "str_social", models.StreamTypeSocialMedia)
	c := NewClassifier(s)

	res, err := c.Ingest(ctx, "str_social", rawEvents(t, event("post", map[string]interface{}{"text": "#Douala"})), 0)
	if err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	if res.ProcessedEvents != 0 || res.Errors != 1 || !strings.Contains(res.ErrorDetails[0], "Event 0") {
		t.Errorf("unexpected result: %+v", res)
	}
	if len(s.inserted) != 1 {
		t.Fatalf("expected one stored event, got %d", len(s.inserted))
	}
	if ev, _ := s.GetAnalyticsEvent(ctx, s.inserted[0]); ev == nil || !ev.Processed {
		t.Errorf("stored event must not be left unprocessed: %+v", ev)
	}
}
