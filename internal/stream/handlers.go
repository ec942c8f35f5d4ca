package stream

import (
	"context"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/camerpulse/pulsepipe/internal/models"
	"github.com/camerpulse/pulsepipe/internal/util"
)

const (
	// DefaultEconomicThreshold is the absolute change that raises an economic alert.
	DefaultEconomicThreshold = 0.05
	// EconomicWarningLevel is the absolute change above which the alert is a warning.
	EconomicWarningLevel = 0.10
	// minSentimentTextLength is the text length a social post must exceed to be scored.
	minSentimentTextLength = 10

	defaultTopicCategory = "general"
)

var hashtagPattern = regexp.MustCompile(`#([\p{L}\p{N}_]+)`)

var governmentAnnouncements = map[string]bool{
	"policy_change":       true,
	"emergency_alert":     true,
	"public_announcement": true,
}

// classify runs the handler of the stream's type.
func (c *Classifier) classify(ctx context.Context, cfg models.StreamConfig, ev models.AnalyticsEvent) error {
	switch cfg.StreamType {
	case models.StreamTypeSocialMedia:
		return c.handleSocial(ctx, cfg, ev)
	case models.StreamTypeNews:
		return c.handleNews(ctx, cfg, ev)
	case models.StreamTypeGovernment:
		return c.handleGovernment(ctx, cfg, ev)
	case models.StreamTypeEconomic:
		return c.handleEconomic(ctx, cfg, ev)
	default:
		return nil
	}
}

func (c *Classifier) handleSocial(ctx context.Context, cfg models.StreamConfig, ev models.AnalyticsEvent) error {
	text := stringField(ev.EventData, "text")
	if len([]rune(text)) > minSentimentTextLength {
		c.requestSentiment(ctx, models.SentimentRequest{
			Text:             text,
			Source:           string(models.StreamTypeSocialMedia),
			StreamID:         cfg.ID,
			AnalyticsEventID: ev.ID,
		})
	}

	category := stringField(ev.EventData, "category")
	if category == "" {
		category = defaultTopicCategory
	}
	now := c.now().UTC()
	for _, tag := range ExtractHashtags(text) {
		if _, err := c.repo.RecordTrendingMention(ctx, tag, category, now, c.window); err != nil {
			return fmt.Errorf("failed to record trending topic %s: %w", tag, err)
		}
	}
	return nil
}

func (c *Classifier) handleNews(ctx context.Context, cfg models.StreamConfig, ev models.AnalyticsEvent) error {
	text := strings.TrimSpace(stringField(ev.EventData, "title") + " " + stringField(ev.EventData, "content"))
	if text == "" {
		return nil
	}
	c.requestSentiment(ctx, models.SentimentRequest{
		Text:             text,
		Source:           "news",
		StreamID:         cfg.ID,
		AnalyticsEventID: ev.ID,
	})
	return nil
}

func (c *Classifier) handleGovernment(ctx context.Context, cfg models.StreamConfig, ev models.AnalyticsEvent) error {
	kind := stringField(ev.EventData, "announcement_type")
	if !governmentAnnouncements[kind] {
		return nil
	}
	severity := models.SeverityInfo
	if kind == "emergency_alert" {
		severity = models.SeverityCritical
	}
	title := stringField(ev.EventData, "title")
	if title == "" {
		title = "Government announcement: " + strings.ReplaceAll(kind, "_", " ")
	}
	return c.raiseAlert(ctx, cfg, kind, severity, title, stringField(ev.EventData, "content"), ev)
}

func (c *Classifier) handleEconomic(ctx context.Context, cfg models.StreamConfig, ev models.AnalyticsEvent) error {
	raw, ok := ev.EventData["value"]
	if !ok {
		return nil
	}
	value, ok := number(raw)
	if !ok {
		return fmt.Errorf("economic value must be numeric")
	}
	threshold := DefaultEconomicThreshold
	if t, ok := number(ev.EventData["threshold"]); ok {
		threshold = t
	}
	if math.Abs(value) <= threshold {
		return nil
	}

	severity := models.SeverityInfo
	if math.Abs(value) > EconomicWarningLevel {
		severity = models.SeverityWarning
	}
	indicator := stringField(ev.EventData, "indicator")
	if indicator == "" {
		indicator = ev.EventType
	}
	title := fmt.Sprintf("Economic indicator %s moved %.2f%%", indicator, value*100)
	message := fmt.Sprintf("%s changed by %.2f%%, above the %.2f%% threshold", indicator, value*100, threshold*100)
	return c.raiseAlert(ctx, cfg, "economic_indicator", severity, title, message, ev)
}

func (c *Classifier) raiseAlert(ctx context.Context, cfg models.StreamConfig, kind string, severity models.AlertSeverity, title, message string, ev models.AnalyticsEvent) error {
	alert := models.Alert{
		ID:        util.NewID(util.PrefixAlert),
		StreamID:  cfg.ID,
		AlertType: kind,
		Severity:  severity,
		Title:     title,
		Message:   message,
		Data:      ev.EventData,
		CreatedAt: c.now().UTC(),
	}
	if err := c.repo.AddAlert(ctx, alert); err != nil {
		return fmt.Errorf("failed to create alert: %w", err)
	}
	return nil
}

// ExtractHashtags returns the lower-cased hashtags of text, each once, in order of appearance.
func ExtractHashtags(text string) []string {
	matches := hashtagPattern.FindAllStringSubmatch(text, -1)
	seen := make(map[string]bool, len(matches))
	var tags []string
	for _, m := range matches {
		tag := strings.ToLower(m[1])
		if seen[tag] {
			continue
		}
		seen[tag] = true
		tags = append(tags, tag)
	}
	return tags
}

func stringField(data map[string]interface{}, key string) string {
	s, _ := data[key].(string)
	return s
}

func number(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	}
	return 0, false
}
