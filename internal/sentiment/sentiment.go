// Package sentiment scores text with OpenAI. Scoring runs out of band: the stream
// classifier enqueues sentiment_analysis jobs and the job handler stores the result.
package sentiment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"strings"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = string(openai.ChatModelGPT4oMini)

// Sentiment labels.
const (
	LabelPositive = "positive"
	LabelNegative = "negative"
	LabelNeutral  = "neutral"
)

// ErrNoChoicesReturned is returned when the completion has no choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

const systemPrompt = `You classify the sentiment of short public texts from Cameroon (social media posts, news).
Texts may be in English, French or Pidgin.
Reply with JSON only: {"label": "positive"|"negative"|"neutral", "score": <number between -1 and 1>}.`

// Score is the outcome of scoring one text.
type Score struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// Scorer scores the sentiment of a text.
type Scorer interface {
	Score(ctx context.Context, text string) (Score, error)
}

// chatService is the part of the OpenAI client used for chat completions.
type chatService interface {
	New(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) (*openai.ChatCompletion, error)
}

// Opts holds configuration options for the OpenAI scorer.
type Opts struct {
	APIKey string
	Model  string
}

// Option defines a configuration option for the OpenAI scorer.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key. Defaults to OPENAI_API_KEY.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithModel sets the chat model.
func WithModel(model string) Option {
	return func(o *Opts) { o.Model = model }
}

// OpenAIScorer scores text with an OpenAI chat model.
type OpenAIScorer struct {
	chat  chatService
	model string
}

// NewOpenAIScorer creates a scorer. It fails when no API key is configured.
func NewOpenAIScorer(opts ...Option) (*OpenAIScorer, error) {
	cfg := Opts{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}
	cli := openai.NewClient(option.WithAPIKey(cfg.APIKey))
	return &OpenAIScorer{chat: &cli.Chat.Completions, model: cfg.Model}, nil
}

// Score implements Scorer.
func (s *OpenAIScorer) Score(ctx context.Context, text string) (Score, error) {
	resp, err := s.chat.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(s.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(text),
		},
		Temperature: openai.Float(0),
	})
	if err != nil {
		return Score{}, fmt.Errorf("sentiment completion failed: %w", err)
	}
	if resp == nil || len(resp.Choices) == 0 {
		return Score{}, ErrNoChoicesReturned
	}
	return parseScore(resp.Choices[0].Message.Content)
}

// parseScore reads the model reply, tolerating code fences around the JSON.
func parseScore(content string) (Score, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var sc Score
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &sc); err != nil {
		return Score{}, fmt.Errorf("invalid sentiment reply %q: %w", content, err)
	}
	return normalize(sc), nil
}

func normalize(sc Score) Score {
	sc.Score = math.Max(-1, math.Min(1, sc.Score))
	switch strings.ToLower(strings.TrimSpace(sc.Label)) {
	case LabelPositive:
		sc.Label = LabelPositive
	case LabelNegative:
		sc.Label = LabelNegative
	default:
		sc.Label = LabelNeutral
	}
	return sc
}
