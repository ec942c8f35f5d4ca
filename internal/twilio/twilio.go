// Package twilio wraps the Twilio REST API for SMS and WhatsApp delivery in PulsePipe.
package twilio

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/twilio/twilio-go"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"
)

// Sender sends text messages over Twilio and returns the provider message SID.
type Sender interface {
	SendSMS(ctx context.Context, to string, body string) (string, error)
	SendWhatsApp(ctx context.Context, to string, body string) (string, error)
}

// Opts holds configuration options for the Twilio client.
type Opts struct {
	AccountSID   string
	AuthToken    string
	FromNumber   string
	WhatsAppFrom string
}

// Option defines a configuration option for the Twilio client.
type Option func(*Opts)

// WithAccountSID sets the Twilio account SID.
func WithAccountSID(sid string) Option {
	return func(o *Opts) { o.AccountSID = sid }
}

// WithAuthToken sets the Twilio auth token.
func WithAuthToken(token string) Option {
	return func(o *Opts) { o.AuthToken = token }
}

// WithFromNumber sets the SMS sender number in E.164 format.
func WithFromNumber(from string) Option {
	return func(o *Opts) { o.FromNumber = from }
}

// WithWhatsAppFrom sets the WhatsApp sender, with or without the "whatsapp:" prefix.
func WithWhatsAppFrom(from string) Option {
	return func(o *Opts) { o.WhatsAppFrom = from }
}

// Client wraps the Twilio REST client.
type Client struct {
	client       *twilio.RestClient
	fromNumber   string
	whatsAppFrom string // "whatsapp:+1234567890" format
}

// NewClient builds a Twilio client. Missing options fall back to the
// TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER and TWILIO_WHATSAPP_FROM
// environment variables.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	// Fallback to environment variables if not provided via options
	if cfg.AccountSID == "" {
		cfg.AccountSID = os.Getenv("TWILIO_ACCOUNT_SID")
	}
	if cfg.AuthToken == "" {
		cfg.AuthToken = os.Getenv("TWILIO_AUTH_TOKEN")
	}
	if cfg.FromNumber == "" {
		cfg.FromNumber = os.Getenv("TWILIO_FROM_NUMBER")
	}
	if cfg.WhatsAppFrom == "" {
		cfg.WhatsAppFrom = os.Getenv("TWILIO_WHATSAPP_FROM")
	}
	slog.Debug("Twilio client config loaded",
		"AccountSID_set", cfg.AccountSID != "",
		"AuthToken_set", cfg.AuthToken != "",
		"FromNumber_set", cfg.FromNumber != "",
		"WhatsAppFrom_set", cfg.WhatsAppFrom != "")

	if cfg.AccountSID == "" || cfg.AuthToken == "" {
		return nil, fmt.Errorf("account SID and auth token must be provided")
	}
	if cfg.FromNumber == "" && cfg.WhatsAppFrom == "" {
		return nil, fmt.Errorf("a from number or WhatsApp sender must be provided")
	}

	client := twilio.NewRestClientWithParams(
		twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		},
	)

	whatsAppFrom := cfg.WhatsAppFrom
	if whatsAppFrom != "" && !strings.HasPrefix(whatsAppFrom, "whatsapp:") {
		whatsAppFrom = "whatsapp:" + whatsAppFrom
	}
	return &Client{
		client:       client,
		fromNumber:   cfg.FromNumber,
		whatsAppFrom: whatsAppFrom,
	}, nil
}

// CanSendSMS reports whether an SMS sender number is configured.
func (c *Client) CanSendSMS() bool { return c.fromNumber != "" }

// CanSendWhatsApp reports whether a WhatsApp sender is configured.
func (c *Client) CanSendWhatsApp() bool { return c.whatsAppFrom != "" }

// SendSMS sends a text message and returns the message SID.
func (c *Client) SendSMS(ctx context.Context, to string, body string) (string, error) {
	if c.fromNumber == "" {
		return "", fmt.Errorf("sms sender number not configured")
	}
	return c.create(ctx, to, c.fromNumber, body)
}

// SendWhatsApp sends a WhatsApp message and returns the message SID.
func (c *Client) SendWhatsApp(ctx context.Context, to string, body string) (string, error) {
	if c.whatsAppFrom == "" {
		return "", fmt.Errorf("whatsapp sender not configured")
	}
	if !strings.HasPrefix(to, "whatsapp:") {
		to = "whatsapp:" + to
	}
	return c.create(ctx, to, c.whatsAppFrom, body)
}

func (c *Client) create(ctx context.Context, to, from, body string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	params := &twilioApi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(from)
	params.SetBody(body)

	resp, err := c.client.Api.CreateMessage(params)
	if err != nil {
		slog.Error("Twilio CreateMessage failed", "to", to, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", to, err)
	}
	sid := ""
	if resp != nil && resp.Sid != nil {
		sid = *resp.Sid
	}
	slog.Debug("Twilio message sent", "to", to, "sid", sid)
	return sid, nil
}

// MockClient records messages instead of sending them.
type MockClient struct {
	mu           sync.Mutex
	SentMessages []SentMessage
	Err          error
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	Channel string
	To      string
	Body    string
}

// NewMockClient creates a MockClient.
func NewMockClient() *MockClient {
	return &MockClient{SentMessages: []SentMessage{}}
}

func (m *MockClient) record(channel, to, body string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.Err != nil {
		return "", m.Err
	}
	m.SentMessages = append(m.SentMessages, SentMessage{Channel: channel, To: to, Body: body})
	return fmt.Sprintf("SM%032d", len(m.SentMessages)), nil
}

func (m *MockClient) SendSMS(ctx context.Context, to string, body string) (string, error) {
	return m.record("sms", to, body)
}

func (m *MockClient) SendWhatsApp(ctx context.Context, to string, body string) (string, error) {
	return m.record("whatsapp", to, body)
}
