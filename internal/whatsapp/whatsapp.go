// Package whatsapp wraps the Whatsmeow client for direct WhatsApp delivery in PulsePipe.
//
// It is the alternative to the Twilio WhatsApp transport and is enabled by WHATSAPP_DB_DSN.
package whatsapp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/camerpulse/pulsepipe/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath is the whatsmeow session store used when no DSN is given.
	DefaultSQLitePath = "/var/lib/pulsepipe/whatsmeow.db"
	// JIDSuffix is the WhatsApp server of regular user JIDs.
	JIDSuffix = types.DefaultUserServer
)

// Sender sends a WhatsApp text message and returns the provider message id.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) (string, error)
}

// Opts holds the session store and device-linking settings of the WhatsApp client.
type Opts struct {
	DBDSN       string // whatsmeow session store, SQLite path or Postgres URL
	QRPath      string // where to write the login QR code, stdout when empty
	NumericCode bool   // print the raw login code instead of a QR code
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the WhatsApp/whatsmeow database connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) {
		o.DBDSN = dsn
	}
}

// WithQRCodeOutput instructs the WhatsApp client to write the login QR code to the specified path.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) {
		o.QRPath = path
	}
}

// WithNumericCode instructs the WhatsApp client to use numeric login code instead of QR code.
func WithNumericCode() Option {
	return func(o *Opts) {
		o.NumericCode = true
	}
}

// Client delivers WhatsApp notifications over a linked whatsmeow device.
type Client struct {
	waClient *whatsmeow.Client
}

// storeDriver picks the whatsmeow sqlstore driver for dsn. SQLite DSNs get
// foreign keys switched on, which whatsmeow requires for its session tables.
func storeDriver(dsn string) (driver, normalized string) {
	if store.DetectDSNType(dsn) == "postgres" {
		return "postgres", dsn
	}
	if strings.Contains(dsn, "foreign_keys") {
		return "sqlite3", dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	if !strings.HasPrefix(dsn, "file:") {
		dsn = "file:" + dsn
	}
	return "sqlite3", dsn + sep + "_foreign_keys=on"
}

// NewClient opens the whatsmeow session store, links the device if needed and
// connects. Linking blocks until the QR code (or numeric code) has been used.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.DBDSN == "" {
		cfg.DBDSN = DefaultSQLitePath
	}
	driver, dsn := storeDriver(cfg.DBDSN)
	slog.Debug("whatsapp.NewClient: opening session store", "driver", driver, "qrPathSet", cfg.QRPath != "", "numericCode", cfg.NumericCode)

	ctx := context.Background()
	container, err := sqlstore.New(ctx, driver, dsn, waLog.Stdout("Database", "WARN", true))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize WhatsApp session store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load WhatsApp device: %w", err)
	}

	waClient := whatsmeow.NewClient(device, waLog.Stdout("Client", "WARN", true))
	if waClient.Store.ID == nil {
		err = link(ctx, waClient, cfg)
	} else {
		err = waClient.Connect()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to connect to WhatsApp: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected", "jid", waClient.Store.ID)
	return &Client{waClient: waClient}, nil
}

// link runs the device pairing flow, printing each login code as a terminal QR
// code or as plain text to stdout or cfg.QRPath.
func link(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	slog.Info("whatsapp.link: device not linked, waiting for pairing")
	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return err
	}
	if err := waClient.Connect(); err != nil {
		return err
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("failed to create QR file: %w", err)
		}
		defer f.Close()
		out = f
	}
	for evt := range qrChan {
		if evt.Event != whatsmeow.QRChannelEventCode {
			slog.Info("whatsapp.link: pairing event", "event", evt.Event)
			continue
		}
		if cfg.NumericCode {
			fmt.Fprintln(out, evt.Code)
		} else {
			qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, out)
		}
	}
	return nil
}

// SendMessage sends a WhatsApp message to the specified recipient and returns the message id.
// The recipient is a phone number in international format; a leading '+' is ignored.
func (c *Client) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if c.waClient == nil {
		return "", fmt.Errorf("whatsapp client not initialized")
	}
	if c.waClient.Store == nil {
		return "", fmt.Errorf("whatsapp client store not available")
	}
	user := NormalizeRecipient(to)
	if user == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	if body == "" {
		return "", fmt.Errorf("message body cannot be empty")
	}

	slog.Debug("Client.SendMessage: sending", "to", user, "bodyLength", len(body))
	jid := types.NewJID(user, JIDSuffix)
	msg := &waE2E.Message{Conversation: &body}

	resp, err := c.waClient.SendMessage(ctx, jid, msg)
	if err != nil {
		slog.Error("Client.SendMessage: send failed", "to", user, "error", err)
		return "", fmt.Errorf("failed to send message to %s: %w", user, err)
	}

	slog.Debug("Client.SendMessage: sent", "to", user, "id", resp.ID)
	return string(resp.ID), nil
}

// NormalizeRecipient strips formatting from a phone number so it can be used as a JID user.
func NormalizeRecipient(to string) string {
	to = strings.TrimPrefix(strings.TrimSpace(to), "whatsapp:")
	var b strings.Builder
	for _, r := range to {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// Disconnect closes the connection to the WhatsApp servers.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// MockClient records messages instead of sending them (for tests).
type MockClient struct {
	Sent []SentMessage
	Err  error
}

// SentMessage is a message captured by MockClient.
type SentMessage struct {
	To   string
	Body string
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) (string, error) {
	if m.Err != nil {
		return "", m.Err
	}
	m.Sent = append(m.Sent, SentMessage{To: to, Body: body})
	return fmt.Sprintf("wamid-%d", len(m.Sent)), nil
}
