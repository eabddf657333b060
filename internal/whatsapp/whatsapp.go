// Package whatsapp connects DineFlow to WhatsApp Web through whatsmeow.
//
// The client pairs a device on first start by printing a QR code (or the raw
// pairing code), keeps its session in a SQLite or PostgreSQL device store,
// and sends plain text replies and notifications to customers and bars.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/BTreeMap/DineFlow/internal/store"
	"github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"
)

const (
	// DefaultSQLitePath is the device store used when no DSN is given.
	DefaultSQLitePath = "/var/lib/dineflow/whatsmeow.db"
	// DefaultLoginTimeout bounds the QR pairing flow.
	DefaultLoginTimeout = 3 * time.Minute
	// JIDSuffix is the server part of a personal WhatsApp JID.
	JIDSuffix = types.DefaultUserServer
)

var (
	ErrNotConnected = errors.New("whatsapp client not connected")
	ErrLoginTimeout = errors.New("whatsapp pairing timed out")
)

// Sender sends a text message to a canonical phone number.
type Sender interface {
	SendMessage(ctx context.Context, to string, body string) error
}

// Opts holds configuration options for the WhatsApp client.
type Opts struct {
	DBDSN        string // device store connection string
	QRPath       string // file that receives the pairing code; stdout when empty
	NumericCode  bool   // print the raw pairing code instead of a QR code
	LoginTimeout time.Duration
}

// Option defines a configuration option for the WhatsApp client.
type Option func(*Opts)

// WithDBDSN sets the device store connection string.
func WithDBDSN(dsn string) Option {
	return func(o *Opts) { o.DBDSN = dsn }
}

// WithQRCodeOutput writes the pairing code to path instead of stdout.
func WithQRCodeOutput(path string) Option {
	return func(o *Opts) { o.QRPath = path }
}

// WithNumericCode prints the raw pairing code instead of a QR code.
func WithNumericCode() Option {
	return func(o *Opts) { o.NumericCode = true }
}

// WithLoginTimeout bounds how long NewClient waits for the device to be paired.
func WithLoginTimeout(d time.Duration) Option {
	return func(o *Opts) { o.LoginTimeout = d }
}

// Client is a connected whatsmeow session.
type Client struct {
	waClient *whatsmeow.Client
}

// foreignKeysMissing reports whether dsn is a SQLite DSN without foreign
// keys enabled. whatsmeow's device tables depend on cascading deletes.
func foreignKeysMissing(dsn string) bool {
	if store.DetectDSNType(dsn) != "sqlite3" {
		return false
	}
	return !strings.Contains(dsn, "foreign_keys")
}

// NewClient opens the device store, pairs the device when it has no session
// yet, and connects.
func NewClient(ctx context.Context, opts ...Option) (*Client, error) {
	cfg := Opts{DBDSN: DefaultSQLitePath, LoginTimeout: DefaultLoginTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("whatsapp.NewClient: options", "dsn_set", cfg.DBDSN != "", "qrPath_set", cfg.QRPath != "",
		"numericCode", cfg.NumericCode, "loginTimeout", cfg.LoginTimeout)

	if foreignKeysMissing(cfg.DBDSN) {
		slog.Warn("whatsapp.NewClient: device store DSN does not enable foreign keys",
			"dsn_example", "file:"+cfg.DBDSN+"?_foreign_keys=on")
	}
	container, err := sqlstore.New(ctx, store.DetectDSNType(cfg.DBDSN), cfg.DBDSN, newLogger("whatsmeow.store"))
	if err != nil {
		return nil, fmt.Errorf("open whatsapp device store: %w", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, fmt.Errorf("load whatsapp device: %w", err)
	}

	waClient := whatsmeow.NewClient(device, newLogger("whatsmeow.client"))
	if waClient.Store.ID == nil {
		if err := pair(ctx, waClient, cfg); err != nil {
			waClient.Disconnect()
			return nil, err
		}
	} else if err := waClient.Connect(); err != nil {
		return nil, fmt.Errorf("connect to whatsapp: %w", err)
	}
	slog.Info("whatsapp.NewClient: connected", "jid", waClient.Store.ID)
	return &Client{waClient: waClient}, nil
}

// pair runs the QR login flow until the device is paired, the code expires
// or the timeout elapses.
func pair(ctx context.Context, waClient *whatsmeow.Client, cfg Opts) error {
	ctx, cancel := context.WithTimeout(ctx, cfg.LoginTimeout)
	defer cancel()

	qrChan, err := waClient.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("whatsapp pairing: %w", err)
	}
	if err := waClient.Connect(); err != nil {
		return fmt.Errorf("connect to whatsapp for pairing: %w", err)
	}

	out := io.Writer(os.Stdout)
	if cfg.QRPath != "" {
		f, err := os.Create(cfg.QRPath)
		if err != nil {
			return fmt.Errorf("create pairing code file: %w", err)
		}
		defer f.Close()
		out = f
	}
	slog.Info("whatsapp.pair: device not paired, waiting for scan", "output", cfg.QRPath)

	for {
		select {
		case <-ctx.Done():
			return ErrLoginTimeout
		case evt, ok := <-qrChan:
			if !ok {
				return ErrLoginTimeout
			}
			switch evt.Event {
			case "code":
				writeCode(out, evt.Code, cfg.NumericCode)
			case "success":
				slog.Info("whatsapp.pair: device paired")
				return nil
			default:
				slog.Warn("whatsapp.pair: pairing ended", "event", evt.Event)
				return fmt.Errorf("whatsapp pairing: %s", evt.Event)
			}
		}
	}
}

func writeCode(w io.Writer, code string, numeric bool) {
	if numeric {
		fmt.Fprintln(w, code)
		return
	}
	qrterminal.GenerateHalfBlock(code, qrterminal.L, w)
}

// SendMessage sends body to the canonical phone number to.
func (c *Client) SendMessage(ctx context.Context, to string, body string) error {
	if c.waClient == nil || c.waClient.Store == nil {
		return ErrNotConnected
	}
	if to == "" {
		return errors.New("whatsapp: empty recipient")
	}
	if body == "" {
		return errors.New("whatsapp: empty body")
	}
	jid := types.NewJID(to, JIDSuffix)
	if _, err := c.waClient.SendMessage(ctx, jid, &waE2E.Message{Conversation: &body}); err != nil {
		return fmt.Errorf("send whatsapp message to %s: %w", to, err)
	}
	slog.Debug("Client.SendMessage: sent", "to", to, "bodyLength", len(body))
	return nil
}

// GetClient returns the underlying whatsmeow client for event handling.
func (c *Client) GetClient() *whatsmeow.Client {
	return c.waClient
}

// Disconnect closes the websocket connection.
func (c *Client) Disconnect() {
	if c.waClient != nil {
		c.waClient.Disconnect()
	}
}

// slogLogger routes whatsmeow's logging through slog.
type slogLogger struct {
	l *slog.Logger
}

func newLogger(module string) waLog.Logger {
	return slogLogger{l: slog.Default().With("module", module)}
}

func (s slogLogger) Debugf(msg string, args ...interface{}) { s.l.Debug(fmt.Sprintf(msg, args...)) }
func (s slogLogger) Infof(msg string, args ...interface{})  { s.l.Info(fmt.Sprintf(msg, args...)) }
func (s slogLogger) Warnf(msg string, args ...interface{})  { s.l.Warn(fmt.Sprintf(msg, args...)) }
func (s slogLogger) Errorf(msg string, args ...interface{}) { s.l.Error(fmt.Sprintf(msg, args...)) }

func (s slogLogger) Sub(module string) waLog.Logger {
	return slogLogger{l: s.l.With("sub", module)}
}

// SentMessage is a message recorded by MockClient.
type SentMessage struct {
	To   string
	Body string
}

// MockClient implements Sender without a connection and records what it sends.
type MockClient struct {
	Err error // returned by SendMessage when set

	mu   sync.Mutex
	sent []SentMessage
}

func NewMockClient() *MockClient {
	return &MockClient{}
}

func (m *MockClient) SendMessage(ctx context.Context, to string, body string) error {
	if m.Err != nil {
		return m.Err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, SentMessage{To: to, Body: body})
	return nil
}

// Sent returns a copy of the recorded messages.
func (m *MockClient) Sent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]SentMessage(nil), m.sent...)
}
