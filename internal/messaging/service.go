// Package messaging delivers chat messages over WhatsApp transports and feeds
// inbound customer messages into the order pipeline.
package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sync"
	"time"

	"github.com/BTreeMap/DineFlow/internal/models"
)

const (
	// DefaultChannelBufferSize defines the default buffer size for receipt and inbound channels
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout defines the default timeout for non-blocking channel operations
	DefaultChannelTimeout = 1 * time.Second
	// MinPhoneDigits is the shortest accepted recipient number
	MinPhoneDigits = 6
)

// ErrServiceStopped is returned by sends after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

var phoneNumberRegex = regexp.MustCompile(`\D`)

// Service defines a pluggable message delivery abstraction.
// It supports sending messages, and provides channels for receipt and inbound events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates and canonicalizes a recipient identifier.
	// Returns the canonicalized recipient and an error if validation fails.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g., event handlers).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of receipt events (sent, delivered, read).
	Receipts() <-chan models.Receipt

	// Responses returns a channel of inbound customer messages.
	Responses() <-chan models.InboundMessage
}

// CanonicalizePhone strips everything but digits from a phone number or
// WhatsApp address such as "whatsapp:+250 788 123 456".
func CanonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < MinPhoneDigits {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum %d digits required)", canonical, MinPhoneDigits)
	}
	if canonical != recipient {
		slog.Debug("CanonicalizePhone: recipient modified", "original", recipient, "canonical", canonical)
	}
	return canonical, nil
}

// channels holds the receipt and inbound channels shared by the services.
// Emits never block longer than DefaultChannelTimeout and are dropped once
// the service is stopped.
type channels struct {
	mu        sync.RWMutex
	receipts  chan models.Receipt
	responses chan models.InboundMessage
	done      chan struct{}
	closeDone sync.Once
	stopped   bool
}

func newChannels() *channels {
	return &channels{
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.InboundMessage, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
}

func (c *channels) isStopped() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stopped
}

func (c *channels) emitReceipt(name string, r models.Receipt) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		return
	}
	select {
	case c.receipts <- r:
	case <-c.done:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(name+": receipts channel blocked, dropping receipt", "to", r.To, "status", r.Status)
	}
}

func (c *channels) emitInbound(name string, m models.InboundMessage) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.stopped {
		slog.Warn(name+": dropping inbound message (service stopped)", "from", m.From)
		return false
	}
	select {
	case c.responses <- m:
		slog.Debug(name+": inbound message forwarded", "from", m.From, "messageID", m.ID)
		return true
	case <-c.done:
		return false
	case <-time.After(DefaultChannelTimeout):
		slog.Warn(name+": responses channel blocked, dropping message", "from", m.From, "timeout", DefaultChannelTimeout)
		return false
	}
}

// stop wakes blocked emits, then closes the event channels once they return.
func (c *channels) stop() {
	c.closeDone.Do(func() { close(c.done) })
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}
	c.stopped = true
	close(c.receipts)
	close(c.responses)
}
