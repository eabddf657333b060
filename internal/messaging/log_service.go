package messaging

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/BTreeMap/DineFlow/internal/models"
)

// LogService is a Service that logs and records outbound messages instead of
// delivering them. Inbound messages can be injected with Receive.
type LogService struct {
	mu   sync.Mutex
	sent []SentMessage
	fail error
	ch   *channels
}

// SentMessage is an outbound message recorded by LogService.
type SentMessage struct {
	To   string
	Body string
}

// NewLogService creates a LogService.
func NewLogService() *LogService {
	return &LogService{ch: newChannels()}
}

func (s *LogService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

func (s *LogService) Start(ctx context.Context) error { return nil }

func (s *LogService) Stop() error {
	s.ch.stop()
	return nil
}

// SendMessage records the message. It returns the error set by FailWith, if any.
func (s *LogService) SendMessage(ctx context.Context, to string, body string) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		return err
	}
	s.mu.Lock()
	if s.fail != nil {
		err := s.fail
		s.mu.Unlock()
		return err
	}
	s.sent = append(s.sent, SentMessage{To: canonicalTo, Body: body})
	s.mu.Unlock()

	slog.Info("LogService.SendMessage: message", "to", canonicalTo, "body", body)
	s.ch.emitReceipt("LogService", models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// FailWith makes subsequent sends return err; nil restores delivery.
func (s *LogService) FailWith(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail = err
}

// Sent returns a copy of the recorded messages.
func (s *LogService) Sent() []SentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]SentMessage(nil), s.sent...)
}

// Receive injects an inbound message as if a customer had sent it.
func (s *LogService) Receive(msg models.InboundMessage) bool {
	return s.ch.emitInbound("LogService", msg)
}

func (s *LogService) Receipts() <-chan models.Receipt {
	return s.ch.receipts
}

func (s *LogService) Responses() <-chan models.InboundMessage {
	return s.ch.responses
}
