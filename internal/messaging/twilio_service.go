package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/BTreeMap/DineFlow/internal/twiliowhatsapp"
)

// SignatureValidator verifies Twilio webhook signatures.
type SignatureValidator interface {
	ValidateSignature(url string, params map[string]string, signature string) bool
}

// TwilioService implements the Service interface using Twilio API
type TwilioService struct {
	client    twiliowhatsapp.Sender
	validator SignatureValidator
	publicURL string
	ch        *channels
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSignatureValidation rejects webhook calls whose X-Twilio-Signature does
// not match publicURL, the externally visible webhook address.
func WithSignatureValidation(v SignatureValidator, publicURL string) TwilioOption {
	return func(s *TwilioService) {
		s.validator = v
		s.publicURL = publicURL
	}
}

// NewTwilioService creates a new TwilioService sending through client.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{client: client, ch: newChannels()}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start is a no-op for Twilio; inbound messages arrive through the webhook.
func (s *TwilioService) Start(ctx context.Context) error {
	return nil
}

// Stop closes channels and stops the service
func (s *TwilioService) Stop() error {
	s.ch.stop()
	return nil
}

// SendMessage sends a message via Twilio and emits a receipt
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("TwilioService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		return err
	}
	s.ch.emitReceipt("TwilioService", models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns the channel for sent message receipts
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.ch.receipts
}

// Responses returns the channel of inbound messages received by the webhook.
func (s *TwilioService) Responses() <-chan models.InboundMessage {
	return s.ch.responses
}

// TwilioWebhookHandler handles inbound Twilio webhook requests.
// Text and location messages are emitted on Responses(); the reply is sent
// asynchronously, so the webhook answers with an empty TwiML document.
func (s *TwilioService) TwilioWebhookHandler(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService.TwilioWebhookHandler: failed to parse form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if s.validator != nil {
		params := make(map[string]string, len(r.PostForm))
		for k := range r.PostForm {
			params[k] = r.PostForm.Get(k)
		}
		if !s.validator.ValidateSignature(s.publicURL, params, r.Header.Get("X-Twilio-Signature")) {
			slog.Warn("TwilioService.TwilioWebhookHandler: signature mismatch")
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}
	}

	msg, err := parseTwilioForm(r)
	if err != nil {
		slog.Warn("TwilioService.TwilioWebhookHandler: rejected", "error", err)
		http.Error(w, "Missing required fields", http.StatusBadRequest)
		return
	}
	slog.Info("TwilioService.TwilioWebhookHandler: inbound message", "from", msg.From, "messageID", msg.ID, "has_location", msg.HasLocation())

	if !s.ch.emitInbound("TwilioService", msg) {
		// Twilio retries non-2xx answers
		http.Error(w, "Service unavailable", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)
}

func parseTwilioForm(r *http.Request) (models.InboundMessage, error) {
	from := strings.TrimPrefix(r.FormValue("From"), "whatsapp:")
	canonical, err := CanonicalizePhone(from)
	if err != nil {
		return models.InboundMessage{}, err
	}
	msg := models.InboundMessage{
		ID:   r.FormValue("MessageSid"),
		From: canonical,
		Body: r.FormValue("Body"),
		Time: time.Now().Unix(),
	}
	if lat, lon := r.FormValue("Latitude"), r.FormValue("Longitude"); lat != "" && lon != "" {
		la, err1 := strconv.ParseFloat(lat, 64)
		lo, err2 := strconv.ParseFloat(lon, 64)
		if err1 == nil && err2 == nil {
			msg.Latitude, msg.Longitude = &la, &lo
		}
	}
	if msg.Body == "" && !msg.HasLocation() {
		return models.InboundMessage{}, fmt.Errorf("message from %s has neither body nor location", canonical)
	}
	if err := msg.Validate(); err != nil {
		return models.InboundMessage{}, err
	}
	return msg, nil
}
