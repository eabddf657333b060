package messaging

import (
	"context"
	"log/slog"
	"time"

	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/BTreeMap/DineFlow/internal/whatsapp"
	"go.mau.fi/whatsmeow/types/events"
)

// WhatsAppService implements Service using the Whatsmeow-based whatsapp client.
type WhatsAppService struct {
	client   whatsapp.Sender
	waClient *whatsapp.Client // set when client is a live connection
	ch       *channels
}

// NewWhatsAppService creates a new WhatsAppService wrapping the given Sender.
func NewWhatsAppService(client whatsapp.Sender) *WhatsAppService {
	service := &WhatsAppService{client: client, ch: newChannels()}
	if waClient, ok := client.(*whatsapp.Client); ok {
		service.waClient = waClient
		slog.Debug("WhatsAppService created with full client for event handling")
	} else {
		slog.Debug("WhatsAppService created with interface client (likely mock)")
	}
	return service
}

// ValidateAndCanonicalizeRecipient validates and canonicalizes a WhatsApp phone number.
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return CanonicalizePhone(recipient)
}

// Start registers the whatsmeow event handler when a live client is present.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		slog.Debug("WhatsAppService.Start: no live client, skipping event handling")
		return nil
	}
	s.waClient.GetClient().AddEventHandler(func(evt interface{}) {
		switch v := evt.(type) {
		case *events.Message:
			s.handleIncomingMessage(v)
		case *events.Receipt:
			s.handleMessageReceipt(v)
		}
	})
	slog.Debug("WhatsAppService.Start: event handler registered")
	return nil
}

// Stop closes the event channels and disconnects a live client.
func (s *WhatsAppService) Stop() error {
	s.ch.stop()
	if s.waClient != nil {
		s.waClient.Disconnect()
	}
	slog.Info("WhatsAppService stopped and channels closed")
	return nil
}

// SendMessage sends a message and emits a sent receipt.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	if s.ch.isStopped() {
		return ErrServiceStopped
	}
	canonicalTo, err := s.ValidateAndCanonicalizeRecipient(to)
	if err != nil {
		slog.Error("WhatsAppService.SendMessage: invalid recipient", "error", err, "to", to)
		return err
	}
	if err := s.client.SendMessage(ctx, canonicalTo, body); err != nil {
		slog.Error("WhatsAppService.SendMessage: send failed", "error", err, "to", canonicalTo)
		return err
	}
	s.ch.emitReceipt("WhatsAppService", models.Receipt{To: canonicalTo, Status: models.MessageStatusSent, Time: time.Now().Unix()})
	return nil
}

// Receipts returns a channel of receipt events.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.ch.receipts
}

// Responses returns a channel of inbound customer messages.
func (s *WhatsAppService) Responses() <-chan models.InboundMessage {
	return s.ch.responses
}

// inboundFromEvent converts a whatsmeow message event. ok is false for
// message kinds the pipeline cannot use (media, reactions, own messages).
func inboundFromEvent(evt *events.Message) (models.InboundMessage, bool) {
	if evt == nil || evt.Message == nil || evt.Info.IsFromMe || evt.Info.IsGroup {
		return models.InboundMessage{}, false
	}
	msg := models.InboundMessage{
		ID:   evt.Info.ID,
		From: evt.Info.Sender.User,
		Time: evt.Info.Timestamp.Unix(),
	}
	switch {
	case evt.Message.GetConversation() != "":
		msg.Body = evt.Message.GetConversation()
	case evt.Message.GetExtendedTextMessage().GetText() != "":
		msg.Body = evt.Message.GetExtendedTextMessage().GetText()
	case evt.Message.GetLocationMessage() != nil:
		loc := evt.Message.GetLocationMessage()
		lat, lon := loc.GetDegreesLatitude(), loc.GetDegreesLongitude()
		msg.Latitude, msg.Longitude = &lat, &lon
		msg.Body = loc.GetName()
	default:
		return models.InboundMessage{}, false
	}
	if err := msg.Validate(); err != nil {
		slog.Warn("inboundFromEvent: invalid message", "error", err, "from", msg.From)
		return models.InboundMessage{}, false
	}
	return msg, true
}

func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	msg, ok := inboundFromEvent(evt)
	if !ok {
		slog.Debug("WhatsAppService.handleIncomingMessage: ignoring message", "from", evt.Info.Sender.String())
		return
	}
	s.ch.emitInbound("WhatsAppService", msg)
}

// handleMessageReceipt processes delivery and read receipts
func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case events.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case events.ReceiptTypeRead:
		status = models.MessageStatusRead
	default:
		return
	}
	s.ch.emitReceipt("WhatsAppService", models.Receipt{
		To:     evt.MessageSource.Sender.User,
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}
