package messaging

import (
	"context"
	"fmt"

	"github.com/BTreeMap/DineFlow/internal/dispatch"
	"github.com/BTreeMap/DineFlow/internal/flow"
)

// Enqueuer accepts send tasks. *dispatch.Dispatcher implements it.
type Enqueuer interface {
	Enqueue(meta dispatch.TaskMeta, fn dispatch.SendFunc) (*dispatch.Ticket, error)
}

// Notifier delivers flow notifications through a Service, paced and retried
// by a dispatcher. It implements flow.Notifier.
type Notifier struct {
	service Service
	queue   Enqueuer
}

// NewNotifier creates a Notifier.
func NewNotifier(service Service, queue Enqueuer) *Notifier {
	return &Notifier{service: service, queue: queue}
}

// Notify queues n and returns without waiting for delivery. Errors are limited
// to rejected recipients and a full or closed queue.
func (n *Notifier) Notify(ctx context.Context, note flow.Notification) error {
	_, err := n.Send(note)
	return err
}

// Send queues note and returns the delivery ticket.
func (n *Notifier) Send(note flow.Notification) (*dispatch.Ticket, error) {
	to, err := n.service.ValidateAndCanonicalizeRecipient(note.Recipient)
	if err != nil {
		return nil, fmt.Errorf("notification %s: %w", note.Kind, err)
	}
	body := note.Body
	meta := dispatch.TaskMeta{
		Recipient:     to,
		MessageType:   note.Kind,
		CorrelationID: note.CorrelationID,
		Payload:       body,
	}
	return n.queue.Enqueue(meta, func(ctx context.Context) error {
		return n.service.SendMessage(ctx, to, body)
	})
}
