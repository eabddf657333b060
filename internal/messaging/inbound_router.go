package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/BTreeMap/DineFlow/internal/flow"
	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/BTreeMap/DineFlow/internal/store"
)

// Handler runs one inbound chat message through the order pipeline.
type Handler interface {
	Handle(ctx context.Context, msg models.InboundMessage) (flow.Reply, error)
}

// Result is the outcome of routing one inbound message.
type Result struct {
	Reply     flow.Reply
	Duplicate bool
}

// InboundRouter dedups inbound messages by transport message id, runs them
// through the pipeline and queues the reply for delivery.
type InboundRouter struct {
	handler  Handler
	dedup    store.DedupRepo
	notifier *Notifier
	wg       sync.WaitGroup
}

// NewInboundRouter creates an InboundRouter. dedup may be nil to disable
// deduplication and notifier may be nil to skip reply delivery.
func NewInboundRouter(handler Handler, dedup store.DedupRepo, notifier *Notifier) *InboundRouter {
	return &InboundRouter{handler: handler, dedup: dedup, notifier: notifier}
}

// Route handles msg. A message whose id was already seen is not processed
// again and yields Result.Duplicate. When deliver is set the reply text is
// queued for sending to the customer, including the retry message returned
// on store failures.
func (r *InboundRouter) Route(ctx context.Context, msg models.InboundMessage, deliver bool) (Result, error) {
	if err := msg.Validate(); err != nil {
		return Result{}, err
	}
	if r.dedup != nil && msg.ID != "" {
		fresh, err := r.dedup.RecordInbound(ctx, msg.ID, msg.From)
		if err != nil {
			return Result{}, fmt.Errorf("%w: record inbound: %w", flow.ErrDataAccess, err)
		}
		if !fresh {
			slog.Info("InboundRouter.Route: duplicate message ignored", "messageID", msg.ID, "from", msg.From)
			return Result{Duplicate: true}, nil
		}
	}

	reply, err := r.handler.Handle(ctx, msg)
	if err != nil && reply.Text == "" {
		return Result{}, err
	}
	if deliver && r.notifier != nil {
		if _, qerr := r.notifier.Send(flow.Notification{
			Recipient:     msg.From,
			Kind:          flow.NotifyChatReply,
			Body:          reply.Text,
			CorrelationID: msg.ID,
		}); qerr != nil {
			slog.Error("InboundRouter.Route: reply not queued", "error", qerr, "from", msg.From)
		}
	}
	if err == nil && r.dedup != nil && msg.ID != "" {
		if merr := r.dedup.MarkProcessed(ctx, msg.ID); merr != nil {
			slog.Warn("InboundRouter.Route: mark processed failed", "error", merr, "messageID", msg.ID)
		}
	}
	return Result{Reply: reply}, err
}

// Start consumes the service's inbound channel until ctx is done or the
// channel closes. Wait blocks until the loop has exited.
func (r *InboundRouter) Start(ctx context.Context, service Service) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		slog.Info("InboundRouter started")
		defer slog.Info("InboundRouter stopped")
		for {
			select {
			case msg, ok := <-service.Responses():
				if !ok {
					return
				}
				if _, err := r.Route(ctx, msg, true); err != nil && !errors.Is(err, flow.ErrDataAccess) {
					slog.Error("InboundRouter: failed to route message", "error", err, "from", msg.From)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Wait blocks until the loop started by Start has exited.
func (r *InboundRouter) Wait() {
	r.wg.Wait()
}
