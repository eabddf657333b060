// Package flow implements the chat ordering conversation: bar discovery,
// menu browsing, one-tap orders and payment instructions.
package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/BTreeMap/DineFlow/internal/store"
)

// Order surfaces.
const (
	SurfaceChat = "chat"
	SurfaceFlow = "flow"
)

// Search limits.
const (
	NearbyRadiusKm = 10.0
	SearchLimit    = 5
	MenuListLimit  = 20
	MinQueryLength = 2
)

// ErrDataAccess wraps store failures seen while handling a message.
var ErrDataAccess = errors.New("data access failed")

var errOrderNotPending = errors.New("order is no longer pending")

func dataErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrDataAccess, op, err)
}

// Backend is the storage the pipeline reads and writes.
type Backend interface {
	store.CatalogStore
	store.OrderStore
	store.StateStore
}

// Reply is the answer to one inbound chat message.
type Reply struct {
	Text    string          `json:"reply"`
	State   models.StateKey `json:"state"`
	OrderID string          `json:"order_id,omitempty"`
}

// Pipeline runs the conversation state machine for chat messages.
type Pipeline struct {
	catalog store.CatalogStore
	states  *StateManager
	orders  *OrderService
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithOrderService replaces the default OrderService.
func WithOrderService(s *OrderService) Option {
	return func(p *Pipeline) { p.orders = s }
}

// NewPipeline creates a Pipeline over backend.
func NewPipeline(backend Backend, opts ...Option) *Pipeline {
	p := &Pipeline{
		catalog: backend,
		states:  NewStateManager(backend),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.orders == nil {
		p.orders = NewOrderService(backend)
	}
	return p
}

// Orders returns the OrderService used for chat orders.
func (p *Pipeline) Orders() *OrderService { return p.orders }

// outcome is the result of a handler: the reply and the state to persist.
type outcome struct {
	text    string
	key     models.StateKey
	data    models.SessionData
	orderID string
}

// Handle processes one inbound message. State is written only after the
// handler completes. On a store failure the reply is a generic retry message,
// the stored state is left as it was and the error wraps ErrDataAccess.
func (p *Pipeline) Handle(ctx context.Context, msg models.InboundMessage) (Reply, error) {
	if err := msg.Validate(); err != nil {
		return Reply{}, err
	}
	session := msg.From
	text := strings.TrimSpace(msg.Body)

	prev, err := p.states.Load(ctx, session)
	if err != nil {
		return p.snag(session, "load", nil, err)
	}

	// reset starts from an empty session; the stored record is only
	// replaced by the Save below.
	current := prev
	if cmd := strings.ToLower(text); cmd == "reset" || cmd == "restart" {
		current = nil
	}

	out, err := p.dispatch(ctx, msg, text, current)
	if err != nil {
		return p.snag(session, actionLabel(prev, text), prev, err)
	}
	if err := p.states.Save(ctx, session, out.key, out.data, current); err != nil {
		return p.snag(session, actionLabel(prev, text), prev, err)
	}
	slog.Debug("Pipeline.Handle: transition", "sessionID", session, "from", currentKey(prev), "to", out.key)
	return Reply{Text: out.text, State: out.key, OrderID: out.orderID}, nil
}

func (p *Pipeline) dispatch(ctx context.Context, msg models.InboundMessage, text string, prev *models.ConversationState) (outcome, error) {
	var data models.SessionData
	key := models.StateKey("")
	if prev != nil {
		if err := prev.Data.Validate(prev.Key); err != nil {
			slog.Warn("Pipeline.dispatch: invalid stored state, restarting discovery", "error", err, "sessionID", msg.From, "state", prev.Key)
		} else {
			key = prev.Key
			data = prev.Data
		}
		data.Extra = prev.Data.Extra
	}

	if strings.EqualFold(text, "bars") {
		return discoveryMenu(data), nil
	}

	switch key {
	case models.StateAwaitingDiscoveryChoice:
		return p.handleDiscoveryChoice(ctx, msg, text, data)
	case models.StateAwaitingLocation:
		return p.handleLocation(ctx, msg, text, data)
	case models.StateAwaitingName:
		return p.handleNameSearch(ctx, text, data)
	case models.StateAwaitingBarSelection:
		return p.handleBarSelection(ctx, text, data)
	case models.StateDineReady:
		return p.handleDineReady(ctx, data)
	case models.StateDineItems:
		return p.handleDineItems(ctx, msg, text, data)
	case models.StateDineOrder:
		return p.handleDineOrder(ctx, msg, text, data)
	}
	return discoveryMenu(data), nil
}

func (p *Pipeline) snag(session, action string, prev *models.ConversationState, err error) (Reply, error) {
	slog.Error("Pipeline.Handle: transition failed", "error", err, "sessionID", session, "action", action, "state", currentKey(prev))
	if !errors.Is(err, ErrDataAccess) {
		err = fmt.Errorf("%w: %w", ErrDataAccess, err)
	}
	return Reply{Text: SnagMessage, State: currentKey(prev)}, err
}

func currentKey(st *models.ConversationState) models.StateKey {
	if st == nil {
		return ""
	}
	return st.Key
}

func actionLabel(prev *models.ConversationState, text string) string {
	if len(text) > 32 {
		text = text[:32]
	}
	return fmt.Sprintf("%s:%q", currentKey(prev), text)
}

// discoveryMenu drops any bound bar and search results and asks how to find
// a bar. Unrelated session data is kept.
func discoveryMenu(data models.SessionData) outcome {
	return outcome{
		text: DiscoveryMenuMessage,
		key:  models.StateAwaitingDiscoveryChoice,
		data: models.SessionData{Extra: data.Extra},
	}
}
