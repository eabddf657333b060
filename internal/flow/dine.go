package flow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/BTreeMap/DineFlow/internal/models"
)

// loadBoundBar fetches the bar bound to the session. A missing or closed bar
// sends the customer back to name search.
func (p *Pipeline) loadBoundBar(ctx context.Context, data models.SessionData) (*models.Bar, *outcome, error) {
	bar, err := p.catalog.GetBar(ctx, data.BarID)
	if err != nil {
		return nil, nil, dataErr("get bar", err)
	}
	if bar == nil || !bar.Active {
		slog.Warn("Pipeline.loadBoundBar: bound bar missing", "barID", data.BarID)
		return nil, &outcome{text: barLoadFailedText, key: models.StateAwaitingName, data: models.SessionData{Extra: data.Extra}}, nil
	}
	return bar, nil, nil
}

func (p *Pipeline) handleDineReady(ctx context.Context, data models.SessionData) (outcome, error) {
	bar, fallback, err := p.loadBoundBar(ctx, data)
	if err != nil || fallback != nil {
		return derefOutcome(fallback), err
	}
	return p.showMenu(ctx, *bar, data)
}

func (p *Pipeline) handleDineItems(ctx context.Context, msg models.InboundMessage, text string, data models.SessionData) (outcome, error) {
	bar, fallback, err := p.loadBoundBar(ctx, data)
	if err != nil || fallback != nil {
		return derefOutcome(fallback), err
	}
	if strings.EqualFold(text, "menu") {
		return p.showMenu(ctx, *bar, data)
	}
	n, convErr := strconv.Atoi(text)
	if convErr != nil || n < 1 || n > len(data.MenuItems) {
		return outcome{
			text: fmt.Sprintf("Please reply with an item number between 1 and %d, or \"menu\" to see the menu again.", len(data.MenuItems)),
			key:  models.StateDineItems,
			data: data,
		}, nil
	}
	return p.orderItem(ctx, msg, *bar, data.MenuItems[n-1].ID, data)
}

func (p *Pipeline) orderItem(ctx context.Context, msg models.InboundMessage, bar models.Bar, itemID string, data models.SessionData) (outcome, error) {
	item, err := p.catalog.GetItem(ctx, itemID)
	if err != nil {
		return outcome{}, dataErr("get item", err)
	}
	if item == nil || !item.Available || item.BarID != bar.ID {
		slog.Warn("Pipeline.orderItem: item unavailable", "barID", bar.ID, "itemID", itemID)
		out, err := p.showMenu(ctx, bar, data)
		if err != nil {
			return outcome{}, err
		}
		out.text = itemUnavailableText + "\n\n" + out.text
		return out, nil
	}
	order, err := p.orders.PlaceOrder(ctx, msg.From, bar, *item, SurfaceChat)
	if err != nil {
		return outcome{}, err
	}
	data.LastOrderID = order.ID
	return outcome{text: orderPlacedMessage(order), key: models.StateDineOrder, data: data, orderID: order.ID}, nil
}

func (p *Pipeline) handleDineOrder(ctx context.Context, msg models.InboundMessage, text string, data models.SessionData) (outcome, error) {
	cmd := strings.ToLower(text)
	if cmd != "paid" && cmd != "cancel" {
		if cmd == "menu" {
			return p.handleDineItems(ctx, msg, text, data)
		}
		if _, err := strconv.Atoi(text); err == nil && len(data.MenuItems) > 0 {
			return p.handleDineItems(ctx, msg, text, data)
		}
		return outcome{text: orderPromptMessage(len(data.MenuItems)), key: models.StateDineOrder, data: data}, nil
	}

	bar, fallback, err := p.loadBoundBar(ctx, data)
	if err != nil || fallback != nil {
		return derefOutcome(fallback), err
	}
	var order *models.Order
	if cmd == "paid" {
		order, err = p.orders.MarkPaid(ctx, data.LastOrderID, *bar)
	} else {
		order, err = p.orders.Cancel(ctx, data.LastOrderID, *bar)
	}
	next := data
	next.LastOrderID = ""
	key := models.StateDineItems
	if len(next.MenuItems) == 0 {
		key = models.StateDineReady
	}
	switch {
	case errors.Is(err, errOrderNotPending):
		return outcome{
			text: fmt.Sprintf("Order %s is already %s.", order.Code, order.Status),
			key:  key,
			data: next,
		}, nil
	case err != nil:
		return outcome{}, err
	case order == nil:
		return outcome{text: "We couldn't find that order. Reply with an item number to order again.", key: key, data: next}, nil
	case cmd == "paid":
		return outcome{
			text:    fmt.Sprintf("Thanks! We've told %s that order %s is paid. Reply with an item number to order more.", bar.Name, order.Code),
			key:     key,
			data:    next,
			orderID: order.ID,
		}, nil
	}
	return outcome{
		text:    fmt.Sprintf("Order %s has been cancelled. Reply with an item number to order something else.", order.Code),
		key:     key,
		data:    next,
		orderID: order.ID,
	}, nil
}

func derefOutcome(o *outcome) outcome {
	if o == nil {
		return outcome{}
	}
	return *o
}
