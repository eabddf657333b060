package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/BTreeMap/DineFlow/internal/metrics"
	"github.com/BTreeMap/DineFlow/internal/models"
	"github.com/BTreeMap/DineFlow/internal/store"
	"github.com/BTreeMap/DineFlow/internal/util"
	"github.com/google/uuid"
)

// Notification kinds.
const (
	NotifyVendorAlert     = "vendor_alert"
	NotifyCustomerReceipt = "customer_receipt"
	NotifyPaymentSignal   = "payment_signal"
	NotifyCancellation    = "order_cancelled"
	NotifyChatReply       = "chat_reply"
)

// Notification is an outbound message produced by an order event.
type Notification struct {
	Recipient     string
	Kind          string
	Body          string
	CorrelationID string
}

// Notifier delivers notifications asynchronously. Notify must not block on
// the network.
type Notifier interface {
	Notify(ctx context.Context, n Notification) error
}

// OrderService creates order snapshots and moves them through their statuses.
type OrderService struct {
	orders          store.OrderStore
	notifier        Notifier
	defaultCurrency string
	now             func() time.Time
}

// OrderOption configures an OrderService.
type OrderOption func(*OrderService)

// WithNotifier sends vendor alerts and receipts through n.
func WithNotifier(n Notifier) OrderOption {
	return func(s *OrderService) { s.notifier = n }
}

// WithDefaultCurrency sets the currency used when neither item nor bar has one.
func WithDefaultCurrency(c string) OrderOption {
	return func(s *OrderService) {
		if c != "" {
			s.defaultCurrency = strings.ToUpper(c)
		}
	}
}

// NewOrderService creates an OrderService writing to orders.
func NewOrderService(orders store.OrderStore, opts ...OrderOption) *OrderService {
	s := &OrderService{orders: orders, defaultCurrency: "RWF", now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// BuildPaymentInstructions returns mobile money instructions when the bar has
// a merchant code and pay-at-counter instructions otherwise.
func BuildPaymentInstructions(bar models.Bar, totalMinor int64, currency, orderCode string) models.PaymentInstructions {
	amount := models.MajorUnitsCeil(totalMinor, currency)
	total := models.FormatMoney(totalMinor, currency)
	if !bar.MomoSupported() {
		return models.PaymentInstructions{
			Method:   models.PaymentMethodCounter,
			Amount:   amount,
			Currency: currency,
			Text:     fmt.Sprintf("Pay %s at the counter and show order code %s.", total, orderCode),
		}
	}
	ussd := fmt.Sprintf("*182*8*1*%s*%d#", bar.MerchantCode, amount)
	return models.PaymentInstructions{
		Method:       models.PaymentMethodMomoUSSD,
		MerchantCode: bar.MerchantCode,
		Amount:       amount,
		Currency:     currency,
		USSD:         ussd,
		TelLink:      "tel:" + strings.ReplaceAll(ussd, "#", "%23"),
		Text:         fmt.Sprintf("Dial %s to pay %s to %s with MoMo.", ussd, total, bar.Name),
	}
}

// PlaceOrder creates one order for one unit of item. Every call creates a
// new order; repeated selections are not merged.
func (s *OrderService) PlaceOrder(ctx context.Context, customer string, bar models.Bar, item models.MenuItem, surface string) (*models.Order, error) {
	currency := item.Currency
	if currency == "" {
		currency = bar.Currency
	}
	if currency == "" {
		currency = s.defaultCurrency
	}
	now := s.now()
	o := models.Order{
		ID:         uuid.NewString(),
		Code:       util.GenerateOrderCode(),
		BarID:      bar.ID,
		BarName:    bar.Name,
		Customer:   customer,
		ItemID:     item.ID,
		ItemName:   item.Name,
		Quantity:   1,
		TotalMinor: item.PriceMinor,
		Currency:   currency,
		Status:     models.OrderStatusPending,
		Surface:    surface,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	o.PaymentInstructions = BuildPaymentInstructions(bar, o.TotalMinor, currency, o.Code)

	if err := s.orders.CreateOrder(ctx, o); err != nil {
		slog.Error("OrderService.PlaceOrder: create failed", "error", err, "barID", bar.ID, "itemID", item.ID)
		return nil, dataErr("create order", err)
	}
	metrics.RecordOrderCreated(surface)
	slog.Info("OrderService.PlaceOrder: order created", "orderID", o.ID, "code", o.Code, "barID", bar.ID, "itemID", item.ID, "surface", surface)

	total := models.FormatMoney(o.TotalMinor, o.Currency)
	for _, contact := range bar.Contacts {
		s.notify(ctx, Notification{
			Recipient:     contact,
			Kind:          NotifyVendorAlert,
			Body:          fmt.Sprintf("New order %s: 1 x %s (%s) for %s.", o.Code, o.ItemName, total, o.Customer),
			CorrelationID: o.ID,
		})
	}
	if surface == SurfaceFlow {
		s.notify(ctx, Notification{
			Recipient:     customer,
			Kind:          NotifyCustomerReceipt,
			Body:          fmt.Sprintf("Order %s at %s: 1 x %s, %s. %s", o.Code, o.BarName, o.ItemName, total, o.PaymentInstructions.Text),
			CorrelationID: o.ID,
		})
	}
	return &o, nil
}

// MarkPaid records the customer's payment claim and tells the bar staff.
func (s *OrderService) MarkPaid(ctx context.Context, orderID string, bar models.Bar) (*models.Order, error) {
	o, err := s.transition(ctx, orderID, models.OrderStatusPaid)
	if err != nil || o == nil {
		return o, err
	}
	for _, contact := range bar.Contacts {
		s.notify(ctx, Notification{
			Recipient:     contact,
			Kind:          NotifyPaymentSignal,
			Body:          fmt.Sprintf("Customer says order %s is paid (%s). Please confirm.", o.Code, models.FormatMoney(o.TotalMinor, o.Currency)),
			CorrelationID: o.ID,
		})
	}
	return o, nil
}

// Cancel cancels a pending order.
func (s *OrderService) Cancel(ctx context.Context, orderID string, bar models.Bar) (*models.Order, error) {
	o, err := s.transition(ctx, orderID, models.OrderStatusCancelled)
	if err != nil || o == nil {
		return o, err
	}
	for _, contact := range bar.Contacts {
		s.notify(ctx, Notification{
			Recipient:     contact,
			Kind:          NotifyCancellation,
			Body:          fmt.Sprintf("Order %s was cancelled by the customer.", o.Code),
			CorrelationID: o.ID,
		})
	}
	return o, nil
}

// transition moves a pending order to status. It returns the unchanged
// order when it is no longer pending and nil when it does not exist.
func (s *OrderService) transition(ctx context.Context, orderID string, status models.OrderStatus) (*models.Order, error) {
	o, err := s.orders.GetOrder(ctx, orderID)
	if err != nil {
		return nil, dataErr("get order", err)
	}
	if o == nil {
		return nil, nil
	}
	if o.Status != models.OrderStatusPending {
		return o, errOrderNotPending
	}
	if err := s.orders.UpdateOrderStatus(ctx, orderID, status); err != nil {
		return nil, dataErr("update order", err)
	}
	o.Status = status
	o.UpdatedAt = s.now()
	slog.Info("OrderService.transition: order updated", "orderID", o.ID, "status", status)
	return o, nil
}

func (s *OrderService) notify(ctx context.Context, n Notification) {
	if s.notifier == nil || n.Recipient == "" {
		return
	}
	if err := s.notifier.Notify(ctx, n); err != nil {
		slog.Warn("OrderService.notify: notification not queued", "error", err, "kind", n.Kind, "correlationID", n.CorrelationID)
	}
}
