package models

import "time"

// OrderStatus is the lifecycle status of an order.
type OrderStatus string

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusPaid      OrderStatus = "paid"
	OrderStatusServed    OrderStatus = "served"
	OrderStatusCancelled OrderStatus = "cancelled"
)

// IsTerminal reports whether no further transitions are allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusServed || s == OrderStatusCancelled
}

// PaymentMethod names how the customer is asked to pay.
type PaymentMethod string

const (
	PaymentMethodMomoUSSD PaymentMethod = "momo_ussd"
	PaymentMethodCounter  PaymentMethod = "counter"
)

// PaymentInstructions tells the customer how to pay for one order.
type PaymentInstructions struct {
	Method       PaymentMethod `json:"method"`
	MerchantCode string        `json:"merchant_code,omitempty"`
	Amount       int64         `json:"amount"` // whole currency units dialled into the USSD string
	Currency     string        `json:"currency"`
	USSD         string        `json:"ussd,omitempty"`
	TelLink      string        `json:"tel_link,omitempty"`
	Text         string        `json:"text"`
}

// Order is the snapshot created once per item-order action. ID is the
// idempotency anchor for notifications and payment lookups.
type Order struct {
	ID                  string              `json:"id"`
	Code                string              `json:"code"`
	BarID               string              `json:"bar_id"`
	BarName             string              `json:"bar_name"`
	Customer            string              `json:"customer"`
	ItemID              string              `json:"item_id"`
	ItemName            string              `json:"item_name"`
	Quantity            int                 `json:"quantity"`
	TotalMinor          int64               `json:"total_minor"`
	Currency            string              `json:"currency"`
	Status              OrderStatus         `json:"status"`
	Surface             string              `json:"surface"` // "chat" or "flow"
	PaymentInstructions PaymentInstructions `json:"payment_instructions"`
	CreatedAt           time.Time           `json:"created_at"`
	UpdatedAt           time.Time           `json:"updated_at"`
}
