// Package order models the order created from a completed checkout and its
// fulfillment and adjustment lifecycle. Events and adjustments are append only.
package order

import (
	"context"
	"errors"
	"maps"
	"slices"
	"time"

	"github.com/sumup/ucp/checkout"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusRefunded   Status = "refunded"
)

// EventType is a fulfillment milestone.
type EventType string

const (
	EventProcessing     EventType = "processing"
	EventShipped        EventType = "shipped"
	EventInTransit      EventType = "in_transit"
	EventOutForDelivery EventType = "out_for_delivery"
	EventDelivered      EventType = "delivered"
	EventReturned       EventType = "returned"
)

// AdjustmentType classifies a post-purchase money movement.
type AdjustmentType string

const (
	AdjustmentRefund  AdjustmentType = "refund"
	AdjustmentReturn  AdjustmentType = "return"
	AdjustmentCredit  AdjustmentType = "credit"
	AdjustmentDispute AdjustmentType = "dispute"
)

var (
	ErrNotFound           = errors.New("order not found")
	ErrInvalidTransition  = errors.New("invalid order status transition")
	ErrRefundExceedsTotal = errors.New("refund exceeds order total")
	ErrInvalidAdjustment  = errors.New("invalid adjustment")
	ErrInvalidEvent       = errors.New("invalid fulfillment event")
)

// Order mirrors the commercial data of its checkout. Amounts are minor units.
type Order struct {
	ID              string              `json:"id"`
	TenantID        string              `json:"-"`
	CheckoutID      string              `json:"checkout_id"`
	Status          Status              `json:"status"`
	Currency        string              `json:"currency"`
	LineItems       []checkout.LineItem `json:"line_items"`
	Totals          []checkout.Total    `json:"totals"`
	Buyer           *checkout.Buyer     `json:"buyer,omitempty"`
	ShippingAddress *checkout.Address   `json:"shipping_address,omitempty"`
	BillingAddress  *checkout.Address   `json:"billing_address,omitempty"`
	Payment         Payment             `json:"payment"`
	Events          []Event             `json:"events"`
	Adjustments     []Adjustment        `json:"adjustments"`
	PermalinkURL    string              `json:"permalink_url"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// Payment is the snapshot of how the order was paid.
type Payment struct {
	HandlerID    string `json:"handler_id,omitempty"`
	InstrumentID string `json:"instrument_id,omitempty"`
	PaymentID    string `json:"payment_id,omitempty"`
	Status       string `json:"status"`
	SettlementID string `json:"settlement_id,omitempty"`
	Amount       int64  `json:"amount"`
}

// Event is a fulfillment milestone.
type Event struct {
	ID             string    `json:"id"`
	Type           EventType `json:"type"`
	Description    string    `json:"description,omitempty"`
	Carrier        string    `json:"carrier,omitempty"`
	TrackingNumber string    `json:"tracking_number,omitempty"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// Adjustment is a refund, return, credit or dispute recorded on an order.
type Adjustment struct {
	ID        string         `json:"id"`
	Type      AdjustmentType `json:"type"`
	Amount    int64          `json:"amount"`
	Reason    string         `json:"reason,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Total returns the order total in minor units.
func (o *Order) Total() int64 {
	for _, t := range o.Totals {
		if t.Type == checkout.TotalTypeTotal {
			return t.Amount
		}
	}
	return 0
}

// Refunded returns the sum of refund adjustments.
func (o *Order) Refunded() int64 {
	var sum int64
	for _, a := range o.Adjustments {
		if a.Type == AdjustmentRefund {
			sum += a.Amount
		}
	}
	return sum
}

// Clone returns a deep copy.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	out := *o
	out.LineItems = slices.Clone(o.LineItems)
	out.Totals = slices.Clone(o.Totals)
	out.Events = slices.Clone(o.Events)
	out.Adjustments = slices.Clone(o.Adjustments)
	if o.Buyer != nil {
		b := *o.Buyer
		out.Buyer = &b
	}
	if o.ShippingAddress != nil {
		a := *o.ShippingAddress
		out.ShippingAddress = &a
	}
	if o.BillingAddress != nil {
		a := *o.BillingAddress
		out.BillingAddress = &a
	}
	out.Metadata = maps.Clone(o.Metadata)
	return &out
}

// Store persists orders. Reads are tenant scoped.
type Store interface {
	// CreateOrder inserts o unless an order already exists for o.CheckoutID,
	// in which case that order is returned with created=false.
	CreateOrder(ctx context.Context, o *Order) (existing *Order, created bool, err error)
	GetOrder(ctx context.Context, tenantID, id string) (*Order, error)
	GetOrderByCheckout(ctx context.Context, tenantID, checkoutID string) (*Order, error)
	UpdateOrder(ctx context.Context, o *Order) error
}
