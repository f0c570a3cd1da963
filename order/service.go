package order

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/internal/ids"
	"github.com/sumup/ucp/internal/keylock"
	"github.com/sumup/ucp/internal/logger"
	"github.com/sumup/ucp/webhook"
)

// EventInput is a fulfillment milestone reported by the merchant.
type EventInput struct {
	Type           EventType  `json:"type"`
	Description    string     `json:"description,omitempty"`
	Carrier        string     `json:"carrier,omitempty"`
	TrackingNumber string     `json:"tracking_number,omitempty"`
	OccurredAt     *time.Time `json:"occurred_at,omitempty"`
}

// AdjustmentInput records a money movement on an order.
type AdjustmentInput struct {
	Type   AdjustmentType `json:"type"`
	Amount int64          `json:"amount"`
	Reason string         `json:"reason,omitempty"`
}

// Service owns order creation and lifecycle.
type Service struct {
	store         Store
	emitter       webhook.Emitter
	permalinkBase string
	locks         *keylock.Map
	clock         func() time.Time
	log           *logger.Logger
}

// Option configures a [Service].
type Option func(*Service)

// WithEmitter publishes order.created and order.updated events.
func WithEmitter(e webhook.Emitter) Option {
	return func(s *Service) {
		s.emitter = e
	}
}

// WithPermalinkBase sets the URL prefix of order permalinks.
func WithPermalinkBase(base string) Option {
	return func(s *Service) {
		s.permalinkBase = strings.TrimRight(base, "/")
	}
}

// WithClock provides deterministic time in tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		s.clock = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// NewService builds an order [Service].
func NewService(store Store, opts ...Option) *Service {
	if store == nil {
		panic("order: store is required")
	}
	s := &Service{
		store:         store,
		permalinkBase: "https://ucp.local/orders",
		locks:         keylock.New(),
		clock:         time.Now,
		log:           logger.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// CreateFromCheckout creates the single order of a checkout. Calling it again
// for the same checkout returns the existing order.
func (s *Service) CreateFromCheckout(ctx context.Context, c *checkout.Checkout, payment Payment) (*Order, error) {
	now := s.clock().UTC()
	id := ids.New(ids.PrefixOrder)
	cp := c.Clone()
	o := &Order{
		ID:              id,
		TenantID:        c.TenantID,
		CheckoutID:      c.ID,
		Status:          StatusConfirmed,
		Currency:        cp.Currency,
		LineItems:       cp.LineItems,
		Totals:          cp.Totals,
		Buyer:           cp.Buyer,
		ShippingAddress: cp.ShippingAddress,
		BillingAddress:  cp.BillingAddress,
		Payment:         payment,
		Events:          []Event{},
		Adjustments:     []Adjustment{},
		PermalinkURL:    s.permalinkBase + "/" + id,
		Metadata:        cp.Metadata,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	created, ok, err := s.store.CreateOrder(ctx, o)
	if err != nil {
		return nil, fmt.Errorf("order: create: %w", err)
	}
	if !ok {
		return created, nil
	}
	s.log.Info("order created", "tenant_id", c.TenantID, "order_id", created.ID, "checkout_id", c.ID)
	s.emit(ctx, webhook.EventOrderCreated, created)
	return created, nil
}

// GetOrder returns a tenant's order.
func (s *Service) GetOrder(ctx context.Context, tenantID, id string) (*Order, error) {
	return s.store.GetOrder(ctx, tenantID, id)
}

// GetOrderByCheckout returns the order created from a checkout.
func (s *Service) GetOrderByCheckout(ctx context.Context, tenantID, checkoutID string) (*Order, error) {
	return s.store.GetOrderByCheckout(ctx, tenantID, checkoutID)
}

// AddEvent appends a fulfillment event.
func (s *Service) AddEvent(ctx context.Context, tenantID, id string, in EventInput) (*Order, error) {
	return s.mutate(ctx, tenantID, id, func(o *Order, now time.Time) error {
		occurred := now
		if in.OccurredAt != nil {
			occurred = in.OccurredAt.UTC()
		}
		return ApplyEvent(o, Event{
			ID:             ids.NewOrdered(ids.PrefixEvent),
			Type:           in.Type,
			Description:    in.Description,
			Carrier:        in.Carrier,
			TrackingNumber: in.TrackingNumber,
			OccurredAt:     occurred,
		})
	})
}

// AddAdjustment appends an adjustment, enforcing the refund bound.
func (s *Service) AddAdjustment(ctx context.Context, tenantID, id string, in AdjustmentInput) (*Order, error) {
	return s.mutate(ctx, tenantID, id, func(o *Order, now time.Time) error {
		return ApplyAdjustment(o, Adjustment{
			ID:        ids.NewOrdered(ids.PrefixAdjustment),
			Type:      in.Type,
			Amount:    in.Amount,
			Reason:    in.Reason,
			CreatedAt: now,
		})
	})
}

// UpdateStatus moves the order along its status table.
func (s *Service) UpdateStatus(ctx context.Context, tenantID, id string, to Status) (*Order, error) {
	return s.mutate(ctx, tenantID, id, func(o *Order, _ time.Time) error {
		if err := ValidateTransition(o.Status, to); err != nil {
			return err
		}
		o.Status = to
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, tenantID, id string, fn func(o *Order, now time.Time) error) (*Order, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	o, err := s.store.GetOrder(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	if err := fn(o, now); err != nil {
		return nil, err
	}
	o.UpdatedAt = now
	if err := s.store.UpdateOrder(ctx, o); err != nil {
		return nil, fmt.Errorf("order: update: %w", err)
	}
	s.emit(ctx, webhook.EventOrderUpdated, o)
	return o.Clone(), nil
}

func (s *Service) emit(ctx context.Context, t webhook.EventType, o *Order) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(ctx, t, o); err != nil {
		s.log.Warn("order webhook failed", "order_id", o.ID, "event_type", string(t), "error", err)
	}
}
