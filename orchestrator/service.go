// Package orchestrator owns the checkout aggregate. It applies buyer updates,
// keeps messages and status in sync through the checkout status engine, and
// drives completion: payment handler, order creation and best-effort side
// effects. Every mutation of a checkout is serialized per checkout id.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"sync"
	"time"

	"github.com/oapi-codegen/runtime"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/internal/ids"
	"github.com/sumup/ucp/internal/keylock"
	"github.com/sumup/ucp/internal/logger"
	"github.com/sumup/ucp/internal/validation"
	"github.com/sumup/ucp/message"
	"github.com/sumup/ucp/order"
	"github.com/sumup/ucp/webhook"
)

const sideEffectTimeout = 30 * time.Second

// CreateRequest opens a checkout.
type CreateRequest struct {
	Currency        string              `json:"currency" validate:"required,currency"`
	LineItems       []checkout.LineItem `json:"line_items" validate:"-"`
	Buyer           *checkout.Buyer     `json:"buyer,omitempty" validate:"-"`
	ShippingAddress *checkout.Address   `json:"shipping_address,omitempty" validate:"-"`
	BillingAddress  *checkout.Address   `json:"billing_address,omitempty" validate:"-"`
	Payment         *checkout.Payment   `json:"payment,omitempty" validate:"-"`
	ContinueURL     string              `json:"continue_url,omitempty" validate:"omitempty,url"`
	CancelURL       string              `json:"cancel_url,omitempty" validate:"omitempty,url"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
}

// UpdateRequest is a partial update. Nil fields are left unchanged. Metadata
// is merged into the existing metadata; a top level null deletes its key.
type UpdateRequest struct {
	LineItems       []checkout.LineItem `json:"line_items,omitempty"`
	Buyer           *checkout.Buyer     `json:"buyer,omitempty"`
	ShippingAddress *checkout.Address   `json:"shipping_address,omitempty"`
	BillingAddress  *checkout.Address   `json:"billing_address,omitempty"`
	Payment         *checkout.Payment   `json:"payment,omitempty"`
	ContinueURL     *string             `json:"continue_url,omitempty"`
	CancelURL       *string             `json:"cancel_url,omitempty"`
	Metadata        map[string]any      `json:"metadata,omitempty"`
}

// CompleteRequest finalizes a checkout.
type CompleteRequest struct {
	// SelectedInstrumentID overrides the instrument chosen during updates.
	SelectedInstrumentID string `json:"selected_instrument_id,omitempty"`
	// IdempotencyKey is passed to the payment handler; it defaults to the
	// checkout id.
	IdempotencyKey string `json:"-"`
}

// Service orchestrates checkouts.
type Service struct {
	store          checkout.Store
	orders         *order.Service
	handlers       *Registry
	emitter        webhook.Emitter
	sideEffects    []SideEffect
	locks          *keylock.Map
	ttl            time.Duration
	requireBilling bool
	autoComplete   bool
	clock          func() time.Time
	log            *logger.Logger
	pending        sync.WaitGroup
}

// Option configures a [Service].
type Option func(*Service)

// WithHandlers sets the payment handler registry.
func WithHandlers(r *Registry) Option {
	return func(s *Service) {
		s.handlers = r
	}
}

// WithEmitter publishes checkout.completed events.
func WithEmitter(e webhook.Emitter) Option {
	return func(s *Service) {
		s.emitter = e
	}
}

// WithSideEffects registers work run after every completion.
func WithSideEffects(fx ...SideEffect) Option {
	return func(s *Service) {
		s.sideEffects = append(s.sideEffects, fx...)
	}
}

// WithTTL overrides [checkout.DefaultTTL].
func WithTTL(ttl time.Duration) Option {
	return func(s *Service) {
		s.ttl = ttl
	}
}

// WithRequireBilling makes a billing address a completion requirement.
func WithRequireBilling(required bool) Option {
	return func(s *Service) {
		s.requireBilling = required
	}
}

// WithAutoComplete controls what happens when a checkout has no instrument
// or its handler is not registered. When enabled (the default) such
// checkouts complete without a charge; otherwise they are declined.
func WithAutoComplete(enabled bool) Option {
	return func(s *Service) {
		s.autoComplete = enabled
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

// NewService builds a checkout orchestrator.
func NewService(store checkout.Store, orders *order.Service, opts ...Option) *Service {
	if store == nil || orders == nil {
		panic("orchestrator: checkout store and order service are required")
	}
	s := &Service{
		store:        store,
		orders:       orders,
		handlers:     NewRegistry(),
		locks:        keylock.New(),
		ttl:          checkout.DefaultTTL,
		autoComplete: true,
		clock:        time.Now,
		log:          logger.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Handlers returns the payment handler registry.
func (s *Service) Handlers() *Registry {
	return s.handlers
}

// CreateCheckout validates req and stores a new checkout. Invalid line items,
// emails and addresses become messages on the checkout rather than errors.
func (s *Service) CreateCheckout(ctx context.Context, tenantID string, req CreateRequest) (*checkout.Checkout, error) {
	req.Currency = strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := validation.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", checkout.ErrInvalidRequest, err)
	}

	now := s.clock().UTC()
	c := &checkout.Checkout{
		ID:              ids.New(ids.PrefixCheckout),
		TenantID:        tenantID,
		Status:          checkout.StatusIncomplete,
		Currency:        req.Currency,
		LineItems:       req.LineItems,
		Buyer:           req.Buyer,
		ShippingAddress: req.ShippingAddress,
		BillingAddress:  req.BillingAddress,
		Messages:        []message.Message{},
		ContinueURL:     req.ContinueURL,
		CancelURL:       req.CancelURL,
		Metadata:        req.Metadata,
		ExpiresAt:       now.Add(s.ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if c.LineItems == nil {
		c.LineItems = []checkout.LineItem{}
	}
	if req.Payment != nil {
		c.Payment = *req.Payment
	}
	inferHandlers(&c.Payment)

	c.Messages = append(c.Messages, checkout.ValidateLineItems(c.LineItems)...)
	c.Messages = append(c.Messages, validateBuyer(c.Buyer)...)
	c.Messages = append(c.Messages, checkout.ValidateAddress(c.ShippingAddress, "$.shipping_address")...)
	c.Messages = append(c.Messages, billingAddressMessages(c.BillingAddress)...)
	c.RecalculateTotals()
	c.Status = checkout.ComputeStatus(c, s.statusConfig(c))

	if err := s.store.CreateCheckout(ctx, c); err != nil {
		return nil, fmt.Errorf("orchestrator: create checkout: %w", err)
	}
	s.log.Info("checkout created", "tenant_id", tenantID, "checkout_id", c.ID, "status", string(c.Status))
	return c, nil
}

// GetCheckout returns a tenant's checkout.
func (s *Service) GetCheckout(ctx context.Context, tenantID, id string) (*checkout.Checkout, error) {
	return s.store.GetCheckout(ctx, tenantID, id)
}

// DeleteCheckout removes a checkout outright.
func (s *Service) DeleteCheckout(ctx context.Context, tenantID, id string) error {
	unlock := s.locks.Lock(id)
	defer unlock()
	return s.store.DeleteCheckout(ctx, tenantID, id)
}

// UpdateCheckout applies req, clears the messages it resolves and recomputes
// the status.
func (s *Service) UpdateCheckout(ctx context.Context, tenantID, id string, req UpdateRequest) (*checkout.Checkout, error) {
	return s.mutate(ctx, tenantID, id, func(c *checkout.Checkout) error {
		return applyUpdate(c, req)
	})
}

// AddMessage attaches a merchant supplied message, such as OUT_OF_STOCK.
func (s *Service) AddMessage(ctx context.Context, tenantID, id string, m message.Message) (*checkout.Checkout, error) {
	return s.mutate(ctx, tenantID, id, func(c *checkout.Checkout) error {
		c.Messages = message.Add(c.Messages, m)
		return nil
	})
}

// RemoveMessage drops the message with messageID.
func (s *Service) RemoveMessage(ctx context.Context, tenantID, id, messageID string) (*checkout.Checkout, error) {
	return s.mutate(ctx, tenantID, id, func(c *checkout.Checkout) error {
		c.Messages = message.Remove(c.Messages, messageID)
		return nil
	})
}

func (s *Service) mutate(ctx context.Context, tenantID, id string, fn func(c *checkout.Checkout) error) (*checkout.Checkout, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.store.GetCheckout(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	if !checkout.CanModify(c.Status) {
		return nil, fmt.Errorf("%w: checkout is %s", checkout.ErrNotModifiable, c.Status)
	}
	if c.Expired(now) {
		return nil, checkout.ErrExpired
	}
	if err := fn(c); err != nil {
		return nil, err
	}
	if err := s.setStatus(c, checkout.ComputeStatus(c, s.statusConfig(c))); err != nil {
		return nil, err
	}
	c.UpdatedAt = now
	if err := s.store.UpdateCheckout(ctx, c); err != nil {
		return nil, fmt.Errorf("orchestrator: update checkout: %w", err)
	}
	s.log.Debug("checkout updated", "tenant_id", tenantID, "checkout_id", id, "status", string(c.Status))
	return c, nil
}

// CompleteCheckout charges the selected instrument and creates the order.
// The stored status must already be ready_for_complete; it is not
// recomputed here, which lets a declined checkout be retried as is.
//
// When the handler declines, or the order cannot be created, the checkout
// is rolled back to ready_for_complete with a PAYMENT_DECLINED message. The
// rolled back checkout is returned together with an error wrapping
// [checkout.ErrPaymentDeclined].
func (s *Service) CompleteCheckout(ctx context.Context, tenantID, id string, req CompleteRequest) (*checkout.Checkout, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.store.GetCheckout(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	if c.Expired(now) && !checkout.IsTerminal(c.Status) {
		return nil, checkout.ErrExpired
	}
	if !checkout.CanComplete(c.Status) {
		missing := checkout.MissingRequirements(c, s.statusConfig(c))
		if len(missing) > 0 {
			return nil, fmt.Errorf("%w: status is %s, missing %s", checkout.ErrNotReady, c.Status, strings.Join(missing, ", "))
		}
		return nil, fmt.Errorf("%w: status is %s", checkout.ErrNotReady, c.Status)
	}
	if message.HasBlockingErrors(c.Messages) {
		return nil, checkout.ErrBlockingMessages
	}
	if req.SelectedInstrumentID != "" {
		c.Payment.SelectedInstrumentID = req.SelectedInstrumentID
	}
	if err := s.setStatus(c, checkout.StatusCompleteInProgress); err != nil {
		return nil, err
	}
	c.UpdatedAt = now
	if err := s.store.UpdateCheckout(ctx, c); err != nil {
		return nil, fmt.Errorf("orchestrator: update checkout: %w", err)
	}

	payment, reason := s.charge(ctx, c, req)
	if reason != "" {
		return s.rollback(ctx, c, reason)
	}
	o, err := s.orders.CreateFromCheckout(ctx, c, payment)
	if err != nil {
		s.log.Error("order creation failed", "tenant_id", tenantID, "checkout_id", id, "error", err)
		return s.rollback(ctx, c, "order could not be created")
	}

	if err := s.setStatus(c, checkout.StatusCompleted); err != nil {
		return nil, err
	}
	c.OrderID = o.ID
	c.Messages = message.RemoveByCode(c.Messages, message.CodePaymentDeclined)
	c.UpdatedAt = s.clock().UTC()
	if err := s.store.UpdateCheckout(ctx, c); err != nil {
		return nil, fmt.Errorf("orchestrator: update checkout: %w", err)
	}
	s.log.Info("checkout completed", "tenant_id", tenantID, "checkout_id", id, "order_id", o.ID, "handler_id", payment.HandlerID)
	s.emit(ctx, c)
	s.runSideEffects(ctx, c, o)
	return c, nil
}

// CancelCheckout moves a checkout to canceled. Expired checkouts can still be
// canceled.
func (s *Service) CancelCheckout(ctx context.Context, tenantID, id string) (*checkout.Checkout, error) {
	unlock := s.locks.Lock(id)
	defer unlock()

	c, err := s.store.GetCheckout(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if !checkout.CanCancel(c.Status) {
		return nil, fmt.Errorf("%w: checkout is %s", checkout.ErrInvalidTransition, c.Status)
	}
	if err := s.setStatus(c, checkout.StatusCanceled); err != nil {
		return nil, err
	}
	c.UpdatedAt = s.clock().UTC()
	if err := s.store.UpdateCheckout(ctx, c); err != nil {
		return nil, fmt.Errorf("orchestrator: update checkout: %w", err)
	}
	s.log.Info("checkout canceled", "tenant_id", tenantID, "checkout_id", id)
	return c, nil
}

// AcquireInstrument asks a registered handler for a new instrument.
func (s *Service) AcquireInstrument(ctx context.Context, tenantID, handlerID string, req InstrumentRequest) (checkout.Instrument, error) {
	h, ok := s.handlers.Lookup(handlerID)
	if !ok {
		return checkout.Instrument{}, fmt.Errorf("%w: unknown payment handler %q", checkout.ErrInvalidRequest, handlerID)
	}
	req.TenantID = tenantID
	return h.AcquireInstrument(ctx, req)
}

// RefundOrder refunds amount through the handler that took the payment and
// records the refund on the order.
func (s *Service) RefundOrder(ctx context.Context, tenantID, orderID string, amount int64, reason string) (*order.Order, error) {
	o, err := s.orders.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", order.ErrInvalidAdjustment)
	}
	if o.Refunded()+amount > o.Total() {
		return nil, fmt.Errorf("%w: %d already refunded of %d", order.ErrRefundExceedsTotal, o.Refunded(), o.Total())
	}
	if h, ok := s.handlers.Lookup(o.Payment.HandlerID); ok {
		err := h.RefundPayment(ctx, RefundRequest{
			TenantID:  tenantID,
			PaymentID: o.Payment.PaymentID,
			Amount:    amount,
			Currency:  o.Currency,
			Reason:    reason,
		})
		if err != nil {
			return nil, err
		}
	}
	return s.orders.AddAdjustment(ctx, tenantID, orderID, order.AdjustmentInput{
		Type:   order.AdjustmentRefund,
		Amount: amount,
		Reason: reason,
	})
}

// Wait blocks until all side effects started so far have finished.
func (s *Service) Wait() {
	s.pending.Wait()
}

// charge runs the payment handler. A non-empty reason means the payment was
// declined.
func (s *Service) charge(ctx context.Context, c *checkout.Checkout, req CompleteRequest) (order.Payment, string) {
	payment := order.Payment{Amount: c.Total(), Status: "completed"}
	instrument, hasInstrument := c.SelectedInstrument()
	var handler PaymentHandler
	if hasInstrument {
		payment.InstrumentID = instrument.ID
		handler, _ = s.handlers.Lookup(instrument.HandlerID)
	}
	if handler == nil {
		if !s.autoComplete {
			return payment, "no payment handler available for the selected instrument"
		}
		s.log.Warn("checkout auto-completed without a payment handler", "tenant_id", c.TenantID, "checkout_id", c.ID, "instrument_id", instrument.ID)
		return payment, ""
	}

	key := req.IdempotencyKey
	if key == "" {
		key = c.ID
	}
	res, err := handler.ProcessPayment(ctx, PaymentRequest{
		TenantID:       c.TenantID,
		CheckoutID:     c.ID,
		Instrument:     instrument,
		Amount:         c.Total(),
		Currency:       c.Currency,
		IdempotencyKey: key,
		Metadata:       c.Metadata,
	})
	if err != nil {
		s.log.Error("payment handler failed", "tenant_id", c.TenantID, "checkout_id", c.ID, "handler_id", handler.ID(), "error", err)
		return payment, "payment could not be processed"
	}
	if !res.Success {
		reason := res.Error
		if reason == "" {
			reason = "payment was declined"
		}
		return payment, reason
	}
	payment.HandlerID = handler.ID()
	payment.PaymentID = res.Payment.ID
	payment.SettlementID = res.Payment.SettlementID
	if res.Payment.Status != "" {
		payment.Status = res.Payment.Status
	}
	return payment, ""
}

func (s *Service) rollback(ctx context.Context, c *checkout.Checkout, reason string) (*checkout.Checkout, error) {
	if err := s.setStatus(c, checkout.StatusReadyForComplete); err != nil {
		return nil, err
	}
	c.Messages = message.Add(
		message.RemoveByCode(c.Messages, message.CodePaymentDeclined),
		message.NewError(message.CodePaymentDeclined, reason),
	)
	c.UpdatedAt = s.clock().UTC()
	if err := s.store.UpdateCheckout(ctx, c); err != nil {
		return nil, fmt.Errorf("orchestrator: roll back checkout: %w", err)
	}
	s.log.Warn("checkout completion rolled back", "tenant_id", c.TenantID, "checkout_id", c.ID, "reason", reason)
	return c, fmt.Errorf("%w: %s", checkout.ErrPaymentDeclined, reason)
}

func (s *Service) setStatus(c *checkout.Checkout, to checkout.Status) error {
	if c.Status == to {
		return nil
	}
	if t := checkout.ValidateTransition(c.Status, to); !t.Allowed {
		return fmt.Errorf("%w: %s", checkout.ErrInvalidTransition, t.Reason)
	}
	c.Status = to
	return nil
}

func (s *Service) statusConfig(c *checkout.Checkout) checkout.Config {
	return checkout.ConfigFor(c, s.requireBilling)
}

func (s *Service) emit(ctx context.Context, c *checkout.Checkout) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(ctx, webhook.EventCheckoutCompleted, c); err != nil {
		s.log.Warn("checkout webhook failed", "checkout_id", c.ID, "error", err)
	}
}

// runSideEffects starts every side effect on its own goroutine. Errors and
// panics are logged and go no further.
func (s *Service) runSideEffects(ctx context.Context, c *checkout.Checkout, o *order.Order) {
	base := context.WithoutCancel(ctx)
	for _, fx := range s.sideEffects {
		s.pending.Add(1)
		go func(fx SideEffect, c *checkout.Checkout, o *order.Order) {
			defer s.pending.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("side effect panicked", "side_effect", fx.Name, "checkout_id", c.ID, "panic", fmt.Sprint(r))
				}
			}()
			ctx, cancel := context.WithTimeout(base, sideEffectTimeout)
			defer cancel()
			if err := fx.Run(ctx, c, o); err != nil {
				s.log.Warn("side effect failed", "side_effect", fx.Name, "checkout_id", c.ID, "error", err)
			}
		}(fx, c.Clone(), o.Clone())
	}
}

func applyUpdate(c *checkout.Checkout, req UpdateRequest) error {
	if req.LineItems != nil {
		c.LineItems = req.LineItems
		c.Messages = message.RemoveByCode(c.Messages, message.CodeInvalidLineItem, message.CodeMissingLineItems)
		c.Messages = append(c.Messages, checkout.ValidateLineItems(c.LineItems)...)
		c.RecalculateTotals()
	}
	if req.Buyer != nil {
		c.Buyer = req.Buyer
		c.Messages = message.RemoveByCode(c.Messages, message.CodeMissingEmail, message.CodeInvalidEmail)
		c.Messages = append(c.Messages, validateBuyer(c.Buyer)...)
	}
	if req.ShippingAddress != nil {
		c.ShippingAddress = req.ShippingAddress
		c.Messages = removeAddressMessages(c.Messages, message.CodeMissingShippingAddress, "$.shipping_address")
		c.Messages = append(c.Messages, checkout.ValidateAddress(c.ShippingAddress, "$.shipping_address")...)
	}
	if req.BillingAddress != nil {
		c.BillingAddress = req.BillingAddress
		c.Messages = removeAddressMessages(c.Messages, message.CodeMissingBillingAddress, "$.billing_address")
		c.Messages = append(c.Messages, billingAddressMessages(c.BillingAddress)...)
	}
	if req.Payment != nil {
		c.Payment = *req.Payment
		inferHandlers(&c.Payment)
		c.Messages = message.RemoveByCode(c.Messages,
			message.CodeMissingPaymentInstrument,
			message.CodeInvalidPaymentInstrument,
			message.CodePaymentDeclined,
		)
	}
	if req.ContinueURL != nil {
		c.ContinueURL = *req.ContinueURL
	}
	if req.CancelURL != nil {
		c.CancelURL = *req.CancelURL
	}
	if req.Metadata != nil {
		merged, err := mergeMetadata(c.Metadata, req.Metadata)
		if err != nil {
			return fmt.Errorf("%w: metadata: %v", checkout.ErrInvalidRequest, err)
		}
		c.Metadata = merged
	}
	return nil
}

func validateBuyer(b *checkout.Buyer) []message.Message {
	if b == nil || b.Email == "" || checkout.ValidEmail(b.Email) {
		return nil
	}
	return []message.Message{message.NewError(message.CodeInvalidEmail, fmt.Sprintf("%q is not a valid email address", b.Email))}
}

func billingAddressMessages(a *checkout.Address) []message.Message {
	return checkout.ValidateAddress(a, "$.billing_address")
}

// removeAddressMessages drops the missing-address code and any INVALID_ADDRESS
// message pointing inside path.
func removeAddressMessages(list []message.Message, missing message.Code, path string) []message.Message {
	out := make([]message.Message, 0, len(list))
	for _, m := range list {
		if m.Code == missing {
			continue
		}
		if m.Code == message.CodeInvalidAddress && strings.HasPrefix(m.Path, path) {
			continue
		}
		out = append(out, m)
	}
	return out
}

// inferHandlers declares a handler for every instrument that references one
// the payment configuration does not list yet.
func inferHandlers(p *checkout.Payment) {
	known := make(map[string]struct{}, len(p.Handlers))
	for _, h := range p.Handlers {
		known[h.ID] = struct{}{}
	}
	for _, in := range p.Instruments {
		if in.HandlerID == "" {
			continue
		}
		if _, ok := known[in.HandlerID]; ok {
			continue
		}
		known[in.HandlerID] = struct{}{}
		p.Handlers = append(p.Handlers, checkout.HandlerRef{ID: in.HandlerID})
	}
}

// mergeMetadata applies patch to current. JSONMerge keeps explicit nulls, so
// top level null keys are removed first.
func mergeMetadata(current, patch map[string]any) (map[string]any, error) {
	base := maps.Clone(current)
	if base == nil {
		base = make(map[string]any)
	}
	changes := make(map[string]any, len(patch))
	for k, v := range patch {
		if v == nil {
			delete(base, k)
			continue
		}
		changes[k] = v
	}
	data, err := json.Marshal(base)
	if err != nil {
		return nil, err
	}
	p, err := json.Marshal(changes)
	if err != nil {
		return nil, err
	}
	merged, err := runtime.JSONMerge(data, p)
	if err != nil {
		return nil, err
	}
	var out map[string]any
	if err := json.Unmarshal(merged, &out); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// IsDecline reports whether err is a payment decline.
func IsDecline(err error) bool {
	return errors.Is(err, checkout.ErrPaymentDeclined)
}
