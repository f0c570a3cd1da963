package orchestrator

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/sumup/ucp/checkout"
)

// ErrRefundUnsupported is returned by handlers whose payments cannot be reversed.
var ErrRefundUnsupported = errors.New("payment handler does not support refunds")

// InstrumentRequest asks a handler to mint a payment instrument.
type InstrumentRequest struct {
	TenantID string
	Type     string
	Config   map[string]any
	Currency string
}

// PaymentRequest is the charge a handler is asked to perform on completion.
// Amount is in minor units.
type PaymentRequest struct {
	TenantID       string
	CheckoutID     string
	Instrument     checkout.Instrument
	Amount         int64
	Currency       string
	IdempotencyKey string
	Metadata       map[string]any
}

// PaymentInfo identifies the payment a handler created.
type PaymentInfo struct {
	ID           string
	Status       string
	SettlementID string
}

// PaymentResult is the handler's verdict. A result with Success false is a
// decline; Error carries the buyer facing reason.
type PaymentResult struct {
	Success bool
	Payment PaymentInfo
	Error   string
}

// RefundRequest reverses part or all of a payment.
type RefundRequest struct {
	TenantID  string
	PaymentID string
	Amount    int64
	Currency  string
	Reason    string
}

// PaymentHandler is a pluggable payment method keyed by ID.
type PaymentHandler interface {
	ID() string
	AcquireInstrument(ctx context.Context, req InstrumentRequest) (checkout.Instrument, error)
	ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error)
	RefundPayment(ctx context.Context, req RefundRequest) error
}

// Registry resolves handlers by id. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]PaymentHandler
}

// NewRegistry returns a registry holding handlers.
func NewRegistry(handlers ...PaymentHandler) *Registry {
	r := &Registry{handlers: make(map[string]PaymentHandler, len(handlers))}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register adds h, replacing any handler with the same id.
func (r *Registry) Register(h PaymentHandler) {
	if h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.ID()] = h
}

// Lookup returns the handler registered under id.
func (r *Registry) Lookup(id string) (PaymentHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[id]
	return h, ok
}

// IDs lists the registered handler ids in sorted order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for id := range r.handlers {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}
