package ucp

import (
	"context"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/internal/logger"
	"github.com/sumup/ucp/orchestrator"
	"github.com/sumup/ucp/order"
	"github.com/sumup/ucp/settlement"
	"github.com/sumup/ucp/signing"
)

// CheckoutProvider owns checkout sessions. [orchestrator.Service] implements it.
type CheckoutProvider interface {
	CreateCheckout(ctx context.Context, tenantID string, req orchestrator.CreateRequest) (*checkout.Checkout, error)
	GetCheckout(ctx context.Context, tenantID, id string) (*checkout.Checkout, error)
	UpdateCheckout(ctx context.Context, tenantID, id string, req orchestrator.UpdateRequest) (*checkout.Checkout, error)
	CompleteCheckout(ctx context.Context, tenantID, id string, req orchestrator.CompleteRequest) (*checkout.Checkout, error)
	CancelCheckout(ctx context.Context, tenantID, id string) (*checkout.Checkout, error)
}

// OrderProvider owns orders. [order.Service] implements it.
type OrderProvider interface {
	GetOrder(ctx context.Context, tenantID, id string) (*order.Order, error)
	AddEvent(ctx context.Context, tenantID, id string, in order.EventInput) (*order.Order, error)
	AddAdjustment(ctx context.Context, tenantID, id string, in order.AdjustmentInput) (*order.Order, error)
}

// Refunder moves refund money through the payment handler before the refund
// is recorded. [orchestrator.Service] implements it.
type Refunder interface {
	RefundOrder(ctx context.Context, tenantID, orderID string, amount int64, reason string) (*order.Order, error)
}

// SettlementProvider owns quotes, tokens and settlements. [settlement.Service]
// implements it.
type SettlementProvider interface {
	Quote(ctx context.Context, corridor settlement.Corridor, amount decimal.Decimal, currency string) (settlement.Quote, error)
	AcquireToken(ctx context.Context, tenantID string, req settlement.AcquireRequest) (*settlement.Token, error)
	ExecuteSettlement(ctx context.Context, tenantID string, req settlement.ExecuteRequest) (*settlement.Settlement, error)
	ExecuteSettlementWithMandate(ctx context.Context, tenantID string, req settlement.MandateRequest) (*settlement.Settlement, error)
	GetSettlement(ctx context.Context, tenantID, id string) (*settlement.Settlement, error)
	GetDeferredSettlements(ctx context.Context, tenantID string) ([]*settlement.Settlement, error)
	ExecuteDeferredSettlement(ctx context.Context, tenantID, id string, res settlement.DeferredResolution) (*settlement.Settlement, error)
}

// KeySource publishes the signing keys. [signing.Service] implements it.
type KeySource interface {
	KeySet() (signing.KeySet, error)
}

// HandlerLister names the registered payment handlers. [orchestrator.Registry]
// implements it.
type HandlerLister interface {
	IDs() []string
}

// Services are the engine components exposed over HTTP. Routes are only
// registered for the components that are set.
type Services struct {
	Checkouts       CheckoutProvider
	Orders          OrderProvider
	Refunds         Refunder
	Settlements     SettlementProvider
	Keys            KeySource
	PaymentHandlers HandlerLister
}

// Handler serves the UCP checkout, order and settlement contracts.
type Handler struct {
	svc Services
	mux *http.ServeMux
	cfg config
}

// NewHandler builds a [Handler] backed by net/http's ServeMux.
func NewHandler(svc Services, opts ...Option) *Handler {
	cfg := config{
		maxClockSkew:  5 * time.Minute,
		defaultTenant: DefaultTenant,
		clock:         time.Now,
		log:           logger.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}
	if cfg.requireSignedRequests && cfg.signatureVerifier == nil && cfg.detachedVerifier == nil {
		panic("ucp: signature verifier required when signed requests are enforced")
	}
	h := &Handler{
		svc: svc,
		mux: http.NewServeMux(),
		cfg: cfg,
	}
	middleware := []Middleware{h.authenticationMiddleware}
	if mw := newSignatureMiddleware(signatureMiddlewareConfig{
		Verifier:         cfg.signatureVerifier,
		DetachedVerifier: cfg.detachedVerifier,
		RequireSigned:    cfg.requireSignedRequests,
		MaxClockSkew:     cfg.maxClockSkew,
		Clock:            cfg.clock,
	}); mw != nil {
		middleware = append(middleware, Middleware(mw))
	}
	middleware = append(middleware, cfg.middleware...)
	h.registerRoutes(middleware...)
	return h
}

// ServeHTTP satisfies http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestCtx := requestContextFromRequest(r)
	ctx := contextWithRequestContext(r.Context(), requestCtx)
	h.mux.ServeHTTP(w, r.WithContext(ctx))
}

func (h *Handler) registerRoutes(middleware ...Middleware) {
	route := func(pattern string, fn http.HandlerFunc) {
		h.mux.HandleFunc(pattern, applyMiddleware(fn, middleware...))
	}
	if h.svc.Checkouts != nil {
		route("POST /checkout_sessions", h.handleCreateCheckout)
		route("GET /checkout_sessions/{id}", h.handleGetCheckout)
		route("POST /checkout_sessions/{id}", h.handleUpdateCheckout)
		route("POST /checkout_sessions/{id}/complete", h.handleCompleteCheckout)
		route("POST /checkout_sessions/{id}/cancel", h.handleCancelCheckout)
	}
	if h.svc.Orders != nil {
		route("GET /orders/{id}", h.handleGetOrder)
		route("POST /orders/{id}/events", h.handleAddEvent)
		route("POST /orders/{id}/adjustments", h.handleAddAdjustment)
	}
	if h.svc.Settlements != nil {
		route("POST /v1/ucp/quote", h.handleQuote)
		route("POST /v1/ucp/tokens", h.handleAcquireToken)
		route("POST /v1/ucp/settle", h.handleSettle)
		route("GET /v1/ucp/settlements/deferred", h.handleListDeferred)
		route("GET /v1/ucp/settlements/{id}", h.handleGetSettlement)
		route("POST /v1/ucp/settlements/{id}/execute", h.handleExecuteDeferred)
	}
	// Discovery is public.
	h.mux.HandleFunc("GET /.well-known/ucp", h.handleDiscovery)
}

func tenant(r *http.Request) string {
	return TenantFromContext(r.Context())
}

func idempotencyKey(r *http.Request) string {
	if rc := RequestContextFromContext(r.Context()); rc != nil {
		return rc.IdempotencyKey
	}
	return ""
}
