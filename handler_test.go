package ucp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"slices"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/memstore"
	"github.com/sumup/ucp/orchestrator"
	"github.com/sumup/ucp/order"
	"github.com/sumup/ucp/settlement"
	"github.com/sumup/ucp/signing"
)

type engine struct {
	handler   *Handler
	scheduler *settlement.ManualScheduler
	keys      *signing.Service
}

func newEngine(t *testing.T) *engine {
	t.Helper()

	store := memstore.New()
	scheduler := &settlement.ManualScheduler{}
	settlements := settlement.NewService(store, settlement.NewTokenService(store),
		settlement.WithScheduler(scheduler),
		settlement.WithMandates(store),
	)
	orders := order.NewService(store)
	registry := orchestrator.NewRegistry(orchestrator.NewSettlementHandler(settlements))
	checkouts := orchestrator.NewService(store, orders, orchestrator.WithHandlers(registry))
	keys := signing.New()

	h := NewHandler(Services{
		Checkouts:       checkouts,
		Orders:          orders,
		Refunds:         checkouts,
		Settlements:     settlements,
		Keys:            keys,
		PaymentHandlers: registry,
	}, WithAuthenticator(APIKeys{"key-acme": "acme", "key-globex": "globex"}))
	return &engine{handler: h, scheduler: scheduler, keys: keys}
}

func (e *engine) do(t *testing.T, apiKey, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	return serve(t, e.handler, method, path, body, map[string]string{"Authorization": "Bearer " + apiKey})
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestSettlementFlowOverHTTP(t *testing.T) {
	t.Parallel()
	e := newEngine(t)

	rec := e.do(t, "key-acme", http.MethodPost, "/v1/ucp/quote", QuoteRequest{
		Corridor: settlement.CorridorPix,
		Amount:   decimal.NewFromInt(100),
		Currency: "USD",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	quote := decode[settlement.Quote](t, rec)
	assert.True(t, quote.ToAmount.Equal(decimal.RequireFromString("490.05")), quote.ToAmount.String())

	rec = e.do(t, "key-acme", http.MethodPost, "/v1/ucp/tokens", settlement.AcquireRequest{
		Corridor:  settlement.CorridorPix,
		Amount:    decimal.NewFromInt(100),
		Currency:  "USD",
		Recipient: settlement.Recipient{Type: settlement.CorridorPix, Name: "Maria Silva", PixKey: "maria@email.com", PixKeyType: "email"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tok := decode[settlement.Token](t, rec)

	// Tokens are tenant scoped.
	rec = e.do(t, "key-globex", http.MethodPost, "/v1/ucp/settle", SettleRequest{Token: tok.Token})
	require.Equal(t, http.StatusNotFound, rec.Code, rec.Body.String())

	rec = e.do(t, "key-acme", http.MethodPost, "/v1/ucp/settle", SettleRequest{Token: tok.Token, IdempotencyKey: "idem-1"})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	stl := decode[settlement.Settlement](t, rec)
	assert.Equal(t, settlement.StatusPending, stl.Status)

	replay := e.do(t, "key-acme", http.MethodPost, "/v1/ucp/settle", SettleRequest{Token: tok.Token, IdempotencyKey: "idem-1"})
	require.Equal(t, http.StatusAccepted, replay.Code, replay.Body.String())
	assert.Equal(t, stl.ID, decode[settlement.Settlement](t, replay).ID)

	e.scheduler.RunAll()

	rec = e.do(t, "key-acme", http.MethodGet, "/v1/ucp/settlements/"+stl.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	done := decode[settlement.Settlement](t, rec)
	assert.Equal(t, settlement.StatusCompleted, done.Status)
	assert.NotEmpty(t, done.TransferID)

	rec = e.do(t, "key-globex", http.MethodGet, "/v1/ucp/settlements/"+stl.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCheckoutFlowOverHTTP(t *testing.T) {
	t.Parallel()
	e := newEngine(t)

	rec := e.do(t, "key-acme", http.MethodPost, "/v1/ucp/tokens", settlement.AcquireRequest{
		Corridor:  settlement.CorridorPix,
		Amount:    decimal.RequireFromString("10.00"),
		Currency:  "USD",
		Recipient: settlement.Recipient{Type: settlement.CorridorPix, Name: "Maria Silva", PixKey: "maria@email.com", PixKeyType: "email"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	tok := decode[settlement.Token](t, rec)

	rec = e.do(t, "key-acme", http.MethodPost, "/checkout_sessions", orchestrator.CreateRequest{
		Currency:  "USD",
		LineItems: []checkout.LineItem{{ID: "li_1", Name: "Invoice", Quantity: 1, UnitPrice: 1000}},
		Buyer:     &checkout.Buyer{Email: "ada@example.com"},
		ShippingAddress: &checkout.Address{
			Name: "Ada", LineOne: "1 Main St", City: "Springfield", PostalCode: "12345", Country: "US",
		},
		Payment: &checkout.Payment{Instruments: []checkout.Instrument{{
			ID:        "pi_1",
			HandlerID: orchestrator.SettlementHandlerID,
			Type:      orchestrator.CredentialSettlementToken,
			Credential: &checkout.Credential{
				Type:  orchestrator.CredentialSettlementToken,
				Token: tok.Token,
			},
		}}},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	created := decode[checkout.Checkout](t, rec)
	require.Equal(t, checkout.StatusReadyForComplete, created.Status)

	rec = e.do(t, "key-globex", http.MethodGet, "/checkout_sessions/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, e.handler, http.MethodPost, "/checkout_sessions/"+created.ID+"/complete", nil, map[string]string{
		"Authorization":   "Bearer key-acme",
		"Idempotency-Key": "complete-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	completed := decode[CheckoutWithOrder](t, rec)
	assert.Equal(t, checkout.StatusCompleted, completed.Status)
	require.NotNil(t, completed.Order)
	assert.Equal(t, created.ID, completed.Order.CheckoutID)
	assert.Equal(t, string(settlement.StatusPending), completed.Order.Payment.Status)

	rec = e.do(t, "key-acme", http.MethodPost, "/checkout_sessions/"+created.ID, orchestrator.UpdateRequest{
		LineItems: []checkout.LineItem{{ID: "li_1", Name: "Invoice", Quantity: 2, UnitPrice: 1000}},
	})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())

	rec = e.do(t, "key-acme", http.MethodPost, "/orders/"+completed.Order.ID+"/events", order.EventInput{Type: order.EventProcessing})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, order.StatusProcessing, decode[order.Order](t, rec).Status)

	// Settlement payouts cannot be reversed.
	rec = e.do(t, "key-acme", http.MethodPost, "/orders/"+completed.Order.ID+"/adjustments", order.AdjustmentInput{Type: order.AdjustmentRefund, Amount: 100})
	assert.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, string(RefundUnsupported), getErrorCode(rec.Body.Bytes()))
}

func TestDiscovery(t *testing.T) {
	t.Parallel()
	e := newEngine(t)

	req := httptest.NewRequest(http.MethodGet, "/.well-known/ucp", nil)
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "public, max-age=300", rec.Header().Get("Cache-Control"))
	doc := decode[Discovery](t, rec)
	assert.Equal(t, APIVersion, doc.Version)
	assert.ElementsMatch(t, []string{"checkout", "order", "settlement"}, doc.Capabilities)
	assert.True(t, slices.Contains(doc.PaymentHandlers, orchestrator.SettlementHandlerID))
	kid, err := e.keys.KeyID()
	require.NoError(t, err)
	require.Len(t, doc.SigningKeys, 1)
	assert.Equal(t, kid, doc.SigningKeys[0].Kid)
	assert.Equal(t, "/v1/ucp", doc.Endpoints["settlement"])

	empty := NewHandler(Services{})
	rec = httptest.NewRecorder()
	empty.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/.well-known/ucp", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decode[Discovery](t, rec).Capabilities)
}
