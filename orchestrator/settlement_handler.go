package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/internal/ids"
	"github.com/sumup/ucp/settlement"
)

const (
	// SettlementHandlerID is the id of the built-in cross-border payout handler.
	SettlementHandlerID = "ucp_settlement"
	// CredentialSettlementToken marks an instrument whose credential is a
	// settlement token.
	CredentialSettlementToken = "settlement_token"
)

// SettlementHandler pays a checkout by executing a settlement token. The
// instrument credential carries the token issued by [settlement.TokenService].
type SettlementHandler struct {
	settlements *settlement.Service
}

// NewSettlementHandler wraps svc as a [PaymentHandler].
func NewSettlementHandler(svc *settlement.Service) *SettlementHandler {
	return &SettlementHandler{settlements: svc}
}

func (h *SettlementHandler) ID() string { return SettlementHandlerID }

// AcquireInstrument issues a settlement token. req.Config is decoded as a
// [settlement.AcquireRequest]; its currency defaults to req.Currency.
func (h *SettlementHandler) AcquireInstrument(ctx context.Context, req InstrumentRequest) (checkout.Instrument, error) {
	raw, err := json.Marshal(req.Config)
	if err != nil {
		return checkout.Instrument{}, fmt.Errorf("%w: %v", settlement.ErrInvalidRequest, err)
	}
	var acquire settlement.AcquireRequest
	if err := json.Unmarshal(raw, &acquire); err != nil {
		return checkout.Instrument{}, fmt.Errorf("%w: %v", settlement.ErrInvalidRequest, err)
	}
	if acquire.Currency == "" {
		acquire.Currency = req.Currency
	}
	tok, err := h.settlements.Tokens().AcquireToken(ctx, req.TenantID, acquire)
	if err != nil {
		return checkout.Instrument{}, err
	}
	typ := req.Type
	if typ == "" {
		typ = CredentialSettlementToken
	}
	return checkout.Instrument{
		ID:        ids.New(ids.PrefixInstrument),
		HandlerID: SettlementHandlerID,
		Type:      typ,
		Credential: &checkout.Credential{
			Type:  CredentialSettlementToken,
			Token: tok.Token,
		},
	}, nil
}

// ProcessPayment executes the instrument's token, keyed by the request's
// idempotency key so a retried completion replays the same settlement. A
// failed settlement, a rejected token or a token spent under another key is
// a decline; deferred and in-flight settlements count as accepted since they
// advance asynchronously.
func (h *SettlementHandler) ProcessPayment(ctx context.Context, req PaymentRequest) (PaymentResult, error) {
	cred := req.Instrument.Credential
	if cred == nil || cred.Token == "" {
		return PaymentResult{Error: "instrument has no settlement token"}, nil
	}
	stl, err := h.settlements.ExecuteSettlement(ctx, req.TenantID, settlement.ExecuteRequest{
		Token:          cred.Token,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return PaymentResult{Error: err.Error()}, nil
	}
	if stl.IdempotencyKey != req.IdempotencyKey {
		// The token already paid for something else.
		return PaymentResult{Error: "settlement token has already been used"}, nil
	}
	info := PaymentInfo{ID: stl.ID, Status: string(stl.Status), SettlementID: stl.ID}
	if stl.Status == settlement.StatusFailed {
		return PaymentResult{Payment: info, Error: "settlement failed: " + stl.FailureReason}, nil
	}
	return PaymentResult{Success: true, Payment: info}, nil
}

// RefundPayment always fails: payouts are final once sent.
func (h *SettlementHandler) RefundPayment(context.Context, RefundRequest) error {
	return fmt.Errorf("%w: settlement payouts are final", ErrRefundUnsupported)
}
