package ucp

import (
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/sumup/ucp/settlement"
)

// QuoteRequest asks for an FX quote without reserving anything.
type QuoteRequest struct {
	Corridor settlement.Corridor `json:"corridor" validate:"required,oneof=pix spei"`
	Amount   decimal.Decimal     `json:"amount"`
	Currency string              `json:"currency" validate:"required"`
}

// SettleRequest executes a settlement either from a token or, when MandateID
// is set, against a spending mandate.
type SettleRequest struct {
	Token          string `json:"token,omitempty" validate:"required_without=MandateID"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Defer          bool   `json:"defer,omitempty"`

	MandateID string                `json:"mandate_id,omitempty"`
	Corridor  settlement.Corridor   `json:"corridor,omitempty" validate:"required_with=MandateID"`
	Amount    decimal.Decimal       `json:"amount,omitempty"`
	Currency  string                `json:"currency,omitempty" validate:"required_with=MandateID"`
	Recipient *settlement.Recipient `json:"recipient,omitempty" validate:"required_with=MandateID"`
	Metadata  map[string]any        `json:"metadata,omitempty"`
}

// SettlementList wraps list responses.
type SettlementList struct {
	Settlements []*settlement.Settlement `json:"settlements"`
}

func (h *Handler) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req QuoteRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSONError(w, NewInvalidRequestError(err.Error()))
		return
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, ErrorFromDomain(err))
		return
	}
	q, err := h.svc.Settlements.Quote(r.Context(), req.Corridor, req.Amount, req.Currency)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) handleAcquireToken(w http.ResponseWriter, r *http.Request) {
	var req settlement.AcquireRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSONError(w, NewInvalidRequestError(err.Error()))
		return
	}
	tok, err := h.svc.Settlements.AcquireToken(r.Context(), tenant(r), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, tok)
}

func (h *Handler) handleSettle(w http.ResponseWriter, r *http.Request) {
	var req SettleRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSONError(w, NewInvalidRequestError(err.Error()))
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = idempotencyKey(r)
	}
	if err := req.Validate(); err != nil {
		writeJSONError(w, ErrorFromDomain(err))
		return
	}
	var (
		stl *settlement.Settlement
		err error
	)
	if req.MandateID != "" {
		stl, err = h.svc.Settlements.ExecuteSettlementWithMandate(r.Context(), tenant(r), settlement.MandateRequest{
			MandateID:      req.MandateID,
			Corridor:       req.Corridor,
			Amount:         req.Amount,
			Currency:       req.Currency,
			Recipient:      *req.Recipient,
			IdempotencyKey: req.IdempotencyKey,
			Metadata:       req.Metadata,
		})
	} else {
		stl, err = h.svc.Settlements.ExecuteSettlement(r.Context(), tenant(r), settlement.ExecuteRequest{
			Token:          req.Token,
			IdempotencyKey: req.IdempotencyKey,
			Defer:          req.Defer,
		})
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, stl)
}

func (h *Handler) handleGetSettlement(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONError(w, NewInvalidRequestError("settlement_id is required"))
		return
	}
	stl, err := h.svc.Settlements.GetSettlement(r.Context(), tenant(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stl)
}

func (h *Handler) handleListDeferred(w http.ResponseWriter, r *http.Request) {
	list, err := h.svc.Settlements.GetDeferredSettlements(r.Context(), tenant(r))
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	if list == nil {
		list = []*settlement.Settlement{}
	}
	writeJSON(w, http.StatusOK, SettlementList{Settlements: list})
}

func (h *Handler) handleExecuteDeferred(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONError(w, NewInvalidRequestError("settlement_id is required"))
		return
	}
	var res settlement.DeferredResolution
	if err := decodeJSON(r.Body, &res); err != nil {
		writeJSONError(w, NewInvalidRequestError(err.Error()))
		return
	}
	stl, err := h.svc.Settlements.ExecuteDeferredSettlement(r.Context(), tenant(r), id, res)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, stl)
}
