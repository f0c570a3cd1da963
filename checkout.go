package ucp

import (
	"net/http"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/orchestrator"
	"github.com/sumup/ucp/order"
)

// CheckoutWithOrder is the completion response: the checkout plus the order
// it produced.
type CheckoutWithOrder struct {
	*checkout.Checkout
	Order *order.Order `json:"order,omitempty"`
}

func (h *Handler) handleCreateCheckout(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSONError(w, NewInvalidRequestError(err.Error()))
		return
	}
	req.Metadata = withAgent(r, req.Metadata)
	session, err := h.svc.Checkouts.CreateCheckout(r.Context(), tenant(r), req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, session)
}

func (h *Handler) handleGetCheckout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONError(w, NewInvalidRequestError("checkout_session_id is required"))
		return
	}
	session, err := h.svc.Checkouts.GetCheckout(r.Context(), tenant(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleUpdateCheckout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONError(w, NewInvalidRequestError("checkout_session_id is required"))
		return
	}
	var req orchestrator.UpdateRequest
	if err := decodeJSON(r.Body, &req); err != nil {
		writeJSONError(w, NewInvalidRequestError(err.Error()))
		return
	}
	session, err := h.svc.Checkouts.UpdateCheckout(r.Context(), tenant(r), id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

func (h *Handler) handleCompleteCheckout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONError(w, NewInvalidRequestError("checkout_session_id is required"))
		return
	}
	var req orchestrator.CompleteRequest
	if err := decodeOptionalJSON(r.Body, &req); err != nil {
		writeJSONError(w, NewInvalidRequestError(err.Error()))
		return
	}
	req.IdempotencyKey = idempotencyKey(r)
	session, err := h.svc.Checkouts.CompleteCheckout(r.Context(), tenant(r), id, req)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	resp := CheckoutWithOrder{Checkout: session}
	if h.svc.Orders != nil && session.OrderID != "" {
		o, err := h.svc.Orders.GetOrder(r.Context(), tenant(r), session.OrderID)
		if err != nil {
			h.writeServiceError(w, r, err)
			return
		}
		resp.Order = o
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleCancelCheckout(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONError(w, NewInvalidRequestError("checkout_session_id is required"))
		return
	}
	session, err := h.svc.Checkouts.CancelCheckout(r.Context(), tenant(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, session)
}

// withAgent records the calling agent for attribution unless the request
// already names one.
func withAgent(r *http.Request, metadata map[string]any) map[string]any {
	rc := RequestContextFromContext(r.Context())
	if rc == nil || rc.Agent == "" {
		return metadata
	}
	if _, ok := metadata[orchestrator.MetadataAgentID]; ok {
		return metadata
	}
	if metadata == nil {
		metadata = make(map[string]any, 1)
	}
	metadata[orchestrator.MetadataAgentID] = rc.Agent
	return metadata
}
