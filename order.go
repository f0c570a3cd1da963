package ucp

import (
	"net/http"

	"github.com/sumup/ucp/order"
)

func (h *Handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONError(w, NewInvalidRequestError("order_id is required"))
		return
	}
	o, err := h.svc.Orders.GetOrder(r.Context(), tenant(r), id)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, o)
}

func (h *Handler) handleAddEvent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONError(w, NewInvalidRequestError("order_id is required"))
		return
	}
	var in order.EventInput
	if err := decodeJSON(r.Body, &in); err != nil {
		writeJSONError(w, NewInvalidRequestError(err.Error()))
		return
	}
	o, err := h.svc.Orders.AddEvent(r.Context(), tenant(r), id, in)
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}

// handleAddAdjustment routes refunds through the [Refunder] when one is
// configured so the payment handler moves the money first.
func (h *Handler) handleAddAdjustment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeJSONError(w, NewInvalidRequestError("order_id is required"))
		return
	}
	var in order.AdjustmentInput
	if err := decodeJSON(r.Body, &in); err != nil {
		writeJSONError(w, NewInvalidRequestError(err.Error()))
		return
	}
	var (
		o   *order.Order
		err error
	)
	if in.Type == order.AdjustmentRefund && h.svc.Refunds != nil {
		o, err = h.svc.Refunds.RefundOrder(r.Context(), tenant(r), id, in.Amount, in.Reason)
	} else {
		o, err = h.svc.Orders.AddAdjustment(r.Context(), tenant(r), id, in)
	}
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, o)
}
