package ucp

import (
	"net/http"

	"github.com/sumup/ucp/signing"
)

// Discovery is the document served at /.well-known/ucp.
type Discovery struct {
	Version         string            `json:"version"`
	Capabilities    []string          `json:"capabilities"`
	PaymentHandlers []string          `json:"payment_handlers"`
	SigningKeys     []signing.JWK     `json:"signing_keys"`
	Endpoints       map[string]string `json:"endpoints"`
}

func (h *Handler) discovery() (Discovery, error) {
	doc := Discovery{
		Version:         APIVersion,
		Capabilities:    []string{},
		PaymentHandlers: []string{},
		SigningKeys:     []signing.JWK{},
		Endpoints:       map[string]string{},
	}
	if h.svc.Checkouts != nil {
		doc.Capabilities = append(doc.Capabilities, "checkout")
		doc.Endpoints["checkout"] = "/checkout_sessions"
	}
	if h.svc.Orders != nil {
		doc.Capabilities = append(doc.Capabilities, "order")
		doc.Endpoints["order"] = "/orders"
	}
	if h.svc.Settlements != nil {
		doc.Capabilities = append(doc.Capabilities, "settlement")
		doc.Endpoints["settlement"] = "/v1/ucp"
	}
	if h.svc.PaymentHandlers != nil {
		doc.PaymentHandlers = append(doc.PaymentHandlers, h.svc.PaymentHandlers.IDs()...)
	}
	if h.svc.Keys != nil {
		set, err := h.svc.Keys.KeySet()
		if err != nil {
			return Discovery{}, err
		}
		doc.SigningKeys = append(doc.SigningKeys, set.Keys...)
	}
	return doc, nil
}

func (h *Handler) handleDiscovery(w http.ResponseWriter, r *http.Request) {
	doc, err := h.discovery()
	if err != nil {
		h.writeServiceError(w, r, err)
		return
	}
	w.Header().Set("Cache-Control", "public, max-age=300")
	writeJSON(w, http.StatusOK, doc)
}
