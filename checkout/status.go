package checkout

import "github.com/sumup/ucp/message"

// Metadata checkout_type values that never need a shipping address.
const (
	CheckoutTypeDigital = "digital"
	CheckoutTypeService = "service"
)

// Requirements is the set of facts the status engine derives from a checkout.
type Requirements struct {
	HasLineItems         bool
	HasBuyerEmail        bool
	HasShippingAddress   bool
	HasBillingAddress    bool
	HasPaymentInstrument bool
	HasRecoverableErrors bool
}

// Config gates which requirements must hold for completion.
type Config struct {
	RequireShipping bool
	RequireBilling  bool
}

// ConfigFor derives the gating flags for c. Shipping is required unless the
// metadata marks the checkout as digital or service.
func ConfigFor(c *Checkout, requireBilling bool) Config {
	cfg := Config{RequireShipping: true, RequireBilling: requireBilling}
	switch c.MetadataString("checkout_type") {
	case CheckoutTypeDigital, CheckoutTypeService:
		cfg.RequireShipping = false
	}
	return cfg
}

// ComputeRequirements inspects c without modifying it.
func ComputeRequirements(c *Checkout) Requirements {
	return Requirements{
		HasLineItems:         len(c.LineItems) > 0,
		HasBuyerEmail:        c.Buyer != nil && c.Buyer.Email != "",
		HasShippingAddress:   c.ShippingAddress != nil,
		HasBillingAddress:    c.BillingAddress != nil,
		HasPaymentInstrument: c.Payment.SelectedInstrumentID != "" || len(c.Payment.Instruments) > 0,
		HasRecoverableErrors: message.HasRecoverableErrors(c.Messages),
	}
}

// ComputeStatus derives the status of c. Terminal states and
// complete_in_progress are returned unchanged; they are only left through
// explicit orchestrator transitions.
func ComputeStatus(c *Checkout, cfg Config) Status {
	if IsTerminal(c.Status) || c.Status == StatusCompleteInProgress {
		return c.Status
	}
	if message.HasBlockingErrors(c.Messages) {
		return StatusRequiresEscalation
	}
	req := ComputeRequirements(c)
	if len(missing(req, cfg)) == 0 && !req.HasRecoverableErrors {
		return StatusReadyForComplete
	}
	return StatusIncomplete
}

// MissingRequirements lists the fields that still block completion.
func MissingRequirements(c *Checkout, cfg Config) []string {
	return missing(ComputeRequirements(c), cfg)
}

func missing(req Requirements, cfg Config) []string {
	var out []string
	if !req.HasLineItems {
		out = append(out, "line_items")
	}
	if !req.HasBuyerEmail {
		out = append(out, "buyer.email")
	}
	if cfg.RequireShipping && !req.HasShippingAddress {
		out = append(out, "shipping_address")
	}
	if cfg.RequireBilling && !req.HasBillingAddress {
		out = append(out, "billing_address")
	}
	if !req.HasPaymentInstrument {
		out = append(out, "payment_instrument")
	}
	return out
}

// CanComplete reports whether completion may start from s.
func CanComplete(s Status) bool {
	return s == StatusReadyForComplete
}

// CanModify reports whether buyer updates are accepted in s.
func CanModify(s Status) bool {
	switch s {
	case StatusIncomplete, StatusRequiresEscalation, StatusReadyForComplete:
		return true
	default:
		return false
	}
}

// CanCancel reports whether s may move to canceled.
func CanCancel(s Status) bool {
	return CanModify(s)
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	return s == StatusCompleted || s == StatusCanceled
}
