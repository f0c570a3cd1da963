// Package checkout holds the checkout aggregate and the pure status engine
// that derives its status from fields and messages. Nothing in this package
// performs I/O; persistence is behind [Store] and mutation flows live in the
// orchestrator package.
package checkout

import (
	"slices"
	"time"

	"github.com/sumup/ucp/message"
)

// Status is the lifecycle state of a checkout.
type Status string

const (
	StatusIncomplete         Status = "incomplete"
	StatusRequiresEscalation Status = "requires_escalation"
	StatusReadyForComplete   Status = "ready_for_complete"
	StatusCompleteInProgress Status = "complete_in_progress"
	StatusCompleted          Status = "completed"
	StatusCanceled           Status = "canceled"
)

// DefaultTTL is how long a checkout accepts updates and completion.
const DefaultTTL = 6 * time.Hour

// TotalType identifies a total line.
type TotalType string

const (
	TotalTypeSubtotal TotalType = "subtotal"
	TotalTypeDiscount TotalType = "discount"
	TotalTypeTax      TotalType = "tax"
	TotalTypeTotal    TotalType = "total"
)

// Checkout is the aggregate root. Amounts are in minor units of Currency.
type Checkout struct {
	ID              string            `json:"id"`
	TenantID        string            `json:"-"`
	Status          Status            `json:"status"`
	Currency        string            `json:"currency"`
	LineItems       []LineItem        `json:"line_items"`
	Totals          []Total           `json:"totals"`
	Buyer           *Buyer            `json:"buyer,omitempty"`
	ShippingAddress *Address          `json:"shipping_address,omitempty"`
	BillingAddress  *Address          `json:"billing_address,omitempty"`
	Payment         Payment           `json:"payment"`
	Messages        []message.Message `json:"messages"`
	ContinueURL     string            `json:"continue_url,omitempty"`
	CancelURL       string            `json:"cancel_url,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
	OrderID         string            `json:"order_id,omitempty"`
	ExpiresAt       time.Time         `json:"expires_at"`
	CreatedAt       time.Time         `json:"created_at"`
	UpdatedAt       time.Time         `json:"updated_at"`
}

// LineItem is a purchased product line.
type LineItem struct {
	ID        string `json:"id" validate:"required"`
	Name      string `json:"name" validate:"required"`
	Quantity  int64  `json:"quantity" validate:"gt=0"`
	UnitPrice int64  `json:"unit_price" validate:"gte=0"`
	Total     int64  `json:"total"`
}

// Total is one line of the totals breakdown.
type Total struct {
	Type        TotalType `json:"type"`
	Amount      int64     `json:"amount"`
	DisplayText string    `json:"display_text,omitempty"`
}

// Buyer identifies the purchaser.
type Buyer struct {
	Email       string `json:"email,omitempty"`
	FirstName   string `json:"first_name,omitempty"`
	LastName    string `json:"last_name,omitempty"`
	PhoneNumber string `json:"phone_number,omitempty"`
}

// Address is a postal address.
type Address struct {
	Name       string `json:"name,omitempty"`
	LineOne    string `json:"line_one" validate:"required"`
	LineTwo    string `json:"line_two,omitempty"`
	PostalCode string `json:"postal_code" validate:"required"`
	City       string `json:"city" validate:"required"`
	State      string `json:"state,omitempty"`
	Country    string `json:"country" validate:"required,len=2"`
}

// Payment is the payment configuration of a checkout.
type Payment struct {
	Handlers             []HandlerRef `json:"handlers"`
	Instruments          []Instrument `json:"instruments"`
	SelectedInstrumentID string       `json:"selected_instrument_id,omitempty"`
}

// HandlerRef advertises a payment handler usable for this checkout.
type HandlerRef struct {
	ID     string         `json:"id"`
	Config map[string]any `json:"config,omitempty"`
}

// Instrument is a buyer payment instrument bound to a handler.
type Instrument struct {
	ID         string      `json:"id"`
	HandlerID  string      `json:"handler_id"`
	Type       string      `json:"type"`
	Credential *Credential `json:"credential,omitempty"`
}

// Credential is the opaque secret an instrument carries to its handler.
type Credential struct {
	Type  string `json:"type"`
	Token string `json:"token"`
}

// SelectedInstrument returns the selected instrument, falling back to the
// only instrument when exactly one is present.
func (c *Checkout) SelectedInstrument() (Instrument, bool) {
	for _, in := range c.Payment.Instruments {
		if in.ID == c.Payment.SelectedInstrumentID {
			return in, true
		}
	}
	if c.Payment.SelectedInstrumentID == "" && len(c.Payment.Instruments) == 1 {
		return c.Payment.Instruments[0], true
	}
	return Instrument{}, false
}

// Total returns the grand total in minor units.
func (c *Checkout) Total() int64 {
	for _, t := range c.Totals {
		if t.Type == TotalTypeTotal {
			return t.Amount
		}
	}
	return 0
}

// Expired reports whether the checkout is past its expiry at now.
func (c *Checkout) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && !now.Before(c.ExpiresAt)
}

// MetadataString returns a string metadata value.
func (c *Checkout) MetadataString(key string) string {
	v, _ := c.Metadata[key].(string)
	return v
}

// RecalculateTotals recomputes line totals and the totals breakdown.
func (c *Checkout) RecalculateTotals() {
	var subtotal int64
	for i := range c.LineItems {
		li := &c.LineItems[i]
		if li.Quantity > 0 && li.UnitPrice >= 0 {
			li.Total = li.Quantity * li.UnitPrice
		} else {
			li.Total = 0
		}
		subtotal += li.Total
	}
	c.Totals = []Total{
		{Type: TotalTypeSubtotal, Amount: subtotal},
		{Type: TotalTypeTotal, Amount: subtotal},
	}
}

// Clone returns a deep copy so stores never share memory with callers.
func (c *Checkout) Clone() *Checkout {
	if c == nil {
		return nil
	}
	out := *c
	out.LineItems = slices.Clone(c.LineItems)
	out.Totals = slices.Clone(c.Totals)
	out.Messages = slices.Clone(c.Messages)
	if c.Buyer != nil {
		b := *c.Buyer
		out.Buyer = &b
	}
	out.ShippingAddress = cloneAddress(c.ShippingAddress)
	out.BillingAddress = cloneAddress(c.BillingAddress)
	out.Payment.Handlers = slices.Clone(c.Payment.Handlers)
	for i := range out.Payment.Handlers {
		out.Payment.Handlers[i].Config = cloneMap(out.Payment.Handlers[i].Config)
	}
	out.Payment.Instruments = slices.Clone(c.Payment.Instruments)
	for i, in := range out.Payment.Instruments {
		if in.Credential != nil {
			cred := *in.Credential
			out.Payment.Instruments[i].Credential = &cred
		}
	}
	out.Metadata = cloneMap(c.Metadata)
	return &out
}

func cloneAddress(a *Address) *Address {
	if a == nil {
		return nil
	}
	cp := *a
	return &cp
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		if nested, ok := v.(map[string]any); ok {
			out[k] = cloneMap(nested)
			continue
		}
		out[k] = v
	}
	return out
}
