// Package ids generates the opaque, prefixed identifiers used by every
// aggregate.
package ids

import (
	"strings"

	"github.com/google/uuid"
)

const (
	PrefixCheckout   = "chk_"
	PrefixOrder      = "ord_"
	PrefixSettlement = "stl_"
	PrefixToken      = "ucp_tok_"
	PrefixMessage    = "msg_"
	PrefixLineItem   = "li_"
	PrefixEvent      = "evt_"
	PrefixAdjustment = "adj_"
	PrefixTransfer   = "trf_"
	PrefixPayment    = "pay_"
	PrefixInstrument = "pi_"
)

// New returns prefix followed by a random UUID without dashes.
func New(prefix string) string {
	return prefix + compact(uuid.New())
}

// NewOrdered returns prefix followed by a time-ordered (v7) UUID, so ids
// generated later sort after earlier ones.
func NewOrdered(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		return New(prefix)
	}
	return prefix + compact(id)
}

func compact(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")
}
