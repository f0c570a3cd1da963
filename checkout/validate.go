package checkout

import (
	"fmt"
	"strings"

	"github.com/sumup/ucp/internal/validation"
	"github.com/sumup/ucp/message"
)

// ValidateLineItems returns one INVALID_LINE_ITEM error per failed field.
func ValidateLineItems(items []LineItem) []message.Message {
	var out []message.Message
	for i, li := range items {
		for _, fe := range validation.Fields(li) {
			out = append(out, message.NewError(
				message.CodeInvalidLineItem,
				fmt.Sprintf("line item %d: %s %s", i, fe.Path, lineItemReason(fe)),
				message.WithPath(fmt.Sprintf("$.line_items[%d].%s", i, fe.Path)),
			))
		}
	}
	return out
}

func lineItemReason(fe validation.FieldError) string {
	switch fe.Tag {
	case "gt":
		return "must be positive"
	case "gte":
		return "must not be negative"
	default:
		return fe.Message
	}
}

// ValidEmail reports whether email is syntactically valid.
func ValidEmail(email string) bool {
	return validation.Var(strings.TrimSpace(email), "required,email") == nil
}

// ValidateAddress returns an INVALID_ADDRESS error for each failed field of a.
// path is the JSON path of the address on the checkout.
func ValidateAddress(a *Address, path string) []message.Message {
	if a == nil {
		return nil
	}
	var out []message.Message
	for _, fe := range validation.Fields(a) {
		out = append(out, message.NewError(
			message.CodeInvalidAddress,
			fmt.Sprintf("address %s", fe.Error()),
			message.WithPath(path+"."+fe.Path),
		))
	}
	return out
}
