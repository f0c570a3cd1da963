package ucp

import (
	"github.com/sumup/ucp/internal/validation"
)

// Validate ensures QuoteRequest names a concrete corridor and a positive amount.
func (r QuoteRequest) Validate() error {
	if err := validation.Struct(r); err != nil {
		return err
	}
	if !r.Amount.IsPositive() {
		return validation.FieldError{Path: "amount", Tag: "gt", Message: "must be greater than 0"}
	}
	return nil
}

// Validate ensures SettleRequest carries either a token or a complete
// mandate payment.
func (r SettleRequest) Validate() error {
	if r.Token != "" && r.MandateID != "" {
		return NewInvalidRequestError("token and mandate_id are mutually exclusive", WithOffendingParam("$.mandate_id"))
	}
	if err := validation.Struct(r); err != nil {
		return err
	}
	if r.MandateID != "" {
		if r.IdempotencyKey == "" {
			return validation.FieldError{Path: "idempotency_key", Tag: "required", Message: "is required"}
		}
		if !r.Amount.IsPositive() {
			return validation.FieldError{Path: "amount", Tag: "gt", Message: "must be greater than 0"}
		}
	}
	return nil
}
