package message

// Code is a machine readable identifier for a message.
type Code string

const (
	CodeInvalidLineItem          Code = "INVALID_LINE_ITEM"
	CodeMissingLineItems         Code = "MISSING_LINE_ITEMS"
	CodeOutOfStock               Code = "OUT_OF_STOCK"
	CodePriceChanged             Code = "PRICE_CHANGED"
	CodeMissingEmail             Code = "MISSING_EMAIL"
	CodeInvalidEmail             Code = "INVALID_EMAIL"
	CodeMissingShippingAddress   Code = "MISSING_SHIPPING_ADDRESS"
	CodeMissingBillingAddress    Code = "MISSING_BILLING_ADDRESS"
	CodeInvalidAddress           Code = "INVALID_ADDRESS"
	CodeMissingPaymentInstrument Code = "MISSING_PAYMENT_INSTRUMENT"
	CodeInvalidPaymentInstrument Code = "INVALID_PAYMENT_INSTRUMENT"
	CodePaymentDeclined          Code = "PAYMENT_DECLINED"
	CodeRequires3DS              Code = "REQUIRES_3DS"
	CodeRequiresSignIn           Code = "REQUIRES_SIGN_IN"
	CodeCheckoutExpired          Code = "CHECKOUT_EXPIRED"
	CodeTaxRecalculated          Code = "TAX_RECALCULATED"
)

type codeDefault struct {
	severity Severity
	path     string
}

var codeDefaults = map[Code]codeDefault{
	CodeInvalidLineItem:          {SeverityRequiresBuyerInput, "$.line_items"},
	CodeMissingLineItems:         {SeverityRequiresBuyerInput, "$.line_items"},
	CodeOutOfStock:               {SeverityRequiresBuyerReview, "$.line_items"},
	CodePriceChanged:             {SeverityRequiresBuyerReview, "$.line_items"},
	CodeMissingEmail:             {SeverityRequiresBuyerInput, "$.buyer.email"},
	CodeInvalidEmail:             {SeverityRequiresBuyerInput, "$.buyer.email"},
	CodeMissingShippingAddress:   {SeverityRequiresBuyerInput, "$.shipping_address"},
	CodeMissingBillingAddress:    {SeverityRequiresBuyerInput, "$.billing_address"},
	CodeInvalidAddress:           {SeverityRequiresBuyerInput, "$.shipping_address"},
	CodeMissingPaymentInstrument: {SeverityRequiresBuyerInput, "$.payment.instruments"},
	CodeInvalidPaymentInstrument: {SeverityRequiresBuyerInput, "$.payment.instruments"},
	CodePaymentDeclined:          {SeverityRecoverable, "$.payment"},
	CodeRequires3DS:              {SeverityRequiresBuyerInput, "$.payment"},
	CodeRequiresSignIn:           {SeverityRequiresBuyerInput, "$.buyer"},
	CodeCheckoutExpired:          {SeverityRequiresBuyerReview, ""},
	CodeTaxRecalculated:          {SeverityRecoverable, "$.totals"},
}

// DefaultSeverity returns the severity an error with code gets when none is
// supplied.
func DefaultSeverity(code Code) Severity {
	if d, ok := codeDefaults[code]; ok {
		return d.severity
	}
	return SeverityRequiresBuyerInput
}

// DefaultPath returns the path registered for code, if any.
func DefaultPath(code Code) string {
	return codeDefaults[code].path
}
