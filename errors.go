package ucp

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/internal/validation"
	"github.com/sumup/ucp/orchestrator"
	"github.com/sumup/ucp/order"
	"github.com/sumup/ucp/settlement"
)

// ErrorType mirrors the UCP error.type field.
type ErrorType string

const (
	InvalidRequest     ErrorType = "invalid_request"     // Missing or malformed field.
	NotFound           ErrorType = "not_found"           // Unknown resource, or one owned by another tenant.
	InvalidState       ErrorType = "invalid_state"       // Operation not allowed in the current state.
	ProcessingError    ErrorType = "processing_error"    // Downstream payment or payout failure.
	RateLimitExceeded  ErrorType = "rate_limit_exceeded" // Too many requests.
	ServiceUnavailable ErrorType = "service_unavailable" // Temporary outage or maintenance.
)

// ErrorCode is a machine-readable identifier for the specific failure.
type ErrorCode string

const (
	InvalidSignature     ErrorCode = "invalid_signature"     // Signature is missing or does not match the payload.
	SignatureRequired    ErrorCode = "signature_required"    // Signed requests are required but headers were missing.
	StaleTimestamp       ErrorCode = "stale_timestamp"       // Timestamp skew exceeded the allowed window.
	MissingAuthorization ErrorCode = "missing_authorization" // Authorization header missing.
	InvalidAuthorization ErrorCode = "invalid_authorization" // Authorization header malformed or API key invalid.

	ResourceNotFound     ErrorCode = "resource_not_found"
	AlreadyExists        ErrorCode = "already_exists"
	InvalidTransition    ErrorCode = "invalid_transition"
	NotModifiable        ErrorCode = "not_modifiable"
	CheckoutExpired      ErrorCode = "checkout_expired"
	NotReady             ErrorCode = "not_ready_for_complete"
	BlockingMessages     ErrorCode = "blocking_messages"
	PaymentDeclined      ErrorCode = "payment_declined"
	RefundExceedsTotal   ErrorCode = "refund_exceeds_total"
	RefundUnsupported    ErrorCode = "refund_unsupported"
	UnsupportedCorridor  ErrorCode = "unsupported_corridor"
	InvalidAmount        ErrorCode = "invalid_amount"
	InvalidRecipient     ErrorCode = "invalid_recipient"
	TokenUsed            ErrorCode = "token_used"
	TokenExpired         ErrorCode = "token_expired"
	ConcurrentUpdate     ErrorCode = "concurrent_update"
	MandateInactive      ErrorCode = "mandate_inactive"
	MandateCurrency      ErrorCode = "mandate_currency_mismatch"
	MandateInsufficient  ErrorCode = "mandate_insufficient"
	RequestNotIdempotent ErrorCode = "request_not_idempotent"
)

// Error represents a structured UCP error payload.
type Error struct {
	Type    ErrorType `json:"type"`
	Code    ErrorCode `json:"code"`
	Message string    `json:"message"`
	Param   *string   `json:"param,omitempty"`

	status     int           `json:"-"`
	retryAfter time.Duration `json:"-"`
}

// Error makes *Error satisfy the stdlib error interface.
func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

// StatusCode returns the HTTP status the error is written with.
func (e *Error) StatusCode() int {
	if e == nil || e.status == 0 {
		return http.StatusInternalServerError
	}
	return e.status
}

// RetryAfter returns the duration clients should wait before retrying.
func (e *Error) RetryAfter() time.Duration {
	if e == nil {
		return 0
	}
	return e.retryAfter
}

type errorOption func(*Error)

// WithOffendingParam sets the JSON path for the field that triggered the error.
func WithOffendingParam(jsonPath string) errorOption {
	return func(er *Error) {
		er.Param = &jsonPath
	}
}

// WithStatusCode overrides the HTTP status code returned to the client.
func WithStatusCode(status int) errorOption {
	return func(er *Error) {
		er.status = status
	}
}

// WithRetryAfter specifies how long clients should wait before retrying.
func WithRetryAfter(d time.Duration) errorOption {
	return func(er *Error) {
		er.retryAfter = d
	}
}

// NewRateLimitExceededError builds a Too Many Requests error payload.
func NewRateLimitExceededError(message string, opts ...errorOption) *Error {
	return newError(RateLimitExceeded, ErrorCode(RateLimitExceeded), message, append([]errorOption{WithStatusCode(http.StatusTooManyRequests)}, opts...)...)
}

// NewServiceUnavailableError builds a Service Unavailable error payload.
func NewServiceUnavailableError(message string, opts ...errorOption) *Error {
	return newError(ServiceUnavailable, ErrorCode(ServiceUnavailable), message, append([]errorOption{WithStatusCode(http.StatusServiceUnavailable)}, opts...)...)
}

// NewInvalidRequestError builds a Bad Request error payload.
func NewInvalidRequestError(message string, opts ...errorOption) *Error {
	return newError(InvalidRequest, ErrorCode(InvalidRequest), message, append([]errorOption{WithStatusCode(http.StatusBadRequest)}, opts...)...)
}

// NewProcessingError builds an Internal Server Error payload.
func NewProcessingError(message string, opts ...errorOption) *Error {
	return newError(ProcessingError, ErrorCode(ProcessingError), message, append([]errorOption{WithStatusCode(http.StatusInternalServerError)}, opts...)...)
}

// NewHTTPError allows callers to control the status code explicitly.
func NewHTTPError(status int, typ ErrorType, code ErrorCode, message string, opts ...errorOption) *Error {
	return newError(typ, code, message, append(opts, WithStatusCode(status))...)
}

// newError builds a typed error payload matching the UCP schema.
func newError(typ ErrorType, code ErrorCode, message string, opts ...errorOption) *Error {
	errPayload := &Error{
		Type:    typ,
		Code:    code,
		Message: message,
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(errPayload)
	}
	return errPayload
}

type errorMapping struct {
	err    error
	status int
	typ    ErrorType
	code   ErrorCode
}

// domainErrors is matched in order with errors.Is.
var domainErrors = []errorMapping{
	{checkout.ErrNotFound, http.StatusNotFound, NotFound, ResourceNotFound},
	{order.ErrNotFound, http.StatusNotFound, NotFound, ResourceNotFound},
	{settlement.ErrNotFound, http.StatusNotFound, NotFound, ResourceNotFound},
	{settlement.ErrTokenNotFound, http.StatusNotFound, NotFound, ResourceNotFound},
	{settlement.ErrMandateNotFound, http.StatusNotFound, NotFound, ResourceNotFound},

	{checkout.ErrInvalidRequest, http.StatusBadRequest, InvalidRequest, ErrorCode(InvalidRequest)},
	{order.ErrInvalidEvent, http.StatusBadRequest, InvalidRequest, ErrorCode(InvalidRequest)},
	{order.ErrInvalidAdjustment, http.StatusBadRequest, InvalidRequest, ErrorCode(InvalidRequest)},
	{order.ErrRefundExceedsTotal, http.StatusBadRequest, InvalidRequest, RefundExceedsTotal},
	{settlement.ErrInvalidRequest, http.StatusBadRequest, InvalidRequest, ErrorCode(InvalidRequest)},
	{settlement.ErrUnsupportedCorridor, http.StatusBadRequest, InvalidRequest, UnsupportedCorridor},
	{settlement.ErrInvalidAmount, http.StatusBadRequest, InvalidRequest, InvalidAmount},
	{settlement.ErrInvalidRecipient, http.StatusBadRequest, InvalidRequest, InvalidRecipient},
	{settlement.ErrMandateCurrency, http.StatusBadRequest, InvalidRequest, MandateCurrency},

	{checkout.ErrAlreadyExists, http.StatusConflict, InvalidState, AlreadyExists},
	{checkout.ErrInvalidTransition, http.StatusConflict, InvalidState, InvalidTransition},
	{checkout.ErrNotModifiable, http.StatusConflict, InvalidState, NotModifiable},
	{checkout.ErrExpired, http.StatusConflict, InvalidState, CheckoutExpired},
	{checkout.ErrNotReady, http.StatusConflict, InvalidState, NotReady},
	{checkout.ErrBlockingMessages, http.StatusConflict, InvalidState, BlockingMessages},
	{order.ErrInvalidTransition, http.StatusConflict, InvalidState, InvalidTransition},
	{orchestrator.ErrRefundUnsupported, http.StatusConflict, InvalidState, RefundUnsupported},
	{settlement.ErrTokenUsed, http.StatusConflict, InvalidState, TokenUsed},
	{settlement.ErrTokenExpired, http.StatusConflict, InvalidState, TokenExpired},
	{settlement.ErrInvalidState, http.StatusConflict, InvalidState, InvalidTransition},
	{settlement.ErrStatusConflict, http.StatusConflict, InvalidState, ConcurrentUpdate},
	{settlement.ErrMandateInactive, http.StatusConflict, InvalidState, MandateInactive},

	{checkout.ErrPaymentDeclined, http.StatusPaymentRequired, ProcessingError, PaymentDeclined},
	{settlement.ErrMandateInsufficient, http.StatusPaymentRequired, ProcessingError, MandateInsufficient},
}

// ErrorFromDomain converts an engine error into its transport payload.
// Unknown errors become a 500 without leaking their message.
func ErrorFromDomain(err error) *Error {
	if err == nil {
		return nil
	}
	var httpErr *Error
	if errors.As(err, &httpErr) {
		return httpErr
	}
	var fieldErr validation.FieldError
	if errors.As(err, &fieldErr) {
		return NewInvalidRequestError(fieldErr.Error(), WithOffendingParam("$."+fieldErr.Path))
	}
	for _, m := range domainErrors {
		if errors.Is(err, m.err) {
			return NewHTTPError(m.status, m.typ, m.code, err.Error())
		}
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return NewServiceUnavailableError("request timed out", WithRetryAfter(time.Second))
	}
	return NewProcessingError("internal server error")
}
