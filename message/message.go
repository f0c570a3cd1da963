// Package message implements the structured error, warning and info records
// that accumulate on a checkout and drive its status.
//
// Collections are treated as immutable values: every helper that changes a
// collection returns a new slice and leaves its input untouched.
package message

import (
	"time"

	"github.com/sumup/ucp/internal/ids"
)

// Type classifies a message.
type Type string

const (
	TypeError   Type = "error"
	TypeWarning Type = "warning"
	TypeInfo    Type = "info"
)

// Severity is only meaningful on errors.
type Severity string

const (
	// SeverityRecoverable errors can be resolved by the platform without the buyer.
	SeverityRecoverable Severity = "recoverable"
	// SeverityRequiresBuyerInput errors need the buyer to supply or correct data.
	SeverityRequiresBuyerInput Severity = "requires_buyer_input"
	// SeverityRequiresBuyerReview errors need the buyer to review and accept a change.
	SeverityRequiresBuyerReview Severity = "requires_buyer_review"
)

// ContentType describes how Content should be rendered.
type ContentType string

const (
	ContentTypePlain    ContentType = "plain"
	ContentTypeMarkdown ContentType = "markdown"
)

// Message is an immutable record attached to a checkout.
type Message struct {
	ID          string      `json:"id"`
	Type        Type        `json:"type"`
	Code        Code        `json:"code"`
	Severity    Severity    `json:"severity,omitempty"`
	Path        string      `json:"path,omitempty"`
	Content     string      `json:"content"`
	ContentType ContentType `json:"content_type"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Option overrides the defaults derived from a message code.
type Option func(*Message)

// WithSeverity overrides the default severity of an error code.
func WithSeverity(severity Severity) Option {
	return func(m *Message) {
		m.Severity = severity
	}
}

// WithPath sets the JSON pointer of the field the message refers to.
func WithPath(path string) Option {
	return func(m *Message) {
		m.Path = path
	}
}

// WithContentType switches the content format, plain by default.
func WithContentType(ct ContentType) Option {
	return func(m *Message) {
		m.ContentType = ct
	}
}

// NewError builds an error message. Severity and path default to the values
// registered for code; errors with an unknown code default to requires_buyer_input.
func NewError(code Code, content string, opts ...Option) Message {
	m := newMessage(TypeError, code, content)
	m.Severity = SeverityRequiresBuyerInput
	if d, ok := codeDefaults[code]; ok {
		m.Severity = d.severity
		m.Path = d.path
	}
	return apply(m, opts)
}

// NewWarning builds a warning message. Warnings never carry a severity.
func NewWarning(code Code, content string, opts ...Option) Message {
	m := newMessage(TypeWarning, code, content)
	if d, ok := codeDefaults[code]; ok {
		m.Path = d.path
	}
	m = apply(m, opts)
	m.Severity = ""
	return m
}

// NewInfo builds an informational message.
func NewInfo(code Code, content string, opts ...Option) Message {
	m := newMessage(TypeInfo, code, content)
	m = apply(m, opts)
	m.Severity = ""
	return m
}

func newMessage(typ Type, code Code, content string) Message {
	return Message{
		ID:          ids.NewOrdered(ids.PrefixMessage),
		Type:        typ,
		Code:        code,
		Content:     content,
		ContentType: ContentTypePlain,
		CreatedAt:   time.Now().UTC(),
	}
}

func apply(m Message, opts []Option) Message {
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&m)
	}
	return m
}

// IsBlocking reports whether m is an error that needs the buyer.
func (m Message) IsBlocking() bool {
	return m.Type == TypeError && m.Severity != SeverityRecoverable
}

// IsRecoverable reports whether m is an error the platform can resolve itself.
func (m Message) IsRecoverable() bool {
	return m.Type == TypeError && m.Severity == SeverityRecoverable
}
