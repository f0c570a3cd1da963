// Package webhook builds signed outbound events and hands them to a
// [Transport]. Bodies are canonical JSON so receivers can verify the detached
// signature over the exact bytes they received.
package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	canonicaljson "github.com/gibson042/canonicaljson-go"

	"github.com/sumup/ucp/internal/ids"
	"github.com/sumup/ucp/internal/logger"
)

// EventType enumerates the emitted events.
type EventType string

const (
	EventSettlementUpdated EventType = "settlement.updated"
	EventOrderCreated      EventType = "order.created"
	EventOrderUpdated      EventType = "order.updated"
	EventCheckoutCompleted EventType = "checkout.completed"
)

// SignatureHeader carries the detached signature on delivered requests.
const SignatureHeader = "Request-Signature"

// Event is a signed, ready to deliver webhook.
type Event struct {
	ID        string          `json:"id"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Signature string          `json:"signature"`
	CreatedAt time.Time       `json:"created_at"`
}

type envelope struct {
	ID        string    `json:"id"`
	Type      EventType `json:"type"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
}

// Signer produces a detached signature for a payload.
type Signer interface {
	Sign(payload []byte) (string, error)
}

// Transport delivers signed events.
type Transport interface {
	Deliver(ctx context.Context, event Event) error
}

// Emitter is what domain services depend on to publish events.
type Emitter interface {
	Emit(ctx context.Context, eventType EventType, data any) error
}

// EmitterFunc lifts bare functions into [Emitter].
type EmitterFunc func(ctx context.Context, eventType EventType, data any) error

// Emit delegates to the wrapped function.
func (f EmitterFunc) Emit(ctx context.Context, eventType EventType, data any) error {
	return f(ctx, eventType, data)
}

// Publisher signs events and delivers them through a transport.
type Publisher struct {
	signer    Signer
	transport Transport
	clock     func() time.Time
	log       *logger.Logger
}

// Option configures a [Publisher].
type Option func(*Publisher)

// WithClock provides deterministic time in tests.
func WithClock(fn func() time.Time) Option {
	return func(p *Publisher) {
		p.clock = fn
	}
}

// WithLogger sets the logger used for delivery failures.
func WithLogger(l *logger.Logger) Option {
	return func(p *Publisher) {
		p.log = l
	}
}

// NewPublisher builds a [Publisher].
func NewPublisher(signer Signer, transport Transport, opts ...Option) *Publisher {
	if signer == nil {
		panic("webhook: signer is required")
	}
	if transport == nil {
		panic("webhook: transport is required")
	}
	p := &Publisher{
		signer:    signer,
		transport: transport,
		clock:     time.Now,
		log:       logger.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(p)
	}
	return p
}

// Build produces the signed event without delivering it.
func (p *Publisher) Build(eventType EventType, data any) (Event, error) {
	if eventType == "" {
		return Event{}, errors.New("webhook: event type is required")
	}
	env := envelope{
		ID:        ids.NewOrdered(ids.PrefixEvent),
		Type:      eventType,
		CreatedAt: p.clock().UTC(),
		Data:      data,
	}
	body, err := canonicaljson.Marshal(env)
	if err != nil {
		return Event{}, fmt.Errorf("webhook: marshal payload: %w", err)
	}
	sig, err := p.signer.Sign(body)
	if err != nil {
		return Event{}, fmt.Errorf("webhook: sign payload: %w", err)
	}
	return Event{
		ID:        env.ID,
		Type:      eventType,
		Payload:   body,
		Signature: sig,
		CreatedAt: env.CreatedAt,
	}, nil
}

// Emit builds and delivers one event.
func (p *Publisher) Emit(ctx context.Context, eventType EventType, data any) error {
	event, err := p.Build(eventType, data)
	if err != nil {
		return err
	}
	if err := p.transport.Deliver(ctx, event); err != nil {
		p.log.Warn("webhook delivery failed", "event_id", event.ID, "event_type", string(eventType), "error", err)
		return err
	}
	p.log.Debug("webhook delivered", "event_id", event.ID, "event_type", string(eventType))
	return nil
}
