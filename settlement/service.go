// Package settlement implements the cross-border payout protocol: FX quotes,
// single use settlement tokens, and the settlement state machine
//
//	deferred -> pending -> processing -> completed
//
// with failed reachable from every non-terminal state. Settlements advance
// asynchronously; callers poll [Service.GetSettlement] or subscribe to
// settlement.updated webhooks.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sumup/ucp/internal/ids"
	"github.com/sumup/ucp/internal/logger"
	"github.com/sumup/ucp/webhook"
)

const (
	DefaultProcessingDelay = 2 * time.Second
	DefaultCompletionDelay = 5 * time.Second

	asyncTimeout = 30 * time.Second
)

// ExecuteRequest consumes a token.
type ExecuteRequest struct {
	Token          string `json:"token"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Defer          bool   `json:"defer,omitempty"`
}

// DeferredResolution is the rules engine decision for a deferred settlement.
type DeferredResolution struct {
	Corridor Corridor `json:"corridor"`
	RuleID   string   `json:"rule_id"`
}

// MandateRequest settles against a spending mandate instead of a token.
type MandateRequest struct {
	MandateID      string          `json:"mandate_id"`
	Corridor       Corridor        `json:"corridor"`
	Amount         decimal.Decimal `json:"amount"`
	Currency       string          `json:"currency"`
	Recipient      Recipient       `json:"recipient"`
	IdempotencyKey string          `json:"idempotency_key"`
	Metadata       map[string]any  `json:"metadata,omitempty"`
}

// Service executes settlements.
type Service struct {
	store           Store
	tokens          *TokenService
	mandates        MandateStore
	quoter          Quoter
	scheduler       Scheduler
	emitter         webhook.Emitter
	processingDelay time.Duration
	completionDelay time.Duration
	clock           func() time.Time
	log             *logger.Logger
}

// Option configures a [Service].
type Option func(*Service)

// WithMandates enables [Service.ExecuteSettlementWithMandate].
func WithMandates(store MandateStore) Option {
	return func(s *Service) {
		s.mandates = store
	}
}

// WithScheduler replaces the timer based scheduler.
func WithScheduler(sch Scheduler) Option {
	return func(s *Service) {
		s.scheduler = sch
	}
}

// WithEmitter publishes settlement.updated events on every status change.
func WithEmitter(e webhook.Emitter) Option {
	return func(s *Service) {
		s.emitter = e
	}
}

// WithDelays sets how long settlements stay pending and processing.
func WithDelays(processing, completion time.Duration) Option {
	return func(s *Service) {
		s.processingDelay = processing
		s.completionDelay = completion
	}
}

// WithSettlementQuoter replaces the default [RateTable] used on resolution.
func WithSettlementQuoter(q Quoter) Option {
	return func(s *Service) {
		s.quoter = q
	}
}

// WithClock provides deterministic time in tests.
func WithClock(fn func() time.Time) Option {
	return func(s *Service) {
		s.clock = fn
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Service) {
		s.log = l
	}
}

// NewService builds a settlement [Service].
func NewService(store Store, tokens *TokenService, opts ...Option) *Service {
	if store == nil || tokens == nil {
		panic("settlement: store and token service are required")
	}
	s := &Service{
		store:           store,
		tokens:          tokens,
		quoter:          RateTable{},
		scheduler:       TimerScheduler{},
		processingDelay: DefaultProcessingDelay,
		completionDelay: DefaultCompletionDelay,
		clock:           time.Now,
		log:             logger.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Tokens exposes the token service backing s.
func (s *Service) Tokens() *TokenService {
	return s.tokens
}

// Quote prices amount on corridor without issuing a token.
func (s *Service) Quote(ctx context.Context, corridor Corridor, amount decimal.Decimal, currency string) (Quote, error) {
	return s.tokens.Quote(ctx, corridor, amount, currency)
}

// AcquireToken issues a settlement token for tenantID.
func (s *Service) AcquireToken(ctx context.Context, tenantID string, req AcquireRequest) (*Token, error) {
	return s.tokens.AcquireToken(ctx, tenantID, req)
}

// ExecuteSettlement consumes req.Token and creates its settlement. Repeated
// calls with the same token return the settlement created by the first call,
// including calls that race with it.
func (s *Service) ExecuteSettlement(ctx context.Context, tenantID string, req ExecuteRequest) (*Settlement, error) {
	if strings.TrimSpace(req.Token) == "" {
		return nil, fmt.Errorf("%w: token is required", ErrInvalidRequest)
	}
	if existing, err := s.store.GetSettlementByToken(ctx, tenantID, req.Token); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	tok, err := s.tokens.ValidateToken(ctx, tenantID, req.Token)
	if err != nil {
		if errors.Is(err, ErrTokenUsed) {
			// Consumed between our lookup and validation.
			if existing, lookupErr := s.store.GetSettlementByToken(ctx, tenantID, req.Token); lookupErr == nil {
				return existing, nil
			}
		}
		return nil, err
	}

	now := s.clock().UTC()
	stl := &Settlement{
		ID:             tok.SettlementID,
		TenantID:       tenantID,
		Token:          tok.Token,
		IdempotencyKey: req.IdempotencyKey,
		Status:         StatusPending,
		Corridor:       tok.Corridor,
		FromAmount:     tok.Amount,
		FromCurrency:   tok.Currency,
		Recipient:      tok.Recipient,
		Metadata:       tok.Metadata,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if tok.Quote != nil {
		stl.applyQuote(*tok.Quote)
	}
	if tok.Corridor == CorridorAuto || tok.Defer || req.Defer {
		stl.Status = StatusDeferred
	} else {
		eta := now.Add(EstimatedDuration(stl.Corridor))
		stl.EstimatedCompletion = &eta
	}

	created, ok, err := s.store.CreateSettlement(ctx, stl)
	if err != nil {
		return nil, fmt.Errorf("settlement: create: %w", err)
	}
	if !ok {
		return created, nil
	}
	if err := s.tokens.MarkTokenUsed(ctx, tok.Token); err != nil {
		s.log.Warn("settlement created but token not marked used", "settlement_id", created.ID, "error", err)
	}

	s.log.Info("settlement created", "tenant_id", tenantID, "settlement_id", created.ID, "status", string(created.Status), "corridor", string(created.Corridor))
	s.emit(ctx, created)
	if created.Status == StatusPending {
		s.scheduleProcessing(tenantID, created.ID)
	}
	return created, nil
}

// GetSettlement returns a tenant's settlement.
func (s *Service) GetSettlement(ctx context.Context, tenantID, id string) (*Settlement, error) {
	return s.store.GetSettlement(ctx, tenantID, id)
}

// GetDeferredSettlements lists the settlements waiting for a rail decision.
func (s *Service) GetDeferredSettlements(ctx context.Context, tenantID string) ([]*Settlement, error) {
	return s.store.ListSettlementsByStatus(ctx, tenantID, StatusDeferred)
}

// ExecuteDeferredSettlement applies a rules engine decision. It is only valid
// while the settlement is deferred; the quote is recomputed for the chosen rail.
func (s *Service) ExecuteDeferredSettlement(ctx context.Context, tenantID, id string, res DeferredResolution) (*Settlement, error) {
	if res.Corridor == CorridorAuto || res.Corridor == "" {
		return nil, fmt.Errorf("%w: a concrete corridor is required", ErrUnsupportedCorridor)
	}
	stl, err := s.store.GetSettlement(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if stl.Status != StatusDeferred {
		return nil, fmt.Errorf("%w: settlement is %s, expected %s", ErrInvalidState, stl.Status, StatusDeferred)
	}
	if !stl.Recipient.Compatible(res.Corridor) {
		return nil, fmt.Errorf("%w: %s recipient cannot be paid on %s", ErrInvalidRecipient, stl.Recipient.Type, res.Corridor)
	}
	q, err := s.quoter.Quote(stl.FromAmount, stl.FromCurrency, res.Corridor)
	if err != nil {
		return nil, err
	}

	now := s.clock().UTC()
	stl.applyQuote(q)
	stl.RuleID = res.RuleID
	stl.Status = StatusPending
	stl.UpdatedAt = now
	eta := now.Add(EstimatedDuration(res.Corridor))
	stl.EstimatedCompletion = &eta
	if err := s.store.UpdateSettlement(ctx, stl, StatusDeferred); err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, fmt.Errorf("%w: settlement was resolved concurrently", ErrInvalidState)
		}
		return nil, err
	}

	s.log.Info("deferred settlement resolved", "tenant_id", tenantID, "settlement_id", id, "corridor", string(res.Corridor), "rule_id", res.RuleID)
	s.emit(ctx, stl)
	s.scheduleProcessing(tenantID, id)
	return stl.Clone(), nil
}

// ExecuteSettlementWithMandate settles against a mandate. Mandate checks run
// before anything is created; a rejected debit fails the settlement straight
// from pending. Repeated calls with the same idempotency key return the
// first settlement.
func (s *Service) ExecuteSettlementWithMandate(ctx context.Context, tenantID string, req MandateRequest) (*Settlement, error) {
	if s.mandates == nil {
		return nil, fmt.Errorf("%w: mandates are not configured", ErrMandateNotFound)
	}
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, fmt.Errorf("%w: idempotency_key is required", ErrInvalidRequest)
	}
	if existing, err := s.store.GetSettlementByIdempotencyKey(ctx, tenantID, req.IdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	if req.Corridor == CorridorAuto {
		return nil, fmt.Errorf("%w: mandate settlements need a concrete corridor", ErrUnsupportedCorridor)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	mandate, err := s.mandates.GetMandate(ctx, tenantID, req.MandateID)
	if err != nil {
		return nil, err
	}
	now := s.clock().UTC()
	if !mandate.Active(now) {
		return nil, fmt.Errorf("%w: %s", ErrMandateInactive, mandate.Status)
	}
	if !strings.EqualFold(mandate.Currency, currency) {
		return nil, fmt.Errorf("%w: mandate is %s, request is %s", ErrMandateCurrency, mandate.Currency, currency)
	}
	if mandate.Remaining().LessThan(req.Amount) {
		return nil, fmt.Errorf("%w: %s remaining", ErrMandateInsufficient, mandate.Remaining())
	}
	if err := ValidateRecipient(req.Corridor, req.Recipient); err != nil {
		return nil, err
	}
	q, err := s.quoter.Quote(req.Amount, currency, req.Corridor)
	if err != nil {
		return nil, err
	}

	recipient := req.Recipient
	if recipient.Type == "" {
		recipient.Type = req.Corridor
	}
	eta := now.Add(EstimatedDuration(req.Corridor))
	stl := &Settlement{
		ID:                  ids.New(ids.PrefixSettlement),
		TenantID:            tenantID,
		IdempotencyKey:      req.IdempotencyKey,
		Status:              StatusPending,
		Recipient:           recipient,
		MandateID:           mandate.ID,
		Metadata:            req.Metadata,
		EstimatedCompletion: &eta,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	stl.applyQuote(q)

	created, ok, err := s.store.CreateSettlement(ctx, stl)
	if err != nil {
		return nil, fmt.Errorf("settlement: create: %w", err)
	}
	if !ok {
		return created, nil
	}

	if _, err := s.mandates.DebitMandate(ctx, tenantID, mandate.ID, req.Amount); err != nil {
		s.log.Warn("mandate debit rejected", "tenant_id", tenantID, "settlement_id", created.ID, "mandate_id", mandate.ID, "error", err)
		failed, failErr := s.transition(ctx, tenantID, created.ID, StatusPending, StatusFailed, "mandate rejected: "+err.Error())
		if failErr != nil {
			return nil, failErr
		}
		return failed, nil
	}

	s.log.Info("mandate settlement created", "tenant_id", tenantID, "settlement_id", created.ID, "mandate_id", mandate.ID)
	s.emit(ctx, created)
	s.scheduleProcessing(tenantID, created.ID)
	return created, nil
}

// FailSettlement moves a non-terminal settlement to failed.
func (s *Service) FailSettlement(ctx context.Context, tenantID, id, reason string) (*Settlement, error) {
	stl, err := s.store.GetSettlement(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if stl.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: settlement is already %s", ErrInvalidState, stl.Status)
	}
	return s.transition(ctx, tenantID, id, stl.Status, StatusFailed, reason)
}

// Resume reschedules the next transition of a pending or processing
// settlement. The sweeper uses it after a restart has dropped timers.
func (s *Service) Resume(stl *Settlement) {
	switch stl.Status {
	case StatusPending:
		s.scheduleProcessing(stl.TenantID, stl.ID)
	case StatusProcessing:
		s.scheduleCompletion(stl.TenantID, stl.ID)
	default:
		s.log.Debug("settlement not resumable", "settlement_id", stl.ID, "status", string(stl.Status))
	}
}

func (s *Service) scheduleProcessing(tenantID, id string) {
	s.scheduler.Schedule(s.processingDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if _, err := s.transition(ctx, tenantID, id, StatusPending, StatusProcessing, ""); err != nil {
			s.log.Warn("settlement processing transition skipped", "settlement_id", id, "error", err)
			return
		}
		s.scheduleCompletion(tenantID, id)
	})
}

func (s *Service) scheduleCompletion(tenantID, id string) {
	s.scheduler.Schedule(s.completionDelay, func() {
		ctx, cancel := context.WithTimeout(context.Background(), asyncTimeout)
		defer cancel()
		if _, err := s.transition(ctx, tenantID, id, StatusProcessing, StatusCompleted, ""); err != nil {
			s.log.Warn("settlement completion transition skipped", "settlement_id", id, "error", err)
		}
	})
}

func (s *Service) transition(ctx context.Context, tenantID, id string, from, to Status, reason string) (*Settlement, error) {
	if !CanTransition(from, to) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidState, from, to)
	}
	stl, err := s.store.GetSettlement(ctx, tenantID, id)
	if err != nil {
		return nil, err
	}
	if stl.Status != from {
		return nil, fmt.Errorf("%w: settlement is %s, expected %s", ErrInvalidState, stl.Status, from)
	}

	now := s.clock().UTC()
	stl.Status = to
	stl.UpdatedAt = now
	switch to {
	case StatusCompleted:
		stl.TransferID = ids.New(ids.PrefixTransfer)
		stl.CompletedAt = &now
	case StatusFailed:
		stl.FailureReason = reason
	}
	if err := s.store.UpdateSettlement(ctx, stl, from); err != nil {
		return nil, err
	}
	s.log.Info("settlement status changed", "tenant_id", tenantID, "settlement_id", id, "from", string(from), "to", string(to))
	s.emit(ctx, stl)
	return stl.Clone(), nil
}

func (s *Service) emit(ctx context.Context, stl *Settlement) {
	if s.emitter == nil {
		return
	}
	if err := s.emitter.Emit(ctx, webhook.EventSettlementUpdated, stl); err != nil {
		s.log.Warn("settlement webhook failed", "settlement_id", stl.ID, "error", err)
	}
}
