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
)

// DefaultTokenTTL is how long an issued token stays valid.
const DefaultTokenTTL = 15 * time.Minute

// AcquireRequest asks for a settlement token.
type AcquireRequest struct {
	Corridor  Corridor        `json:"corridor"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Recipient Recipient       `json:"recipient"`
	Metadata  map[string]any  `json:"metadata,omitempty"`
	// Defer asks for the settlement to wait for the rules engine even on a
	// concrete corridor.
	Defer bool `json:"defer,omitempty"`
}

// TokenService issues, validates and consumes settlement tokens.
type TokenService struct {
	store  TokenStore
	quoter Quoter
	ttl    time.Duration
	clock  func() time.Time
	log    *logger.Logger
}

// TokenOption configures a [TokenService].
type TokenOption func(*TokenService)

// WithTokenTTL overrides [DefaultTokenTTL].
func WithTokenTTL(ttl time.Duration) TokenOption {
	if ttl <= 0 {
		panic("settlement: token TTL must be positive")
	}
	return func(s *TokenService) {
		s.ttl = ttl
	}
}

// WithQuoter replaces the default [RateTable].
func WithQuoter(q Quoter) TokenOption {
	return func(s *TokenService) {
		s.quoter = q
	}
}

// WithTokenClock provides deterministic time in tests.
func WithTokenClock(fn func() time.Time) TokenOption {
	return func(s *TokenService) {
		s.clock = fn
	}
}

// WithTokenLogger sets the logger.
func WithTokenLogger(l *logger.Logger) TokenOption {
	return func(s *TokenService) {
		s.log = l
	}
}

// NewTokenService builds a [TokenService] backed by store.
func NewTokenService(store TokenStore, opts ...TokenOption) *TokenService {
	if store == nil {
		panic("settlement: token store is required")
	}
	s := &TokenService{
		store:  store,
		quoter: RateTable{},
		ttl:    DefaultTokenTTL,
		clock:  time.Now,
		log:    logger.Nop(),
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(s)
	}
	return s
}

// Quote prices amount on corridor. The quote is valid for the token TTL.
func (s *TokenService) Quote(_ context.Context, corridor Corridor, amount decimal.Decimal, currency string) (Quote, error) {
	if err := ValidateAmount(amount); err != nil {
		return Quote{}, err
	}
	if corridor == CorridorAuto {
		return Quote{}, fmt.Errorf("%w: auto corridor cannot be quoted before a rail is chosen", ErrUnsupportedCorridor)
	}
	q, err := s.quoter.Quote(amount, currency, corridor)
	if err != nil {
		return Quote{}, err
	}
	q.ExpiresAt = s.clock().UTC().Add(s.ttl)
	return q, nil
}

// AcquireToken validates req and stores a fresh token. Tokens on the auto
// corridor carry no quote; one is computed when the rail is resolved.
func (s *TokenService) AcquireToken(ctx context.Context, tenantID string, req AcquireRequest) (*Token, error) {
	if strings.TrimSpace(tenantID) == "" {
		return nil, fmt.Errorf("%w: tenant is required", ErrInvalidRequest)
	}
	currency := strings.ToUpper(strings.TrimSpace(req.Currency))
	if err := SupportsCurrency(req.Corridor, currency); err != nil {
		return nil, err
	}
	if err := ValidateAmount(req.Amount); err != nil {
		return nil, err
	}
	recipient := req.Recipient
	if err := ValidateRecipient(req.Corridor, recipient); err != nil {
		return nil, err
	}
	if recipient.Type == "" {
		recipient.Type = req.Corridor
	}

	now := s.clock().UTC()
	tok := &Token{
		Token:        ids.New(ids.PrefixToken),
		SettlementID: ids.New(ids.PrefixSettlement),
		TenantID:     tenantID,
		Corridor:     req.Corridor,
		Amount:       req.Amount,
		Currency:     currency,
		Recipient:    recipient,
		Defer:        req.Defer,
		Metadata:     req.Metadata,
		CreatedAt:    now,
		ExpiresAt:    now.Add(s.ttl),
	}
	if req.Corridor != CorridorAuto {
		q, err := s.quoter.Quote(req.Amount, currency, req.Corridor)
		if err != nil {
			return nil, err
		}
		q.ExpiresAt = tok.ExpiresAt
		tok.Quote = &q
	}
	if err := s.store.SaveToken(ctx, tok); err != nil {
		return nil, fmt.Errorf("settlement: save token: %w", err)
	}
	s.log.Info("settlement token issued",
		"tenant_id", tenantID,
		"settlement_id", tok.SettlementID,
		"corridor", string(tok.Corridor),
		"amount", tok.Amount.String(),
		"currency", currency,
	)
	return tok.Clone(), nil
}

// ValidateToken returns the token if it exists for tenantID, is unused and
// has not expired. A token of another tenant is reported as not found.
func (s *TokenService) ValidateToken(ctx context.Context, tenantID, token string) (*Token, error) {
	tok, err := s.lookup(ctx, tenantID, token)
	if err != nil {
		return nil, err
	}
	if tok.Used {
		return nil, ErrTokenUsed
	}
	if tok.Expired(s.clock()) {
		return nil, ErrTokenExpired
	}
	return tok, nil
}

// MarkTokenUsed consumes a token. Missing or already used tokens are left alone.
func (s *TokenService) MarkTokenUsed(ctx context.Context, token string) error {
	_, err := s.store.MarkTokenUsed(ctx, token, s.clock().UTC())
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return fmt.Errorf("settlement: mark token used: %w", err)
	}
	return nil
}

// SweepExpired deletes expired, unused tokens.
func (s *TokenService) SweepExpired(ctx context.Context) (int, error) {
	n, err := s.store.DeleteExpiredTokens(ctx, s.clock().UTC())
	if err != nil {
		return 0, fmt.Errorf("settlement: sweep tokens: %w", err)
	}
	if n > 0 {
		s.log.Debug("expired settlement tokens deleted", "count", n)
	}
	return n, nil
}

func (s *TokenService) lookup(ctx context.Context, tenantID, token string) (*Token, error) {
	if token == "" {
		return nil, ErrTokenNotFound
	}
	tok, err := s.store.GetToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if tok.TenantID != tenantID {
		return nil, ErrTokenNotFound
	}
	return tok, nil
}
