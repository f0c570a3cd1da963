package settlement

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

var (
	ErrUnsupportedCorridor = errors.New("unsupported corridor")
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidRecipient    = errors.New("invalid recipient")
	ErrInvalidRequest      = errors.New("invalid settlement request")
	ErrTokenNotFound       = errors.New("settlement token not found")
	ErrTokenUsed           = errors.New("settlement token already used")
	ErrTokenExpired        = errors.New("settlement token expired")
	ErrNotFound            = errors.New("settlement not found")
	ErrInvalidState        = errors.New("settlement is not in the expected state")
	ErrStatusConflict      = errors.New("settlement status changed concurrently")
	ErrMandateNotFound     = errors.New("mandate not found")
	ErrMandateInactive     = errors.New("mandate is not active")
	ErrMandateCurrency     = errors.New("mandate currency mismatch")
	ErrMandateInsufficient = errors.New("mandate has insufficient remaining amount")
)

// TokenStore persists settlement tokens.
type TokenStore interface {
	SaveToken(ctx context.Context, t *Token) error
	// GetToken returns ErrTokenNotFound for unknown tokens. Tenant checks are
	// left to the caller so mismatches can be reported as not found.
	GetToken(ctx context.Context, token string) (*Token, error)
	// MarkTokenUsed flips used from false to true in a single conditional
	// write. It reports false when the token was already used or is missing.
	MarkTokenUsed(ctx context.Context, token string, usedAt time.Time) (bool, error)
	DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error)
}

// Store persists settlements. Every read is tenant scoped.
type Store interface {
	// CreateSettlement inserts s unless a settlement with the same
	// [Settlement.DedupeKey] exists, in which case the existing one is
	// returned with created=false.
	CreateSettlement(ctx context.Context, s *Settlement) (existing *Settlement, created bool, err error)
	GetSettlement(ctx context.Context, tenantID, id string) (*Settlement, error)
	GetSettlementByToken(ctx context.Context, tenantID, token string) (*Settlement, error)
	GetSettlementByIdempotencyKey(ctx context.Context, tenantID, key string) (*Settlement, error)
	// UpdateSettlement replaces s only if its stored status still equals
	// expected; otherwise it returns ErrStatusConflict.
	UpdateSettlement(ctx context.Context, s *Settlement, expected Status) error
	ListSettlementsByStatus(ctx context.Context, tenantID string, status Status) ([]*Settlement, error)
	// ListStaleSettlements returns settlements of any tenant in one of
	// statuses that have not been updated since before.
	ListStaleSettlements(ctx context.Context, statuses []Status, before time.Time, limit int) ([]*Settlement, error)
}

// MandateStore persists spending mandates.
type MandateStore interface {
	GetMandate(ctx context.Context, tenantID, id string) (*Mandate, error)
	// DebitMandate atomically adds amount to the used amount, failing with
	// ErrMandateInsufficient when the remaining amount is too small.
	DebitMandate(ctx context.Context, tenantID, id string, amount decimal.Decimal) (*Mandate, error)
}
