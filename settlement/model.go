package settlement

import (
	"maps"
	"time"

	"github.com/shopspring/decimal"
)

// Corridor is a payout rail.
type Corridor string

const (
	CorridorPix  Corridor = "pix"
	CorridorSPEI Corridor = "spei"
	// CorridorAuto leaves rail selection to the settlement rules engine.
	CorridorAuto Corridor = "auto"
)

// Status is the lifecycle state of a settlement.
type Status string

const (
	StatusPending    Status = "pending"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusDeferred   Status = "deferred"
)

var transitions = map[Status][]Status{
	StatusDeferred:   {StatusPending, StatusFailed},
	StatusPending:    {StatusProcessing, StatusFailed},
	StatusProcessing: {StatusCompleted, StatusFailed},
}

// CanTransition reports whether a settlement may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether s is completed or failed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Recipient is the payout beneficiary. Which fields apply depends on Type.
type Recipient struct {
	Type       Corridor `json:"type"`
	Name       string   `json:"name"`
	PixKey     string   `json:"pix_key,omitempty"`
	PixKeyType string   `json:"pix_key_type,omitempty"`
	TaxID      string   `json:"tax_id,omitempty"`
	Clabe      string   `json:"clabe,omitempty"`
	RFC        string   `json:"rfc,omitempty"`
}

// Quote is an FX quote for a corridor.
type Quote struct {
	Corridor     Corridor        `json:"corridor"`
	FromAmount   decimal.Decimal `json:"from_amount"`
	FromCurrency string          `json:"from_currency"`
	ToAmount     decimal.Decimal `json:"to_amount"`
	ToCurrency   string          `json:"to_currency"`
	FXRate       decimal.Decimal `json:"fx_rate"`
	Fees         decimal.Decimal `json:"fees"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// Token is a short lived, single use settlement authorization.
type Token struct {
	Token        string          `json:"token"`
	SettlementID string          `json:"settlement_id"`
	TenantID     string          `json:"-"`
	Corridor     Corridor        `json:"corridor"`
	Amount       decimal.Decimal `json:"amount"`
	Currency     string          `json:"currency"`
	Recipient    Recipient       `json:"recipient"`
	Quote        *Quote          `json:"quote,omitempty"`
	Defer        bool            `json:"defer,omitempty"`
	Metadata     map[string]any  `json:"metadata,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	ExpiresAt    time.Time       `json:"expires_at"`
	Used         bool            `json:"used"`
	UsedAt       *time.Time      `json:"used_at,omitempty"`
}

// Expired reports whether the token is past its expiry at now.
func (t *Token) Expired(now time.Time) bool {
	return !now.Before(t.ExpiresAt)
}

// Clone returns a deep copy.
func (t *Token) Clone() *Token {
	if t == nil {
		return nil
	}
	out := *t
	if t.Quote != nil {
		q := *t.Quote
		out.Quote = &q
	}
	out.Metadata = maps.Clone(t.Metadata)
	out.UsedAt = cloneTime(t.UsedAt)
	return &out
}

// Settlement is a payout driven through its state machine.
type Settlement struct {
	ID                  string          `json:"id"`
	TenantID            string          `json:"-"`
	Token               string          `json:"-"`
	IdempotencyKey      string          `json:"idempotency_key,omitempty"`
	Status              Status          `json:"status"`
	Corridor            Corridor        `json:"corridor"`
	FromAmount          decimal.Decimal `json:"from_amount"`
	FromCurrency        string          `json:"from_currency"`
	ToAmount            decimal.Decimal `json:"to_amount"`
	ToCurrency          string          `json:"to_currency,omitempty"`
	FXRate              decimal.Decimal `json:"fx_rate"`
	Fees                decimal.Decimal `json:"fees"`
	Recipient           Recipient       `json:"recipient"`
	MandateID           string          `json:"mandate_id,omitempty"`
	RuleID              string          `json:"rule_id,omitempty"`
	TransferID          string          `json:"transfer_id,omitempty"`
	FailureReason       string          `json:"failure_reason,omitempty"`
	Metadata            map[string]any  `json:"metadata,omitempty"`
	EstimatedCompletion *time.Time      `json:"estimated_completion,omitempty"`
	CompletedAt         *time.Time      `json:"completed_at,omitempty"`
	CreatedAt           time.Time       `json:"created_at"`
	UpdatedAt           time.Time       `json:"updated_at"`
}

// DedupeKey identifies the request that created s. Token settlements are
// unique per token, mandate settlements per tenant and idempotency key.
func (s *Settlement) DedupeKey() string {
	switch {
	case s.Token != "":
		return "token:" + s.Token
	case s.IdempotencyKey != "":
		return "idem:" + s.TenantID + ":" + s.IdempotencyKey
	default:
		return "id:" + s.ID
	}
}

// Clone returns a deep copy.
func (s *Settlement) Clone() *Settlement {
	if s == nil {
		return nil
	}
	out := *s
	out.Metadata = maps.Clone(s.Metadata)
	out.EstimatedCompletion = cloneTime(s.EstimatedCompletion)
	out.CompletedAt = cloneTime(s.CompletedAt)
	return &out
}

func (s *Settlement) applyQuote(q Quote) {
	s.Corridor = q.Corridor
	s.FromAmount = q.FromAmount
	s.FromCurrency = q.FromCurrency
	s.ToAmount = q.ToAmount
	s.ToCurrency = q.ToCurrency
	s.FXRate = q.FXRate
	s.Fees = q.Fees
}

// MandateStatus is the state of a spending mandate.
type MandateStatus string

const (
	MandateActive  MandateStatus = "active"
	MandateRevoked MandateStatus = "revoked"
	MandateExpired MandateStatus = "expired"
)

// Mandate is a pre-authorized, bounded spending grant.
type Mandate struct {
	ID               string          `json:"id"`
	TenantID         string          `json:"-"`
	Status           MandateStatus   `json:"status"`
	Currency         string          `json:"currency"`
	AuthorizedAmount decimal.Decimal `json:"authorized_amount"`
	UsedAmount       decimal.Decimal `json:"used_amount"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
}

// Remaining is the amount still available to draw.
func (m *Mandate) Remaining() decimal.Decimal {
	return m.AuthorizedAmount.Sub(m.UsedAmount)
}

// Active reports whether the mandate can be drawn against at now.
func (m *Mandate) Active(now time.Time) bool {
	if m.Status != MandateActive {
		return false
	}
	return m.ExpiresAt == nil || now.Before(*m.ExpiresAt)
}

// Clone returns a copy.
func (m *Mandate) Clone() *Mandate {
	if m == nil {
		return nil
	}
	out := *m
	out.ExpiresAt = cloneTime(m.ExpiresAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}
