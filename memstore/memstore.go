// Package memstore keeps every aggregate in process memory. It implements
// checkout.Store, order.Store, settlement.TokenStore, settlement.Store and
// settlement.MandateStore, and is the default backend of ucpd.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/order"
	"github.com/sumup/ucp/settlement"
)

// Store is safe for concurrent use. Values are cloned on the way in and out.
type Store struct {
	mu sync.RWMutex

	checkouts        map[string]*checkout.Checkout
	orders           map[string]*order.Order
	ordersByCheckout map[string]string
	tokens           map[string]*settlement.Token
	settlements      map[string]*settlement.Settlement
	settlementKeys   map[string]string
	mandates         map[string]*settlement.Mandate
}

var (
	_ checkout.Store          = (*Store)(nil)
	_ order.Store             = (*Store)(nil)
	_ settlement.TokenStore   = (*Store)(nil)
	_ settlement.Store        = (*Store)(nil)
	_ settlement.MandateStore = (*Store)(nil)
)

// New returns an empty store.
func New() *Store {
	return &Store{
		checkouts:        make(map[string]*checkout.Checkout),
		orders:           make(map[string]*order.Order),
		ordersByCheckout: make(map[string]string),
		tokens:           make(map[string]*settlement.Token),
		settlements:      make(map[string]*settlement.Settlement),
		settlementKeys:   make(map[string]string),
		mandates:         make(map[string]*settlement.Mandate),
	}
}

func (s *Store) CreateCheckout(_ context.Context, c *checkout.Checkout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.checkouts[c.ID]; ok {
		return checkout.ErrAlreadyExists
	}
	s.checkouts[c.ID] = c.Clone()
	return nil
}

func (s *Store) GetCheckout(_ context.Context, tenantID, id string) (*checkout.Checkout, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.checkouts[id]
	if !ok || c.TenantID != tenantID {
		return nil, checkout.ErrNotFound
	}
	return c.Clone(), nil
}

func (s *Store) UpdateCheckout(_ context.Context, c *checkout.Checkout) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.checkouts[c.ID]
	if !ok || existing.TenantID != c.TenantID {
		return checkout.ErrNotFound
	}
	s.checkouts[c.ID] = c.Clone()
	return nil
}

func (s *Store) DeleteCheckout(_ context.Context, tenantID, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.checkouts[id]
	if !ok || existing.TenantID != tenantID {
		return checkout.ErrNotFound
	}
	delete(s.checkouts, id)
	return nil
}

func (s *Store) CreateOrder(_ context.Context, o *order.Order) (*order.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.ordersByCheckout[o.CheckoutID]; ok {
		return s.orders[id].Clone(), false, nil
	}
	s.orders[o.ID] = o.Clone()
	s.ordersByCheckout[o.CheckoutID] = o.ID
	return o.Clone(), true, nil
}

func (s *Store) GetOrder(_ context.Context, tenantID, id string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.orders[id]
	if !ok || o.TenantID != tenantID {
		return nil, order.ErrNotFound
	}
	return o.Clone(), nil
}

func (s *Store) GetOrderByCheckout(_ context.Context, tenantID, checkoutID string) (*order.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.ordersByCheckout[checkoutID]
	if !ok || s.orders[id].TenantID != tenantID {
		return nil, order.ErrNotFound
	}
	return s.orders[id].Clone(), nil
}

func (s *Store) UpdateOrder(_ context.Context, o *order.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.orders[o.ID]
	if !ok || existing.TenantID != o.TenantID {
		return order.ErrNotFound
	}
	s.orders[o.ID] = o.Clone()
	return nil
}

func (s *Store) SaveToken(_ context.Context, t *settlement.Token) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[t.Token] = t.Clone()
	return nil
}

func (s *Store) GetToken(_ context.Context, token string) (*settlement.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tokens[token]
	if !ok {
		return nil, settlement.ErrTokenNotFound
	}
	return t.Clone(), nil
}

func (s *Store) MarkTokenUsed(_ context.Context, token string, usedAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[token]
	if !ok || t.Used {
		return false, nil
	}
	t.Used = true
	t.UsedAt = &usedAt
	return true, nil
}

func (s *Store) DeleteExpiredTokens(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, t := range s.tokens {
		if !t.Used && t.Expired(now) {
			delete(s.tokens, k)
			n++
		}
	}
	return n, nil
}

func (s *Store) CreateSettlement(_ context.Context, stl *settlement.Settlement) (*settlement.Settlement, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := stl.DedupeKey()
	if id, ok := s.settlementKeys[key]; ok {
		return s.settlements[id].Clone(), false, nil
	}
	if existing, ok := s.settlements[stl.ID]; ok {
		return existing.Clone(), false, nil
	}
	s.settlements[stl.ID] = stl.Clone()
	s.settlementKeys[key] = stl.ID
	return stl.Clone(), true, nil
}

func (s *Store) GetSettlement(_ context.Context, tenantID, id string) (*settlement.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stl, ok := s.settlements[id]
	if !ok || stl.TenantID != tenantID {
		return nil, settlement.ErrNotFound
	}
	return stl.Clone(), nil
}

func (s *Store) GetSettlementByToken(ctx context.Context, tenantID, token string) (*settlement.Settlement, error) {
	return s.byKey(tenantID, (&settlement.Settlement{Token: token}).DedupeKey())
}

func (s *Store) GetSettlementByIdempotencyKey(ctx context.Context, tenantID, key string) (*settlement.Settlement, error) {
	return s.byKey(tenantID, (&settlement.Settlement{TenantID: tenantID, IdempotencyKey: key}).DedupeKey())
}

func (s *Store) byKey(tenantID, key string) (*settlement.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.settlementKeys[key]
	if !ok {
		return nil, settlement.ErrNotFound
	}
	stl := s.settlements[id]
	if stl.TenantID != tenantID {
		return nil, settlement.ErrNotFound
	}
	return stl.Clone(), nil
}

func (s *Store) UpdateSettlement(_ context.Context, stl *settlement.Settlement, expected settlement.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.settlements[stl.ID]
	if !ok || existing.TenantID != stl.TenantID {
		return settlement.ErrNotFound
	}
	if existing.Status != expected {
		return settlement.ErrStatusConflict
	}
	s.settlements[stl.ID] = stl.Clone()
	return nil
}

func (s *Store) ListSettlementsByStatus(_ context.Context, tenantID string, status settlement.Status) ([]*settlement.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*settlement.Settlement
	for _, stl := range s.settlements {
		if stl.TenantID == tenantID && stl.Status == status {
			out = append(out, stl.Clone())
		}
	}
	sortSettlements(out)
	return out, nil
}

func (s *Store) ListStaleSettlements(_ context.Context, statuses []settlement.Status, before time.Time, limit int) ([]*settlement.Settlement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[settlement.Status]struct{}, len(statuses))
	for _, st := range statuses {
		want[st] = struct{}{}
	}
	var out []*settlement.Settlement
	for _, stl := range s.settlements {
		if _, ok := want[stl.Status]; ok && stl.UpdatedAt.Before(before) {
			out = append(out, stl.Clone())
		}
	}
	sortSettlements(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func sortSettlements(list []*settlement.Settlement) {
	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}

// PutMandate seeds or replaces a mandate.
func (s *Store) PutMandate(m *settlement.Mandate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mandates[m.ID] = m.Clone()
}

func (s *Store) GetMandate(_ context.Context, tenantID, id string) (*settlement.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mandates[id]
	if !ok || m.TenantID != tenantID {
		return nil, settlement.ErrMandateNotFound
	}
	return m.Clone(), nil
}

func (s *Store) DebitMandate(_ context.Context, tenantID, id string, amount decimal.Decimal) (*settlement.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[id]
	if !ok || m.TenantID != tenantID {
		return nil, settlement.ErrMandateNotFound
	}
	if m.Status != settlement.MandateActive {
		return nil, settlement.ErrMandateInactive
	}
	if m.Remaining().LessThan(amount) {
		return nil, settlement.ErrMandateInsufficient
	}
	m.UsedAmount = m.UsedAmount.Add(amount)
	return m.Clone(), nil
}
