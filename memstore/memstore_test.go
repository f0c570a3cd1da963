package memstore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumup/ucp/checkout"
	"github.com/sumup/ucp/order"
	"github.com/sumup/ucp/settlement"
)

func TestCheckoutTenantScoping(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	c := &checkout.Checkout{ID: "chk_1", TenantID: "t1", Status: checkout.StatusIncomplete}
	require.NoError(t, s.CreateCheckout(ctx, c))
	require.ErrorIs(t, s.CreateCheckout(ctx, c), checkout.ErrAlreadyExists)

	_, err := s.GetCheckout(ctx, "t2", "chk_1")
	require.ErrorIs(t, err, checkout.ErrNotFound)

	got, err := s.GetCheckout(ctx, "t1", "chk_1")
	require.NoError(t, err)
	got.Status = checkout.StatusCanceled
	again, _ := s.GetCheckout(ctx, "t1", "chk_1")
	assert.Equal(t, checkout.StatusIncomplete, again.Status, "stored value must not alias callers")

	require.NoError(t, s.UpdateCheckout(ctx, got))
	require.ErrorIs(t, s.DeleteCheckout(ctx, "t2", "chk_1"), checkout.ErrNotFound)
	require.NoError(t, s.DeleteCheckout(ctx, "t1", "chk_1"))
}

func TestCreateOrderIsOncePerCheckout(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	first, created, err := s.CreateOrder(ctx, &order.Order{ID: "ord_1", TenantID: "t1", CheckoutID: "chk_1"})
	require.NoError(t, err)
	require.True(t, created)

	second, created, err := s.CreateOrder(ctx, &order.Order{ID: "ord_2", TenantID: "t1", CheckoutID: "chk_1"})
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)

	byCheckout, err := s.GetOrderByCheckout(ctx, "t1", "chk_1")
	require.NoError(t, err)
	assert.Equal(t, "ord_1", byCheckout.ID)

	_, err = s.GetOrderByCheckout(ctx, "t2", "chk_1")
	require.ErrorIs(t, err, order.ErrNotFound)
}

func TestMarkTokenUsedIsConditional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	now := time.Now()

	require.NoError(t, s.SaveToken(ctx, &settlement.Token{Token: "tok", TenantID: "t1", ExpiresAt: now.Add(time.Minute)}))

	var wg sync.WaitGroup
	var mu sync.Mutex
	wins := 0
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkTokenUsed(ctx, "tok", now)
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, wins)

	ok, err := s.MarkTokenUsed(ctx, "missing", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteExpiredTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	now := time.Now()

	require.NoError(t, s.SaveToken(ctx, &settlement.Token{Token: "expired", ExpiresAt: now.Add(-time.Second)}))
	require.NoError(t, s.SaveToken(ctx, &settlement.Token{Token: "used", ExpiresAt: now.Add(-time.Second), Used: true}))
	require.NoError(t, s.SaveToken(ctx, &settlement.Token{Token: "live", ExpiresAt: now.Add(time.Minute)}))

	n, err := s.DeleteExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	_, err = s.GetToken(ctx, "expired")
	require.ErrorIs(t, err, settlement.ErrTokenNotFound)
}

func TestSettlementDedupeAndCAS(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()

	stl := &settlement.Settlement{ID: "stl_1", TenantID: "t1", Token: "tok", Status: settlement.StatusPending}
	_, created, err := s.CreateSettlement(ctx, stl)
	require.NoError(t, err)
	require.True(t, created)

	dup := &settlement.Settlement{ID: "stl_2", TenantID: "t1", Token: "tok", Status: settlement.StatusPending}
	existing, created, err := s.CreateSettlement(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, "stl_1", existing.ID)

	_, err = s.GetSettlementByToken(ctx, "t2", "tok")
	require.ErrorIs(t, err, settlement.ErrNotFound)

	next := existing.Clone()
	next.Status = settlement.StatusProcessing
	require.NoError(t, s.UpdateSettlement(ctx, next, settlement.StatusPending))
	require.ErrorIs(t, s.UpdateSettlement(ctx, next, settlement.StatusPending), settlement.ErrStatusConflict)

	stale, err := s.ListStaleSettlements(ctx, []settlement.Status{settlement.StatusProcessing}, time.Now().Add(time.Hour), 10)
	require.NoError(t, err)
	assert.Len(t, stale, 1)
}

func TestDebitMandate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New()
	s.PutMandate(&settlement.Mandate{
		ID: "mnd_1", TenantID: "t1", Status: settlement.MandateActive, Currency: "USD",
		AuthorizedAmount: decimal.NewFromInt(100),
	})

	m, err := s.DebitMandate(ctx, "t1", "mnd_1", decimal.NewFromInt(60))
	require.NoError(t, err)
	assert.True(t, m.Remaining().Equal(decimal.NewFromInt(40)))

	_, err = s.DebitMandate(ctx, "t1", "mnd_1", decimal.NewFromInt(41))
	require.ErrorIs(t, err, settlement.ErrMandateInsufficient)

	_, err = s.GetMandate(ctx, "t2", "mnd_1")
	require.ErrorIs(t, err, settlement.ErrMandateNotFound)
}
