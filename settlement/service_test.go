package settlement_test

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumup/ucp/memstore"
	"github.com/sumup/ucp/settlement"
	"github.com/sumup/ucp/webhook"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type eventLog struct {
	mu     sync.Mutex
	events []*settlement.Settlement
}

func (l *eventLog) emitter() webhook.Emitter {
	return webhook.EmitterFunc(func(_ context.Context, t webhook.EventType, data any) error {
		if t != webhook.EventSettlementUpdated {
			return nil
		}
		l.mu.Lock()
		defer l.mu.Unlock()
		l.events = append(l.events, data.(*settlement.Settlement).Clone())
		return nil
	})
}

func (l *eventLog) statuses() []settlement.Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]settlement.Status, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.Status)
	}
	return out
}

type harness struct {
	store     *memstore.Store
	clock     *fakeClock
	scheduler *settlement.ManualScheduler
	events    *eventLog
	tokens    *settlement.TokenService
	service   *settlement.Service
}

func newHarness(opts ...settlement.Option) *harness {
	h := &harness{
		store:     memstore.New(),
		clock:     newClock(),
		scheduler: &settlement.ManualScheduler{},
		events:    &eventLog{},
	}
	h.tokens = settlement.NewTokenService(h.store, settlement.WithTokenClock(h.clock.Now))
	base := []settlement.Option{
		settlement.WithScheduler(h.scheduler),
		settlement.WithEmitter(h.events.emitter()),
		settlement.WithClock(h.clock.Now),
		settlement.WithMandates(h.store),
	}
	h.service = settlement.NewService(h.store, h.tokens, append(base, opts...)...)
	return h
}

func pixRecipient() settlement.Recipient {
	return settlement.Recipient{Type: settlement.CorridorPix, Name: "Maria Silva", PixKey: "maria@email.com", PixKeyType: "email"}
}

func speiRecipient() settlement.Recipient {
	return settlement.Recipient{Type: settlement.CorridorSPEI, Name: "Juan Perez", Clabe: "032180000118359719"}
}

func (h *harness) acquire(t *testing.T, tenant string, req settlement.AcquireRequest) *settlement.Token {
	t.Helper()
	tok, err := h.tokens.AcquireToken(context.Background(), tenant, req)
	require.NoError(t, err)
	return tok
}

func TestAcquireToken(t *testing.T) {
	t.Parallel()
	h := newHarness()

	tok := h.acquire(t, "t1", settlement.AcquireRequest{
		Corridor:  settlement.CorridorPix,
		Amount:    decimal.NewFromInt(100),
		Currency:  "usd",
		Recipient: pixRecipient(),
	})
	assert.True(t, strings.HasPrefix(tok.Token, "ucp_tok_"))
	assert.True(t, strings.HasPrefix(tok.SettlementID, "stl_"))
	assert.Equal(t, "USD", tok.Currency)
	require.NotNil(t, tok.Quote)
	assert.True(t, tok.Quote.ToAmount.Equal(decimal.RequireFromString("490.05")))
	assert.Equal(t, h.clock.Now().Add(settlement.DefaultTokenTTL), tok.ExpiresAt)
	assert.Equal(t, tok.ExpiresAt, tok.Quote.ExpiresAt)

	auto := h.acquire(t, "t1", settlement.AcquireRequest{
		Corridor:  settlement.CorridorAuto,
		Amount:    decimal.NewFromInt(50),
		Currency:  "EUR",
		Recipient: pixRecipient(),
	})
	assert.Nil(t, auto.Quote)

	_, err := h.tokens.AcquireToken(context.Background(), "t1", settlement.AcquireRequest{
		Corridor:  settlement.CorridorSPEI,
		Amount:    decimal.NewFromInt(10),
		Currency:  "EUR",
		Recipient: speiRecipient(),
	})
	require.ErrorIs(t, err, settlement.ErrUnsupportedCorridor)

	_, err = h.tokens.AcquireToken(context.Background(), "t1", settlement.AcquireRequest{
		Corridor:  settlement.CorridorPix,
		Amount:    decimal.NewFromInt(100001),
		Currency:  "USD",
		Recipient: pixRecipient(),
	})
	require.ErrorIs(t, err, settlement.ErrInvalidAmount)
}

func TestQuoteRejectsAuto(t *testing.T) {
	t.Parallel()
	h := newHarness()

	_, err := h.tokens.Quote(context.Background(), settlement.CorridorAuto, decimal.NewFromInt(10), "USD")
	require.ErrorIs(t, err, settlement.ErrUnsupportedCorridor)

	q, err := h.tokens.Quote(context.Background(), settlement.CorridorSPEI, decimal.NewFromInt(1000), "USD")
	require.NoError(t, err)
	assert.True(t, q.ToAmount.Equal(decimal.RequireFromString("16978.50")))
	assert.Equal(t, h.clock.Now().Add(settlement.DefaultTokenTTL), q.ExpiresAt)
}

func TestValidateToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	tok := h.acquire(t, "t1", settlement.AcquireRequest{
		Corridor: settlement.CorridorPix, Amount: decimal.NewFromInt(10), Currency: "USD", Recipient: pixRecipient(),
	})

	_, err := h.tokens.ValidateToken(ctx, "t1", tok.Token)
	require.NoError(t, err)

	_, err = h.tokens.ValidateToken(ctx, "t2", tok.Token)
	require.ErrorIs(t, err, settlement.ErrTokenNotFound)

	_, err = h.tokens.ValidateToken(ctx, "t1", "ucp_tok_missing")
	require.ErrorIs(t, err, settlement.ErrTokenNotFound)

	h.clock.Advance(settlement.DefaultTokenTTL)
	_, err = h.tokens.ValidateToken(ctx, "t1", tok.Token)
	require.ErrorIs(t, err, settlement.ErrTokenExpired)

	require.NoError(t, h.tokens.MarkTokenUsed(ctx, tok.Token))
	_, err = h.tokens.ValidateToken(ctx, "t1", tok.Token)
	require.ErrorIs(t, err, settlement.ErrTokenUsed)
}

func TestExecuteSettlementCompletes(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	tok := h.acquire(t, "t1", settlement.AcquireRequest{
		Corridor: settlement.CorridorPix, Amount: decimal.NewFromInt(100), Currency: "USD", Recipient: pixRecipient(),
	})

	stl, err := h.service.ExecuteSettlement(ctx, "t1", settlement.ExecuteRequest{Token: tok.Token, IdempotencyKey: "idem-1"})
	require.NoError(t, err)
	assert.Equal(t, tok.SettlementID, stl.ID)
	assert.Equal(t, settlement.StatusPending, stl.Status)
	assert.True(t, stl.ToAmount.Equal(decimal.RequireFromString("490.05")))
	require.NotNil(t, stl.EstimatedCompletion)
	assert.Equal(t, h.clock.Now().Add(time.Minute), *stl.EstimatedCompletion)

	h.scheduler.RunNext()
	got, err := h.service.GetSettlement(ctx, "t1", stl.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusProcessing, got.Status)

	h.scheduler.RunAll()
	got, err = h.service.GetSettlement(ctx, "t1", stl.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, got.Status)
	assert.True(t, strings.HasPrefix(got.TransferID, "trf_"))
	require.NotNil(t, got.CompletedAt)

	assert.Equal(t, []settlement.Status{
		settlement.StatusPending,
		settlement.StatusProcessing,
		settlement.StatusCompleted,
	}, h.events.statuses())

	_, err = h.service.GetSettlement(ctx, "t2", stl.ID)
	require.ErrorIs(t, err, settlement.ErrNotFound)
}

func TestExecuteSettlementIsIdempotentPerToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	tok := h.acquire(t, "t1", settlement.AcquireRequest{
		Corridor: settlement.CorridorSPEI, Amount: decimal.NewFromInt(25), Currency: "USDC", Recipient: speiRecipient(),
	})

	const callers = 16
	results := make([]*settlement.Settlement, callers)
	errs := make([]error, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.service.ExecuteSettlement(ctx, "t1", settlement.ExecuteRequest{Token: tok.Token})
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, tok.SettlementID, results[i].ID)
	}
	assert.Len(t, h.events.statuses(), 1)
	assert.Equal(t, 1, h.scheduler.Pending())

	h.scheduler.RunAll()
	replay, err := h.service.ExecuteSettlement(ctx, "t1", settlement.ExecuteRequest{Token: tok.Token})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, replay.Status)

	_, err = h.service.ExecuteSettlement(ctx, "t2", settlement.ExecuteRequest{Token: tok.Token})
	require.ErrorIs(t, err, settlement.ErrTokenNotFound)
}

func TestExecuteSettlementRejectsBadTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()

	_, err := h.service.ExecuteSettlement(ctx, "t1", settlement.ExecuteRequest{})
	require.ErrorIs(t, err, settlement.ErrInvalidRequest)

	tok := h.acquire(t, "t1", settlement.AcquireRequest{
		Corridor: settlement.CorridorPix, Amount: decimal.NewFromInt(10), Currency: "USD", Recipient: pixRecipient(),
	})
	h.clock.Advance(settlement.DefaultTokenTTL + time.Second)
	_, err = h.service.ExecuteSettlement(ctx, "t1", settlement.ExecuteRequest{Token: tok.Token})
	require.ErrorIs(t, err, settlement.ErrTokenExpired)
}

func TestDeferredSettlementResolution(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	tok := h.acquire(t, "t1", settlement.AcquireRequest{
		Corridor: settlement.CorridorAuto, Amount: decimal.NewFromInt(100), Currency: "USD", Recipient: pixRecipient(),
	})

	stl, err := h.service.ExecuteSettlement(ctx, "t1", settlement.ExecuteRequest{Token: tok.Token})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusDeferred, stl.Status)
	assert.Nil(t, stl.EstimatedCompletion)
	assert.Equal(t, 0, h.scheduler.Pending())

	deferred, err := h.service.GetDeferredSettlements(ctx, "t1")
	require.NoError(t, err)
	require.Len(t, deferred, 1)

	_, err = h.service.ExecuteDeferredSettlement(ctx, "t1", stl.ID, settlement.DeferredResolution{Corridor: settlement.CorridorAuto})
	require.ErrorIs(t, err, settlement.ErrUnsupportedCorridor)

	_, err = h.service.ExecuteDeferredSettlement(ctx, "t1", stl.ID, settlement.DeferredResolution{Corridor: settlement.CorridorSPEI})
	require.ErrorIs(t, err, settlement.ErrInvalidRecipient)

	h.clock.Advance(10 * time.Second)
	resolved, err := h.service.ExecuteDeferredSettlement(ctx, "t1", stl.ID, settlement.DeferredResolution{
		Corridor: settlement.CorridorPix,
		RuleID:   "rule_cheapest",
	})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, resolved.Status)
	assert.Equal(t, settlement.CorridorPix, resolved.Corridor)
	assert.Equal(t, "rule_cheapest", resolved.RuleID)
	assert.Equal(t, "BRL", resolved.ToCurrency)
	assert.True(t, resolved.ToAmount.Equal(decimal.RequireFromString("490.05")))
	require.NotNil(t, resolved.EstimatedCompletion)
	assert.Equal(t, h.clock.Now().Add(time.Minute), *resolved.EstimatedCompletion)

	_, err = h.service.ExecuteDeferredSettlement(ctx, "t1", stl.ID, settlement.DeferredResolution{Corridor: settlement.CorridorPix})
	require.ErrorIs(t, err, settlement.ErrInvalidState)

	h.scheduler.RunAll()
	done, err := h.service.GetSettlement(ctx, "t1", stl.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, done.Status)
}

func TestExecuteSettlementWithDeferFlag(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	tok := h.acquire(t, "t1", settlement.AcquireRequest{
		Corridor: settlement.CorridorPix, Amount: decimal.NewFromInt(10), Currency: "USD", Recipient: pixRecipient(),
	})

	stl, err := h.service.ExecuteSettlement(ctx, "t1", settlement.ExecuteRequest{Token: tok.Token, Defer: true})
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusDeferred, stl.Status)
	assert.True(t, stl.ToAmount.IsPositive(), "a concrete corridor keeps its quote while deferred")
}

func seedMandate(h *harness, remaining int64) {
	h.store.PutMandate(&settlement.Mandate{
		ID:               "mnd_1",
		TenantID:         "t1",
		Status:           settlement.MandateActive,
		Currency:         "USD",
		AuthorizedAmount: decimal.NewFromInt(remaining),
	})
}

func mandateRequest(key string, amount int64) settlement.MandateRequest {
	return settlement.MandateRequest{
		MandateID:      "mnd_1",
		Corridor:       settlement.CorridorPix,
		Amount:         decimal.NewFromInt(amount),
		Currency:       "USD",
		Recipient:      pixRecipient(),
		IdempotencyKey: key,
	}
}

func TestExecuteSettlementWithMandate(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	seedMandate(h, 100)

	stl, err := h.service.ExecuteSettlementWithMandate(ctx, "t1", mandateRequest("k1", 60))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusPending, stl.Status)
	assert.Equal(t, "mnd_1", stl.MandateID)

	again, err := h.service.ExecuteSettlementWithMandate(ctx, "t1", mandateRequest("k1", 60))
	require.NoError(t, err)
	assert.Equal(t, stl.ID, again.ID)

	m, err := h.store.GetMandate(ctx, "t1", "mnd_1")
	require.NoError(t, err)
	assert.True(t, m.Remaining().Equal(decimal.NewFromInt(40)), "replay must not debit twice")

	_, err = h.service.ExecuteSettlementWithMandate(ctx, "t1", mandateRequest("k2", 41))
	require.ErrorIs(t, err, settlement.ErrMandateInsufficient)

	req := mandateRequest("k3", 10)
	req.Currency = "EUR"
	_, err = h.service.ExecuteSettlementWithMandate(ctx, "t1", req)
	require.ErrorIs(t, err, settlement.ErrMandateCurrency)

	_, err = h.service.ExecuteSettlementWithMandate(ctx, "t1", mandateRequest("", 10))
	require.ErrorIs(t, err, settlement.ErrInvalidRequest)

	_, err = h.service.ExecuteSettlementWithMandate(ctx, "t2", mandateRequest("k4", 10))
	require.ErrorIs(t, err, settlement.ErrMandateNotFound)
}

type rejectingMandates struct {
	settlement.MandateStore
}

func (rejectingMandates) DebitMandate(context.Context, string, string, decimal.Decimal) (*settlement.Mandate, error) {
	return nil, errors.New("issuer declined")
}

func TestMandateDebitRejectionFailsSettlement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	store := memstore.New()
	h := newHarness(settlement.WithMandates(rejectingMandates{MandateStore: store}))
	store.PutMandate(&settlement.Mandate{
		ID: "mnd_1", TenantID: "t1", Status: settlement.MandateActive, Currency: "USD",
		AuthorizedAmount: decimal.NewFromInt(100),
	})

	stl, err := h.service.ExecuteSettlementWithMandate(ctx, "t1", mandateRequest("k1", 10))
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFailed, stl.Status)
	assert.Contains(t, stl.FailureReason, "mandate rejected")
	assert.Equal(t, 0, h.scheduler.Pending())
}

func TestFailSettlement(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()
	tok := h.acquire(t, "t1", settlement.AcquireRequest{
		Corridor: settlement.CorridorPix, Amount: decimal.NewFromInt(10), Currency: "USD", Recipient: pixRecipient(),
	})
	stl, err := h.service.ExecuteSettlement(ctx, "t1", settlement.ExecuteRequest{Token: tok.Token})
	require.NoError(t, err)

	failed, err := h.service.FailSettlement(ctx, "t1", stl.ID, "compliance hold")
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFailed, failed.Status)
	assert.Equal(t, "compliance hold", failed.FailureReason)

	// The queued processing step finds a failed settlement and does nothing.
	h.scheduler.RunAll()
	got, err := h.service.GetSettlement(ctx, "t1", stl.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusFailed, got.Status)

	_, err = h.service.FailSettlement(ctx, "t1", stl.ID, "again")
	require.ErrorIs(t, err, settlement.ErrInvalidState)
}

func TestSweeper(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	h := newHarness()

	expired := h.acquire(t, "t1", settlement.AcquireRequest{
		Corridor: settlement.CorridorPix, Amount: decimal.NewFromInt(10), Currency: "USD", Recipient: pixRecipient(),
	})
	live := h.acquire(t, "t1", settlement.AcquireRequest{
		Corridor: settlement.CorridorPix, Amount: decimal.NewFromInt(10), Currency: "USD", Recipient: pixRecipient(),
	})
	// A process whose timers never fire, as after a restart.
	dropping := settlement.NewService(h.store, h.tokens,
		settlement.WithScheduler(settlement.SchedulerFunc(func(time.Duration, func()) {})),
		settlement.WithClock(h.clock.Now),
	)
	stl, err := dropping.ExecuteSettlement(ctx, "t1", settlement.ExecuteRequest{Token: live.Token})
	require.NoError(t, err)
	require.Equal(t, 0, h.scheduler.Pending())

	h.clock.Advance(settlement.DefaultTokenTTL + time.Second)
	sweeper := settlement.NewSweeper(h.service, settlement.WithRecovery(time.Second, time.Minute))
	sweeper.SweepTokens(ctx)

	_, err = h.store.GetToken(ctx, expired.Token)
	require.ErrorIs(t, err, settlement.ErrTokenNotFound)
	_, err = h.store.GetToken(ctx, live.Token)
	require.NoError(t, err, "used tokens are kept")

	sweeper.RecoverStuck(ctx)
	require.Equal(t, 1, h.scheduler.Pending())
	h.scheduler.RunAll()

	got, err := h.service.GetSettlement(ctx, "t1", stl.ID)
	require.NoError(t, err)
	assert.Equal(t, settlement.StatusCompleted, got.Status)
}

func TestSweeperRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	h := newHarness()
	sweeper := settlement.NewSweeper(h.service, settlement.WithSweepInterval(time.Millisecond), settlement.WithRecovery(time.Millisecond, time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- sweeper.Run(ctx) }()
	time.Sleep(5 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
