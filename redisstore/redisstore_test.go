package redisstore

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumup/ucp/settlement"
)

// setupTestRedis starts an in-memory Redis and a store pointed at it.
func setupTestRedis(t *testing.T, opts ...Option) (*TokenStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewTokenStore(client, opts...), mr
}

func sampleToken(id string, expires time.Time) *settlement.Token {
	return &settlement.Token{
		Token:        id,
		SettlementID: "stl_" + id,
		TenantID:     "t1",
		Corridor:     settlement.CorridorPix,
		Amount:       decimal.RequireFromString("100.50"),
		Currency:     "USD",
		Recipient:    settlement.Recipient{Type: settlement.CorridorPix, Name: "Maria Silva", PixKey: "maria@email.com", PixKeyType: "email"},
		CreatedAt:    expires.Add(-15 * time.Minute),
		ExpiresAt:    expires,
	}
}

func TestSaveAndGetToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := setupTestRedis(t, WithPrefix("test"))
	expires := time.Now().Add(15 * time.Minute)

	require.NoError(t, s.SaveToken(ctx, sampleToken("tok_1", expires)))
	assert.True(t, mr.Exists("test:token:tok_1"))
	assert.Greater(t, mr.TTL("test:token:tok_1"), 24*time.Hour)

	got, err := s.GetToken(ctx, "tok_1")
	require.NoError(t, err)
	assert.Equal(t, "t1", got.TenantID)
	assert.Equal(t, "stl_tok_1", got.SettlementID)
	assert.True(t, got.Amount.Equal(decimal.RequireFromString("100.5")))
	assert.Equal(t, "maria@email.com", got.Recipient.PixKey)
	assert.False(t, got.Used)
	assert.Nil(t, got.UsedAt)

	_, err = s.GetToken(ctx, "missing")
	require.ErrorIs(t, err, settlement.ErrTokenNotFound)
}

func TestMarkTokenUsedIsConditional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := setupTestRedis(t)
	now := time.Now()
	require.NoError(t, s.SaveToken(ctx, sampleToken("tok_1", now.Add(time.Minute))))

	var wg sync.WaitGroup
	var wins atomic.Int32
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.MarkTokenUsed(ctx, "tok_1", now)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins.Load())

	got, err := s.GetToken(ctx, "tok_1")
	require.NoError(t, err)
	assert.True(t, got.Used)
	require.NotNil(t, got.UsedAt)
	assert.True(t, got.UsedAt.Equal(now))

	ok, err := s.MarkTokenUsed(ctx, "missing", now)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteExpiredTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, mr := setupTestRedis(t)
	now := time.Now()

	require.NoError(t, s.SaveToken(ctx, sampleToken("expired", now.Add(-time.Second))))
	require.NoError(t, s.SaveToken(ctx, sampleToken("used", now.Add(-time.Second))))
	require.NoError(t, s.SaveToken(ctx, sampleToken("live", now.Add(time.Minute))))
	ok, err := s.MarkTokenUsed(ctx, "used", now.Add(-2*time.Second))
	require.NoError(t, err)
	require.True(t, ok)

	n, err := s.DeleteExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = s.GetToken(ctx, "expired")
	require.ErrorIs(t, err, settlement.ErrTokenNotFound)
	_, err = s.GetToken(ctx, "used")
	require.NoError(t, err)
	_, err = s.GetToken(ctx, "live")
	require.NoError(t, err)

	members, err := mr.ZMembers("ucp:token_expiry")
	require.NoError(t, err)
	assert.Equal(t, []string{"live"}, members)

	n, err = s.DeleteExpiredTokens(ctx, now)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestTokenServiceOnRedis(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s, _ := setupTestRedis(t)
	tokens := settlement.NewTokenService(s)

	tok, err := tokens.AcquireToken(ctx, "t1", settlement.AcquireRequest{
		Corridor:  settlement.CorridorSPEI,
		Amount:    decimal.NewFromInt(1000),
		Currency:  "USD",
		Recipient: settlement.Recipient{Type: settlement.CorridorSPEI, Name: "Juan Perez", Clabe: "032180000118359719"},
	})
	require.NoError(t, err)

	_, err = tokens.ValidateToken(ctx, "t2", tok.Token)
	require.ErrorIs(t, err, settlement.ErrTokenNotFound)

	got, err := tokens.ValidateToken(ctx, "t1", tok.Token)
	require.NoError(t, err)
	require.NotNil(t, got.Quote)
	assert.True(t, got.Quote.ToAmount.Equal(decimal.RequireFromString("16978.5")))

	require.NoError(t, tokens.MarkTokenUsed(ctx, tok.Token))
	_, err = tokens.ValidateToken(ctx, "t1", tok.Token)
	require.ErrorIs(t, err, settlement.ErrTokenUsed)
}
