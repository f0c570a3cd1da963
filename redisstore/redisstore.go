// Package redisstore keeps settlement tokens in Redis. Each token is a hash
// holding the JSON document and the consumption state; a sorted set scored by
// expiry lets the sweeper find expired tokens without scanning the keyspace.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sumup/ucp/settlement"
)

const (
	defaultPrefix    = "ucp"
	defaultRetention = 24 * time.Hour

	fieldDoc    = "doc"
	fieldTenant = "tenant"
	fieldUsed   = "used"
	fieldUsedAt = "used_at"
)

// markUsed flips used from 0 to 1. Missing and already used tokens return 0.
var markUsed = redis.NewScript(`
if redis.call("HGET", KEYS[1], "used") == "0" then
  redis.call("HSET", KEYS[1], "used", "1", "used_at", ARGV[1])
  return 1
end
return 0
`)

// deleteUnused removes the token only if it was never consumed.
var deleteUnused = redis.NewScript(`
local used = redis.call("HGET", KEYS[1], "used")
redis.call("ZREM", KEYS[2], ARGV[1])
if used == "0" then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// TokenStore implements [settlement.TokenStore].
type TokenStore struct {
	client    redis.UniversalClient
	prefix    string
	retention time.Duration
}

var _ settlement.TokenStore = (*TokenStore)(nil)

// Option configures a [TokenStore].
type Option func(*TokenStore)

// WithPrefix namespaces every key.
func WithPrefix(prefix string) Option {
	return func(s *TokenStore) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// WithRetention sets how long a token key outlives its expiry, so that used
// tokens keep answering replays after the sweep.
func WithRetention(d time.Duration) Option {
	return func(s *TokenStore) {
		if d > 0 {
			s.retention = d
		}
	}
}

// NewTokenStore returns a token store on client.
func NewTokenStore(client redis.UniversalClient, opts ...Option) *TokenStore {
	s := &TokenStore{client: client, prefix: defaultPrefix, retention: defaultRetention}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *TokenStore) tokenKey(token string) string {
	return fmt.Sprintf("%s:token:%s", s.prefix, token)
}

func (s *TokenStore) expiryKey() string {
	return s.prefix + ":token_expiry"
}

func (s *TokenStore) SaveToken(ctx context.Context, t *settlement.Token) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal token: %w", err)
	}
	used := "0"
	usedAt := ""
	if t.Used {
		used = "1"
		if t.UsedAt != nil {
			usedAt = t.UsedAt.UTC().Format(time.RFC3339Nano)
		}
	}
	key := s.tokenKey(t.Token)
	ttl := time.Until(t.ExpiresAt) + s.retention
	if ttl <= 0 {
		ttl = s.retention
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, key, fieldDoc, doc, fieldTenant, t.TenantID, fieldUsed, used, fieldUsedAt, usedAt)
		p.Expire(ctx, key, ttl)
		p.ZAdd(ctx, s.expiryKey(), redis.Z{Score: float64(t.ExpiresAt.UnixMilli()), Member: t.Token})
		return nil
	})
	if err != nil {
		return fmt.Errorf("redis save token: %w", err)
	}
	return nil
}

func (s *TokenStore) GetToken(ctx context.Context, token string) (*settlement.Token, error) {
	fields, err := s.client.HGetAll(ctx, s.tokenKey(token)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get token: %w", err)
	}
	raw, ok := fields[fieldDoc]
	if !ok {
		return nil, settlement.ErrTokenNotFound
	}
	var t settlement.Token
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return nil, fmt.Errorf("unmarshal token: %w", err)
	}
	t.TenantID = fields[fieldTenant]
	t.Used = fields[fieldUsed] == "1"
	t.UsedAt = nil
	if v := fields[fieldUsedAt]; v != "" {
		at, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			return nil, fmt.Errorf("parse used_at: %w", err)
		}
		t.UsedAt = &at
	}
	return &t, nil
}

func (s *TokenStore) MarkTokenUsed(ctx context.Context, token string, usedAt time.Time) (bool, error) {
	n, err := markUsed.Run(ctx, s.client, []string{s.tokenKey(token)}, usedAt.UTC().Format(time.RFC3339Nano)).Int()
	if err != nil {
		return false, fmt.Errorf("redis mark token used: %w", err)
	}
	return n == 1, nil
}

// DeleteExpiredTokens removes unused tokens whose expiry is at or before now.
// Used tokens only leave the index; their keys age out with the retention.
func (s *TokenStore) DeleteExpiredTokens(ctx context.Context, now time.Time) (int, error) {
	members, err := s.client.ZRangeByScore(ctx, s.expiryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}).Result()
	if err != nil {
		return 0, fmt.Errorf("redis list expired tokens: %w", err)
	}
	deleted := 0
	for _, token := range members {
		n, err := deleteUnused.Run(ctx, s.client, []string{s.tokenKey(token), s.expiryKey()}, token).Int()
		if err != nil && !errors.Is(err, redis.Nil) {
			return deleted, fmt.Errorf("redis delete token: %w", err)
		}
		deleted += n
	}
	return deleted, nil
}
