package credstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/lila/deviceconnect/internal/redis"
)

const (
	tokenKeyPrefix = "dexcom:token:"
	usersKey       = "dexcom:users"
)

// TokenRecord is one user's OAuth token set as handed back by the vendor.
// At most one record exists per identity.
type TokenRecord struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	ExpiresIn    int64     `json:"expires_in"`
}

// Store keeps per-user token records in redis, keyed by identity,
// alongside a set of all registered identities.
type Store struct {
	redis *redis.Client
}

func New(redisClient *redis.Client) *Store {
	return &Store{redis: redisClient}
}

func tokenKey(identity string) string {
	return tokenKeyPrefix + identity
}

// ListIdentities returns every registered identity, sorted for stable iteration.
func (s *Store) ListIdentities(ctx context.Context) ([]string, error) {
	members, err := s.redis.SMembers(ctx, usersKey)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	sort.Strings(members)
	return members, nil
}

// Get returns the stored token record for identity, or nil when none exists.
func (s *Store) Get(ctx context.Context, identity string) (*TokenRecord, error) {
	raw, err := s.redis.Get(ctx, tokenKey(identity))
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get token for %s: %w", identity, err)
	}

	var rec TokenRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return nil, fmt.Errorf("decode token for %s: %w", identity, err)
	}
	return &rec, nil
}

// Put stores the record and registers the identity. Records never expire on
// their own; expiry lives inside the record and is checked by the token provider.
func (s *Store) Put(ctx context.Context, identity string, rec TokenRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode token for %s: %w", identity, err)
	}
	if err := s.redis.Set(ctx, tokenKey(identity), string(raw), 0); err != nil {
		return fmt.Errorf("store token for %s: %w", identity, err)
	}
	if err := s.redis.SAdd(ctx, usersKey, identity); err != nil {
		return fmt.Errorf("register identity %s: %w", identity, err)
	}
	return nil
}

// Delete unlinks the identity: the token record and the registry entry go
// together so no further ingestion happens for this user.
func (s *Store) Delete(ctx context.Context, identity string) error {
	if err := s.redis.Del(ctx, tokenKey(identity)); err != nil {
		return fmt.Errorf("delete token for %s: %w", identity, err)
	}
	if err := s.redis.SRem(ctx, usersKey, identity); err != nil {
		return fmt.Errorf("deregister identity %s: %w", identity, err)
	}
	return nil
}
