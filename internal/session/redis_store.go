// Package session provides refresh-session storage backends.
package session

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"studioops/api/internal/identity"

	"github.com/redis/go-redis/v9"
)

// Store holds refresh sessions keyed by token hash.
type Store interface {
	SaveRefreshSession(ctx context.Context, tokenHash string, principal identity.Principal, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (identity.Principal, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// TokenData is the payload stored for each refresh token.
type TokenData struct {
	PrincipalID string    `json:"principal_id"`
	Email       string    `json:"email"`
	DisplayName string    `json:"display_name"`
	Anonymous   bool      `json:"anonymous"`
	CreatedAt   time.Time `json:"created_at"`
}

// RedisStore implements refresh session storage using Redis.
type RedisStore struct {
	client *redis.Client
	prefix string
}

func NewRedisStore(redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &RedisStore{client: client, prefix: "refresh:"}, nil
}

func (s *RedisStore) key(tokenHash string) string {
	return s.prefix + tokenHash
}

func (s *RedisStore) SaveRefreshSession(ctx context.Context, tokenHash string, principal identity.Principal, expiresAt time.Time) error {
	data := TokenData{
		PrincipalID: principal.ID,
		Email:       principal.Email,
		DisplayName: principal.DisplayName,
		Anonymous:   principal.Anonymous,
		CreatedAt:   time.Now(),
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("marshal token data: %w", err)
	}

	ttl := time.Until(expiresAt)
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}

	if err := s.client.Set(ctx, s.key(tokenHash), jsonData, ttl).Err(); err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) LookupRefreshSession(ctx context.Context, tokenHash string) (identity.Principal, error) {
	jsonData, err := s.client.Get(ctx, s.key(tokenHash)).Result()
	if err == redis.Nil {
		return identity.Principal{}, fmt.Errorf("session not found or expired")
	}
	if err != nil {
		return identity.Principal{}, fmt.Errorf("lookup refresh session: %w", err)
	}

	var data TokenData
	if err := json.Unmarshal([]byte(jsonData), &data); err != nil {
		return identity.Principal{}, fmt.Errorf("unmarshal token data: %w", err)
	}

	return identity.Principal{
		ID:          data.PrincipalID,
		Email:       data.Email,
		DisplayName: data.DisplayName,
		Anonymous:   data.Anonymous,
	}, nil
}

func (s *RedisStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	if err := s.client.Del(ctx, s.key(tokenHash)).Err(); err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
