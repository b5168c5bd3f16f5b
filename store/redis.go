package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/session-cli/credential"
)

// DefaultRedisPrefix is the key prefix used when none is configured.
const DefaultRedisPrefix = "authgate:session"

// RedisBackend keeps the session under three fixed keys:
//
//	<prefix>:access_token
//	<prefix>:refresh_token
//	<prefix>:session       (identity, capabilities, expiry as JSON)
//
// All three are written and deleted in one MULTI/EXEC so the pair never tears.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// sessionMeta is everything but the credentials themselves.
type sessionMeta struct {
	ID           string          `json:"id"`
	ClientID     string          `json:"client_id,omitempty"`
	Identity     Identity        `json:"identity"`
	Capabilities map[string]bool `json:"capabilities,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	TokenType    string          `json:"token_type,omitempty"`
	ExpiresAt    time.Time       `json:"expires_at"`
}

// NewRedisBackend creates a RedisBackend. An empty prefix uses DefaultRedisPrefix.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{client: client, prefix: prefix}
}

// Keys returns the access, refresh and metadata keys.
func (r *RedisBackend) Keys() (access, refresh, meta string) {
	return r.prefix + ":access_token", r.prefix + ":refresh_token", r.prefix + ":session"
}

// Load implements Backend. A partial record counts as no record.
func (r *RedisBackend) Load(ctx context.Context) (*Session, error) {
	accessKey, refreshKey, metaKey := r.Keys()

	vals, err := r.client.MGet(ctx, accessKey, refreshKey, metaKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read session keys: %w", err)
	}

	access, _ := vals[0].(string)
	refresh, _ := vals[1].(string)
	if access == "" || refresh == "" {
		return nil, nil
	}

	var meta sessionMeta
	if raw, ok := vals[2].(string); ok && raw != "" {
		if err := json.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, fmt.Errorf("failed to parse session metadata: %w", err)
		}
	}

	return &Session{
		ID:           meta.ID,
		ClientID:     meta.ClientID,
		Identity:     meta.Identity,
		Capabilities: meta.Capabilities,
		CreatedAt:    meta.CreatedAt,
		Pair: credential.Pair{
			AccessToken:  access,
			RefreshToken: refresh,
			TokenType:    meta.TokenType,
			ExpiresAt:    meta.ExpiresAt,
		},
	}, nil
}

// Save implements Backend.
func (r *RedisBackend) Save(ctx context.Context, s *Session) error {
	if s == nil {
		return errors.New("store: nil session")
	}
	accessKey, refreshKey, metaKey := r.Keys()

	meta, err := json.Marshal(sessionMeta{
		ID:           s.ID,
		ClientID:     s.ClientID,
		Identity:     s.Identity,
		Capabilities: s.Capabilities,
		CreatedAt:    s.CreatedAt,
		TokenType:    s.TokenType,
		ExpiresAt:    s.ExpiresAt,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, accessKey, s.AccessToken, 0)
		pipe.Set(ctx, refreshKey, s.RefreshToken, 0)
		pipe.Set(ctx, metaKey, meta, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write session keys: %w", err)
	}
	return nil
}

// Delete implements Backend.
func (r *RedisBackend) Delete(ctx context.Context) error {
	accessKey, refreshKey, metaKey := r.Keys()
	if err := r.client.Del(ctx, accessKey, refreshKey, metaKey).Err(); err != nil {
		return fmt.Errorf("failed to delete session keys: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisBackend) Close() error {
	return r.client.Close()
}
