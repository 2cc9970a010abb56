package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/mirrorfin/copy-executor/internal/domain"
)

// storedConfig is the persistence shape for FollowerConfig. The domain type
// excludes credentials from JSON on purpose; storage carries the ciphertext.
type storedConfig struct {
	UserID             string    `json:"user_id"`
	UserAddress        string    `json:"user_address"`
	EncryptedAPIKey    string    `json:"enc_api_key"`
	EncryptedAPISecret string    `json:"enc_api_secret"`
	CopyRatio          float64   `json:"copy_ratio"`
	MaxPositionSize    float64   `json:"max_position_size"`
	StopLossPercent    float64   `json:"stop_loss_percent,omitempty"`
	Active             bool      `json:"active"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func toStored(cfg domain.FollowerConfig) storedConfig {
	return storedConfig(cfg)
}

func fromStored(s storedConfig) domain.FollowerConfig {
	return domain.FollowerConfig(s)
}

// RedisFollowerStore keeps follower configs in a Redis hash keyed by user
// id. HSET/HGET are atomic per field, which satisfies the per-key contract.
type RedisFollowerStore struct {
	client *redis.Client
	key    string
}

var _ FollowerStore = (*RedisFollowerStore)(nil)

func NewRedisFollowerStore(client *redis.Client, key string) *RedisFollowerStore {
	return &RedisFollowerStore{client: client, key: key}
}

func (s *RedisFollowerStore) Put(ctx context.Context, cfg domain.FollowerConfig) error {
	if s.key == "" {
		return fmt.Errorf("follower hash key is not configured")
	}
	data, err := json.Marshal(toStored(cfg))
	if err != nil {
		return fmt.Errorf("marshal follower config: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, cfg.UserID, string(data)).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisFollowerStore) Get(ctx context.Context, userID string) (*domain.FollowerConfig, error) {
	if s.key == "" {
		return nil, fmt.Errorf("follower hash key is not configured")
	}
	raw, err := s.client.HGet(ctx, s.key, userID).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET %s: %w", s.key, err)
	}
	var stored storedConfig
	if err := json.Unmarshal([]byte(raw), &stored); err != nil {
		return nil, fmt.Errorf("unmarshal follower config: %w", err)
	}
	cfg := fromStored(stored)
	return &cfg, nil
}

func (s *RedisFollowerStore) ListActive(ctx context.Context) ([]domain.FollowerConfig, error) {
	if s.key == "" {
		return nil, fmt.Errorf("follower hash key is not configured")
	}
	raw, err := s.client.HGetAll(ctx, s.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redis HGETALL %s: %w", s.key, err)
	}

	res := make([]domain.FollowerConfig, 0, len(raw))
	for _, v := range raw {
		var stored storedConfig
		if err := json.Unmarshal([]byte(v), &stored); err != nil {
			// Skip malformed entries but continue.
			continue
		}
		if !stored.Active {
			continue
		}
		res = append(res, fromStored(stored))
	}
	return res, nil
}

// RedisAPIKeyStore keeps issued API keys in a Redis hash keyed by the opaque
// token.
type RedisAPIKeyStore struct {
	client *redis.Client
	key    string
}

var _ APIKeyStore = (*RedisAPIKeyStore)(nil)

func NewRedisAPIKeyStore(client *redis.Client, key string) *RedisAPIKeyStore {
	return &RedisAPIKeyStore{client: client, key: key}
}

func (s *RedisAPIKeyStore) Put(ctx context.Context, apiKey string, id APIKeyIdentity) error {
	if s.key == "" {
		return fmt.Errorf("api key hash key is not configured")
	}
	data, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal api key identity: %w", err)
	}
	if err := s.client.HSet(ctx, s.key, apiKey, string(data)).Err(); err != nil {
		return fmt.Errorf("redis HSET %s: %w", s.key, err)
	}
	return nil
}

func (s *RedisAPIKeyStore) Get(ctx context.Context, apiKey string) (*APIKeyIdentity, error) {
	if s.key == "" {
		return nil, fmt.Errorf("api key hash key is not configured")
	}
	raw, err := s.client.HGet(ctx, s.key, apiKey).Result()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis HGET %s: %w", s.key, err)
	}
	var id APIKeyIdentity
	if err := json.Unmarshal([]byte(raw), &id); err != nil {
		return nil, fmt.Errorf("unmarshal api key identity: %w", err)
	}
	return &id, nil
}

func (s *RedisAPIKeyStore) Revoke(ctx context.Context, apiKey string) error {
	if s.key == "" {
		return fmt.Errorf("api key hash key is not configured")
	}
	if err := s.client.HDel(ctx, s.key, apiKey).Err(); err != nil {
		return fmt.Errorf("redis HDEL %s: %w", s.key, err)
	}
	return nil
}
