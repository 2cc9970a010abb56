package store

import (
	"context"
	"sync"

	"github.com/mirrorfin/copy-executor/internal/domain"
)

// MemoryFollowerStore is the in-process FollowerStore, used when no Redis is
// configured and throughout the tests.
type MemoryFollowerStore struct {
	mu      sync.RWMutex
	configs map[string]domain.FollowerConfig
}

var _ FollowerStore = (*MemoryFollowerStore)(nil)

func NewMemoryFollowerStore() *MemoryFollowerStore {
	return &MemoryFollowerStore{configs: make(map[string]domain.FollowerConfig)}
}

func (s *MemoryFollowerStore) Put(_ context.Context, cfg domain.FollowerConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[cfg.UserID] = cfg
	return nil
}

func (s *MemoryFollowerStore) Get(_ context.Context, userID string) (*domain.FollowerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.configs[userID]
	if !ok {
		return nil, ErrNotFound
	}
	return &cfg, nil
}

func (s *MemoryFollowerStore) ListActive(_ context.Context) ([]domain.FollowerConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	res := make([]domain.FollowerConfig, 0, len(s.configs))
	for _, cfg := range s.configs {
		if cfg.Active {
			res = append(res, cfg)
		}
	}
	return res, nil
}

// MemoryAPIKeyStore is the in-process APIKeyStore counterpart.
type MemoryAPIKeyStore struct {
	mu   sync.RWMutex
	keys map[string]APIKeyIdentity
}

var _ APIKeyStore = (*MemoryAPIKeyStore)(nil)

func NewMemoryAPIKeyStore() *MemoryAPIKeyStore {
	return &MemoryAPIKeyStore{keys: make(map[string]APIKeyIdentity)}
}

func (s *MemoryAPIKeyStore) Put(_ context.Context, apiKey string, id APIKeyIdentity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[apiKey] = id
	return nil
}

func (s *MemoryAPIKeyStore) Get(_ context.Context, apiKey string) (*APIKeyIdentity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.keys[apiKey]
	if !ok {
		return nil, ErrNotFound
	}
	return &id, nil
}

func (s *MemoryAPIKeyStore) Revoke(_ context.Context, apiKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.keys, apiKey)
	return nil
}
