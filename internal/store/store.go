package store

import (
	"context"
	"errors"

	"github.com/mirrorfin/copy-executor/internal/domain"
)

// ErrNotFound indicates the keyed record does not exist.
var ErrNotFound = errors.New("store: not found")

// FollowerStore is the keyed registry of follower configurations. Mutations
// are atomic per key; any durable or in-memory implementation satisfying
// that contract is acceptable.
type FollowerStore interface {
	Get(ctx context.Context, userID string) (*domain.FollowerConfig, error)
	Put(ctx context.Context, cfg domain.FollowerConfig) error
	ListActive(ctx context.Context) ([]domain.FollowerConfig, error)
}

// APIKeyIdentity is what an opaque API key resolves to.
type APIKeyIdentity struct {
	UserID      string   `json:"userId"`
	Permissions []string `json:"permissions"`
}

// Admin reports whether the identity carries the admin permission.
func (id APIKeyIdentity) Admin() bool {
	for _, p := range id.Permissions {
		if p == "admin" {
			return true
		}
	}
	return false
}

// APIKeyStore maps opaque API keys to identities.
type APIKeyStore interface {
	Put(ctx context.Context, key string, id APIKeyIdentity) error
	Get(ctx context.Context, key string) (*APIKeyIdentity, error)
	Revoke(ctx context.Context, key string) error
}
