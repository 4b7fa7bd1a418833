package repository

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/mailverify/mailverify/internal/model"
)

// MemoryAPIKeys keeps API keys in process memory. It serves single-node
// deployments running without Postgres.
type MemoryAPIKeys struct {
	mu   sync.RWMutex
	keys map[string]*model.APIKey
}

// NewMemoryAPIKeys creates an empty key store.
func NewMemoryAPIKeys() *MemoryAPIKeys {
	return &MemoryAPIKeys{keys: make(map[string]*model.APIKey)}
}

func cloneAPIKey(k *model.APIKey) *model.APIKey {
	c := *k
	c.Scopes = slices.Clone(k.Scopes)
	return &c
}

// CreateAPIKey stores a new key.
func (s *MemoryAPIKeys) CreateAPIKey(_ context.Context, key *model.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keys[key.ID] = cloneAPIKey(key)
	return nil
}

// GetAPIKeyByID returns a key, revoked or not.
func (s *MemoryAPIKeys) GetAPIKeyByID(_ context.Context, id string) (*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	k, ok := s.keys[id]
	if !ok {
		return nil, ErrAPIKeyNotFound
	}
	return cloneAPIKey(k), nil
}

// GetAPIKeysByPrefix returns the active keys sharing prefix.
func (s *MemoryAPIKeys) GetAPIKeysByPrefix(_ context.Context, prefix string) ([]*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.APIKey
	for _, k := range s.keys {
		if k.KeyPrefix == prefix && !k.IsRevoked() {
			out = append(out, cloneAPIKey(k))
		}
	}
	return out, nil
}

// ListAPIKeysByUserID returns the user's keys, newest first.
func (s *MemoryAPIKeys) ListAPIKeysByUserID(_ context.Context, userID string) ([]*model.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*model.APIKey
	for _, k := range s.keys {
		if k.UserID == userID {
			out = append(out, cloneAPIKey(k))
		}
	}
	slices.SortFunc(out, func(a, b *model.APIKey) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out, nil
}

// RevokeAPIKey marks an active key revoked.
func (s *MemoryAPIKeys) RevokeAPIKey(_ context.Context, id string) error {
	return s.revoke(id, func(*model.APIKey) bool { return true })
}

// RevokeUserAPIKey revokes a key only if userID owns it.
func (s *MemoryAPIKeys) RevokeUserAPIKey(_ context.Context, userID, id string) error {
	return s.revoke(id, func(k *model.APIKey) bool { return k.UserID == userID })
}

func (s *MemoryAPIKeys) revoke(id string, allowed func(*model.APIKey) bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k, ok := s.keys[id]
	if !ok || k.IsRevoked() || !allowed(k) {
		return ErrAPIKeyNotFound
	}
	now := time.Now().UTC()
	k.RevokedAt = &now
	return nil
}

// UpdateAPIKeyLastUsed records the last successful authentication.
func (s *MemoryAPIKeys) UpdateAPIKeyLastUsed(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if k, ok := s.keys[id]; ok {
		now := time.Now().UTC()
		k.LastUsedAt = &now
	}
	return nil
}
