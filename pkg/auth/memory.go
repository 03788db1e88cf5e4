package auth

import (
	"context"
	"sync"
	"time"
)

// MemoryActorStore is an in-memory ActorStore used by tests and single-node
// dev deployments
type MemoryActorStore struct {
	mu     sync.RWMutex
	tokens map[string]*TokenRecord // keyed by token hash
}

// NewMemoryActorStore creates an empty in-memory store
func NewMemoryActorStore() *MemoryActorStore {
	return &MemoryActorStore{tokens: make(map[string]*TokenRecord)}
}

// AddToken registers a token record. The record is keyed by its hash; callers
// hold the raw token.
func (s *MemoryActorStore) AddToken(rec TokenRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[rec.Hash] = &rec
}

// RevokeToken marks the token with the given hash as revoked
func (s *MemoryActorStore) RevokeToken(hash string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec, ok := s.tokens[hash]; ok {
		rec.RevokedAt = time.Now()
	}
}

func (s *MemoryActorStore) find(hash string, kind Kind) (*Actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.tokens[hash]
	if !ok || rec.Kind != kind || !rec.Live(time.Now()) {
		return nil, ErrTokenNotFound
	}
	actor := rec.Actor
	return &actor, nil
}

// FindPersonalAccessToken implements ActorStore
func (s *MemoryActorStore) FindPersonalAccessToken(_ context.Context, tokenHash string) (*Actor, error) {
	return s.find(tokenHash, KindPersonalAccessToken)
}

// FindDeployToken implements ActorStore
func (s *MemoryActorStore) FindDeployToken(_ context.Context, tokenHash string) (*Actor, error) {
	return s.find(tokenHash, KindDeployToken)
}

// FindJobToken implements ActorStore
func (s *MemoryActorStore) FindJobToken(_ context.Context, raw string) (*Actor, error) {
	return s.find(HashToken(raw), KindJobToken)
}

// SweepExpired removes tokens whose expiry has passed and returns how many
// were removed. Called by the maintenance janitor.
func (s *MemoryActorStore) SweepExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for hash, rec := range s.tokens {
		if !rec.ExpiresAt.IsZero() && !rec.ExpiresAt.After(now) {
			delete(s.tokens, hash)
			removed++
		}
	}
	return removed, nil
}
