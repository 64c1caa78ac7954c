package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	"studioops/api/internal/identity"
)

// MemoryStore is the in-process fallback when Redis is not configured.
// Sessions do not survive a restart.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]memorySession
}

type memorySession struct {
	principal identity.Principal
	expiresAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]memorySession)}
}

func (s *MemoryStore) SaveRefreshSession(ctx context.Context, tokenHash string, principal identity.Principal, expiresAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[tokenHash] = memorySession{principal: principal, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) LookupRefreshSession(ctx context.Context, tokenHash string) (identity.Principal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.sessions[tokenHash]
	if !ok || time.Now().After(record.expiresAt) {
		delete(s.sessions, tokenHash)
		return identity.Principal{}, fmt.Errorf("session not found or expired")
	}
	return record.principal, nil
}

func (s *MemoryStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, tokenHash)
	return nil
}
