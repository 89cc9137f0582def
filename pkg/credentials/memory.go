package credentials

import (
	"context"
	"fmt"
	"sync"

	"github.com/openunify/openunify/pkg/stores"
)

// MemoryStore is an in-process SecretStore. Values are kept unsealed; it is
// meant for tests and one-shot tooling.
type MemoryStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[string][]byte)}
}

func (s *MemoryStore) Get(_ context.Context, ref string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.secrets[ref]
	if !ok {
		return nil, fmt.Errorf("secret %s: %w", ref, stores.ErrNotFound)
	}
	return append([]byte(nil), v...), nil
}

func (s *MemoryStore) Create(_ context.Context, ref string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[ref]; ok {
		return fmt.Errorf("secret %s: %w", ref, stores.ErrAlreadyExists)
	}
	s.secrets[ref] = append([]byte(nil), secret...)
	return nil
}

func (s *MemoryStore) Update(_ context.Context, ref string, secret []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[ref]; !ok {
		return fmt.Errorf("secret %s: %w", ref, stores.ErrNotFound)
	}
	s.secrets[ref] = append([]byte(nil), secret...)
	return nil
}

// Len returns the number of stored secrets.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.secrets)
}
