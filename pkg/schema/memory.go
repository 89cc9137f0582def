package schema

import (
	"context"
	"sync"
)

// MemorySource is an in-memory ModelSource.
type MemorySource struct {
	mu     sync.RWMutex
	byID   map[string]*CommonModel
	byName map[string]string
}

// NewMemorySource creates a source holding the given models.
func NewMemorySource(models ...*CommonModel) *MemorySource {
	s := &MemorySource{
		byID:   make(map[string]*CommonModel),
		byName: make(map[string]string),
	}
	for _, m := range models {
		s.Put(m)
	}
	return s
}

// Put adds or replaces a model.
func (s *MemorySource) Put(m *CommonModel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byID[m.ID] = m
	s.byName[m.Name] = m.ID
}

// GetModel implements ModelSource.
func (s *MemorySource) GetModel(_ context.Context, id string) (*CommonModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[id]
	if !ok {
		return nil, ErrModelNotFound
	}
	return m, nil
}

// GetModelByName implements ModelSource.
func (s *MemorySource) GetModelByName(_ context.Context, name string) (*CommonModel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byName[name]
	if !ok {
		return nil, ErrModelNotFound
	}
	return s.byID[id], nil
}
