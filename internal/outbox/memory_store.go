package outbox

import (
	"context"
	"strings"
	"sync"
)

type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Envelope
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: map[string]Envelope{}}
}

func (s *MemoryStore) Put(_ context.Context, env Envelope) error {
	if err := validateForPut(env); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[env.ID] = cloneEnvelope(env)
	return nil
}

func (s *MemoryStore) PutCoalesced(_ context.Context, env Envelope) ([]Envelope, error) {
	if err := validateForPut(env); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var superseded []Envelope
	for id, queued := range s.items {
		if env.Intent != "" && queued.Intent == env.Intent && id != env.ID {
			superseded = append(superseded, queued)
			delete(s.items, id)
		}
	}
	sortEnvelopes(superseded)
	s.items[env.ID] = cloneEnvelope(env)
	return superseded, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	env, ok := s.items[strings.TrimSpace(id)]
	if !ok {
		return Envelope{}, ErrNotFound
	}
	return cloneEnvelope(env), nil
}

func (s *MemoryStore) GetAll(_ context.Context) ([]Envelope, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]Envelope, 0, len(s.items))
	for _, env := range s.items {
		items = append(items, cloneEnvelope(env))
	}
	sortEnvelopes(items)
	return items, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id = strings.TrimSpace(id)
	if _, ok := s.items[id]; !ok {
		return false, nil
	}
	delete(s.items, id)
	return true, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
