package agent

import (
	"context"
	"errors"
	"sync"
)

type memoryRepository struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewMemoryRepository builds an in-memory agent store for testing.
func NewMemoryRepository() Repository {
	return &memoryRepository{agents: make(map[string]Agent)}
}

func (r *memoryRepository) Create(_ context.Context, a Agent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.agents {
		if existing.DID == a.DID {
			return errors.New("agent exists")
		}
	}
	r.agents[a.ID] = a
	return nil
}

func (r *memoryRepository) FindByID(_ context.Context, id string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agents[id]
	if !ok {
		return Agent{}, ErrNotFound
	}
	return a, nil
}

func (r *memoryRepository) FindByDID(_ context.Context, did string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.agents {
		if a.DID == did {
			return a, nil
		}
	}
	return Agent{}, ErrNotFound
}

func (r *memoryRepository) UpdateStatus(_ context.Context, id, status string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[id]
	if !ok {
		return ErrNotFound
	}
	a.Status = status
	r.agents[id] = a
	return nil
}
