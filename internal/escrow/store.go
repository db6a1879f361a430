package escrow

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Store persists escrows and disputes.
type Store interface {
	Create(ctx context.Context, e Escrow) error
	Get(ctx context.Context, id string) (Escrow, error)
	Update(ctx context.Context, e Escrow) error
	// ListExpirable returns escrows still in created state whose expiry has
	// passed.
	ListExpirable(ctx context.Context, now time.Time) ([]Escrow, error)

	CreateDispute(ctx context.Context, d Dispute) error
	DisputeFor(ctx context.Context, escrowID string) (Dispute, error)
	UpdateDispute(ctx context.Context, d Dispute) error
}

type memoryStore struct {
	mu       sync.RWMutex
	escrows  map[string]Escrow
	disputes map[string]Dispute // keyed by escrow id
}

// NewMemoryStore builds an in-memory escrow store for tests and dev mode.
func NewMemoryStore() Store {
	return &memoryStore{escrows: make(map[string]Escrow), disputes: make(map[string]Dispute)}
}

func (s *memoryStore) Create(_ context.Context, e Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escrows[e.ID] = e
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.escrows[id]
	if !ok {
		return Escrow{}, ErrNotFound
	}
	return e, nil
}

func (s *memoryStore) Update(_ context.Context, e Escrow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.escrows[e.ID]; !ok {
		return ErrNotFound
	}
	s.escrows[e.ID] = e
	return nil
}

func (s *memoryStore) ListExpirable(_ context.Context, now time.Time) ([]Escrow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Escrow
	for _, e := range s.escrows {
		if e.Status == StatusCreated && !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *memoryStore) CreateDispute(_ context.Context, d Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disputes[d.EscrowID] = d
	return nil
}

func (s *memoryStore) DisputeFor(_ context.Context, escrowID string) (Dispute, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.disputes[escrowID]
	if !ok {
		return Dispute{}, ErrNoDispute
	}
	return d, nil
}

func (s *memoryStore) UpdateDispute(_ context.Context, d Dispute) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.disputes[d.EscrowID]; !ok {
		return ErrNoDispute
	}
	s.disputes[d.EscrowID] = d
	return nil
}
