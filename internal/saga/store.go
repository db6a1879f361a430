package saga

import (
	"context"
	"sort"
	"sync"
)

// Store persists sagas and their append-only step logs.
type Store interface {
	// Create inserts a new saga. Returns ErrDuplicateSaga when the ID is
	// already taken.
	Create(ctx context.Context, s Saga) error
	Get(ctx context.Context, id string) (Saga, error)
	Update(ctx context.Context, s Saga) error
	// AppendStep logs step intent or completion. Steps for one saga are
	// ordered by append time.
	AppendStep(ctx context.Context, sagaID string, step Step) error
	Steps(ctx context.Context, sagaID string) ([]Step, error)
	// ListIncomplete returns sagas still running, for the resume worker.
	ListIncomplete(ctx context.Context) ([]Saga, error)
	// ListByStatus returns sagas in the given status, for the review queue.
	ListByStatus(ctx context.Context, status string) ([]Saga, error)
}

// AuditLog persists the final payment record of each saga.
type AuditLog interface {
	Record(ctx context.Context, rec AuditRecord) error
}

type memoryStore struct {
	mu    sync.RWMutex
	sagas map[string]Saga
	steps map[string][]Step
}

// NewMemoryStore builds an in-memory saga store for tests and dev mode.
func NewMemoryStore() Store {
	return &memoryStore{sagas: make(map[string]Saga), steps: make(map[string][]Step)}
}

func (s *memoryStore) Create(_ context.Context, sg Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[sg.ID]; ok {
		return ErrDuplicateSaga
	}
	s.sagas[sg.ID] = sg
	return nil
}

func (s *memoryStore) Get(_ context.Context, id string) (Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sg, ok := s.sagas[id]
	if !ok {
		return Saga{}, ErrNotFound
	}
	return sg, nil
}

func (s *memoryStore) Update(_ context.Context, sg Saga) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sagas[sg.ID]; !ok {
		return ErrNotFound
	}
	s.sagas[sg.ID] = sg
	return nil
}

func (s *memoryStore) AppendStep(_ context.Context, sagaID string, step Step) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[sagaID] = append(s.steps[sagaID], step)
	return nil
}

func (s *memoryStore) Steps(_ context.Context, sagaID string) ([]Step, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	steps := make([]Step, len(s.steps[sagaID]))
	copy(steps, s.steps[sagaID])
	return steps, nil
}

func (s *memoryStore) ListIncomplete(ctx context.Context) ([]Saga, error) {
	return s.ListByStatus(ctx, StatusRunning)
}

func (s *memoryStore) ListByStatus(_ context.Context, status string) ([]Saga, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Saga
	for _, sg := range s.sagas {
		if sg.Status == status {
			out = append(out, sg)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryAuditLog collects audit records in memory.
type MemoryAuditLog struct {
	mu      sync.Mutex
	records []AuditRecord
}

// NewMemoryAuditLog builds an in-memory audit log.
func NewMemoryAuditLog() *MemoryAuditLog {
	return &MemoryAuditLog{}
}

// Record appends the audit record.
func (l *MemoryAuditLog) Record(_ context.Context, rec AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.records = append(l.records, rec)
	return nil
}

// Records returns a copy of all recorded entries.
func (l *MemoryAuditLog) Records() []AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]AuditRecord, len(l.records))
	copy(out, l.records)
	return out
}
