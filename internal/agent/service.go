package agent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Service manages the agent directory lifecycle and serves the identity
// lookups the verification gate depends on.
type Service struct {
	repo Repository
}

// NewService creates a new agent directory service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Register creates an active agent and stores a hashed API key.
func (s *Service) Register(ctx context.Context, reg Registration) (Agent, error) {
	if reg.DID == "" {
		return Agent{}, errors.New("DID is required")
	}
	if len(reg.APIKey) < 16 {
		return Agent{}, errors.New("API key must be at least 16 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(reg.APIKey), bcrypt.DefaultCost)
	if err != nil {
		return Agent{}, err
	}

	a := Agent{
		ID:         uuid.NewString(),
		DID:        reg.DID,
		Name:       reg.Name,
		Status:     StatusActive,
		APIKeyHash: hash,
		PublicKey:  reg.PublicKey,
		CreatedAt:  time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, a); err != nil {
		return Agent{}, err
	}
	return a, nil
}

// Authenticate verifies an agent's API key.
func (s *Service) Authenticate(ctx context.Context, did, apiKey string) (Agent, error) {
	a, err := s.repo.FindByDID(ctx, did)
	if err != nil {
		return Agent{}, err
	}
	if err := bcrypt.CompareHashAndPassword(a.APIKeyHash, []byte(apiKey)); err != nil {
		return Agent{}, errors.New("invalid API key")
	}
	return a, nil
}

// Get fetches an agent by identifier.
func (s *Service) Get(ctx context.Context, id string) (Agent, error) {
	return s.repo.FindByID(ctx, id)
}

// Suspend marks the agent suspended; payments from or to it fail the
// verification gate's agent-status check.
func (s *Service) Suspend(ctx context.Context, id string) error {
	return s.repo.UpdateStatus(ctx, id, StatusSuspended)
}

// Activate restores a suspended agent.
func (s *Service) Activate(ctx context.Context, id string) error {
	return s.repo.UpdateStatus(ctx, id, StatusActive)
}

// IsActive reports whether the agent exists and is active. This is the
// IdentityDirectory contract consumed by the verification gate.
func (s *Service) IsActive(ctx context.Context, agentID string) (bool, error) {
	a, err := s.repo.FindByID(ctx, agentID)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return a.Status == StatusActive, nil
}

// PublicKey returns the agent's payment signature verify key.
func (s *Service) PublicKey(ctx context.Context, agentID string) ([]byte, error) {
	a, err := s.repo.FindByID(ctx, agentID)
	if err != nil {
		return nil, err
	}
	return a.PublicKey, nil
}
