package wallet

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/agentpay/internal/ledger"
)

// ErrNoWalletForCurrency indicates the agent has no wallet in the requested
// currency.
var ErrNoWalletForCurrency = errors.New("no wallet for currency")

// Service exposes wallet lifecycle operations backed by the ledger.
type Service struct {
	ledger ledger.Ledger
}

// NewService builds a wallet service instance.
func NewService(l ledger.Ledger) *Service {
	return &Service{ledger: l}
}

// CreateInput captures data required to onboard a wallet.
type CreateInput struct {
	OwnerAgentID string
	Currency     string
}

// Create provisions a wallet for an agent at onboarding. One wallet exists
// per (agent, currency); a repeat request returns the existing wallet.
func (s *Service) Create(ctx context.Context, input CreateInput) (ledger.Wallet, error) {
	if input.OwnerAgentID == "" {
		return ledger.Wallet{}, fmt.Errorf("owner agent id is required")
	}
	currency := input.Currency
	if currency == "" {
		currency = "USD"
	}

	existing, err := s.ledger.WalletsByOwner(ctx, input.OwnerAgentID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	for _, w := range existing {
		if w.Currency == currency && w.Status == ledger.WalletStatusActive {
			return w, nil
		}
	}

	w := ledger.Wallet{
		ID:           uuid.NewString(),
		OwnerAgentID: input.OwnerAgentID,
		Currency:     currency,
		Status:       ledger.WalletStatusActive,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.ledger.CreateWallet(ctx, w); err != nil {
		return ledger.Wallet{}, err
	}
	return w, nil
}

// Get retrieves wallet metadata.
func (s *Service) Get(ctx context.Context, id string) (ledger.Wallet, error) {
	return s.ledger.GetWallet(ctx, id)
}

// ForAgent resolves the agent's wallet in the given currency.
func (s *Service) ForAgent(ctx context.Context, agentID, currency string) (ledger.Wallet, error) {
	wallets, err := s.ledger.WalletsByOwner(ctx, agentID)
	if err != nil {
		return ledger.Wallet{}, err
	}
	for _, w := range wallets {
		if w.Currency == currency && w.Status == ledger.WalletStatusActive {
			return w, nil
		}
	}
	return ledger.Wallet{}, ErrNoWalletForCurrency
}

// Balance returns the available/held/total balances for the wallet.
func (s *Service) Balance(ctx context.Context, id string) (ledger.Balance, error) {
	return s.ledger.Balance(ctx, id)
}

// Close disables the wallet. The wallet and its entry stream are retained.
func (s *Service) Close(ctx context.Context, id string) error {
	return s.ledger.DisableWallet(ctx, id)
}

// Entries returns the wallet's ledger entry stream, oldest first.
func (s *Service) Entries(ctx context.Context, id string) ([]ledger.Entry, error) {
	return s.ledger.Entries(ctx, id)
}
