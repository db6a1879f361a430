package escrow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/agentpay/internal/ledger"
	"github.com/agentpay/agentpay/internal/verification"
)

// Config tunes escrow policy.
type Config struct {
	// VotingThreshold: disputes on escrows under this amount resolve by
	// voting when no verifiable condition exists; at or above it,
	// arbitration.
	VotingThreshold int64
	// ReputationFloor: receivers scoring below this cannot be party to a new
	// escrow. Zero disables the gate.
	ReputationFloor float64
}

// Service drives the escrow state machine. All funds movement goes through
// the wallet ledger; deposit holds funds on the sender wallet, release and
// resolution move or return the held funds. Operations on one escrow are
// serialized by a per-escrow lock, shared with the expiry sweeper.
type Service struct {
	store  Store
	ledger ledger.Ledger
	oracle verification.ReputationOracle
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	mu    sync.Mutex
	locks map[string]*escrowLock
}

// escrowLock is a refcounted per-escrow mutex. Entries leave the map once
// the last holder releases, so the map does not grow with escrow history.
type escrowLock struct {
	mu   sync.Mutex
	refs int
}

// NewService builds an escrow service.
func NewService(store Store, l ledger.Ledger, oracle verification.ReputationOracle, cfg Config, logger *slog.Logger) *Service {
	return &Service{
		store:  store,
		ledger: l,
		oracle: oracle,
		cfg:    cfg,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
		locks:  make(map[string]*escrowLock),
	}
}

func (s *Service) lock(escrowID string) *escrowLock {
	s.mu.Lock()
	l, ok := s.locks[escrowID]
	if !ok {
		l = &escrowLock{}
		s.locks[escrowID] = l
	}
	l.refs++
	s.mu.Unlock()

	l.mu.Lock()
	return l
}

func (s *Service) unlock(escrowID string, l *escrowLock) {
	l.mu.Unlock()
	s.mu.Lock()
	l.refs--
	if l.refs == 0 {
		delete(s.locks, escrowID)
	}
	s.mu.Unlock()
}

// CreateInput captures the data needed to open an escrow.
type CreateInput struct {
	TransactionID    string
	SenderAgentID    string
	ReceiverAgentID  string
	SenderWalletID   string
	ReceiverWalletID string
	Amount           int64
	Currency         string
	Conditions       []Condition
	ExpiresAt        time.Time
}

// Create opens an escrow in created state with zero funding.
func (s *Service) Create(ctx context.Context, input CreateInput) (Escrow, error) {
	if input.Amount <= 0 {
		return Escrow{}, fmt.Errorf("amount must be positive")
	}
	if !input.ExpiresAt.IsZero() && input.ExpiresAt.Before(s.now()) {
		return Escrow{}, fmt.Errorf("expiry must be in the future")
	}
	if s.oracle != nil && s.cfg.ReputationFloor > 0 {
		score, err := s.oracle.Score(ctx, input.ReceiverAgentID)
		if err != nil {
			return Escrow{}, err
		}
		if score < s.cfg.ReputationFloor {
			return Escrow{}, ErrNotEligible
		}
	}

	now := s.now()
	e := Escrow{
		ID:               uuid.NewString(),
		TransactionID:    input.TransactionID,
		SenderAgentID:    input.SenderAgentID,
		ReceiverAgentID:  input.ReceiverAgentID,
		SenderWalletID:   input.SenderWalletID,
		ReceiverWalletID: input.ReceiverWalletID,
		Amount:           input.Amount,
		Currency:         input.Currency,
		Conditions:       input.Conditions,
		Status:           StatusCreated,
		ExpiresAt:        input.ExpiresAt,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.store.Create(ctx, e); err != nil {
		return Escrow{}, err
	}
	return e, nil
}

// Get fetches an escrow.
func (s *Service) Get(ctx context.Context, id string) (Escrow, error) {
	return s.store.Get(ctx, id)
}

// Dispute returns the dispute raised against an escrow, if any.
func (s *Service) Dispute(ctx context.Context, escrowID string) (Dispute, error) {
	return s.store.DisputeFor(ctx, escrowID)
}

// Deposit funds the escrow by holding the amount on the sender wallet.
// Valid only in created state; partial deposits stay in created, and
// reaching the escrow amount transitions to funded. Replaying an operation
// key is a no-op.
func (s *Service) Deposit(ctx context.Context, escrowID string, amount int64, opKey string) (Escrow, error) {
	if amount <= 0 {
		return Escrow{}, fmt.Errorf("amount must be positive")
	}
	lock := s.lock(escrowID)
	defer s.unlock(escrowID, lock)

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if e.FundedBy(opKey) {
		// Replayed operation key: the deposit is already counted.
		return e, nil
	}
	if e.Status != StatusCreated {
		return Escrow{}, fmt.Errorf("%w: deposit in %s", ErrInvalidTransition, e.Status)
	}
	if e.FundedAmount+amount > e.Amount {
		return Escrow{}, ErrOverfunded
	}

	_, err = s.ledger.Hold(ctx, e.SenderWalletID, amount, opKey, e.TransactionID)
	if err != nil {
		if errors.Is(err, ledger.ErrDuplicateOperation) {
			// The ledger applied this key but the escrow record does not
			// carry it: a crash hit between hold and state write. Fall
			// through so the state catches up.
		} else {
			return Escrow{}, err
		}
	}

	e.FundedAmount += amount
	e.FundingOpKeys = append(e.FundingOpKeys, opKey)
	if e.FundedAmount >= e.Amount {
		e.Status = StatusFunded
	}
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return Escrow{}, err
	}
	return e, nil
}

// Release pays the remaining funded balance to the receiver. Valid in
// funded or resolved state.
func (s *Service) Release(ctx context.Context, escrowID, by, reason, opKey string) (Escrow, error) {
	lock := s.lock(escrowID)
	defer s.unlock(escrowID, lock)

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status != StatusFunded && e.Status != StatusResolved {
		return Escrow{}, fmt.Errorf("%w: release in %s", ErrInvalidTransition, e.Status)
	}

	remaining := e.Remaining()
	if remaining > 0 {
		if _, err := s.ledger.TransferHeld(ctx, e.SenderWalletID, e.ReceiverWalletID, remaining, opKey, e.TransactionID); err != nil && !errors.Is(err, ledger.ErrDuplicateOperation) {
			return Escrow{}, err
		}
		e.ReleasedAmount += remaining
	}
	e.Status = StatusReleased
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return Escrow{}, err
	}

	if s.logger != nil {
		s.logger.Info("escrow released", "escrow_id", e.ID, "by", by, "reason", reason, "amount", remaining)
	}
	return e, nil
}

// RaiseDispute challenges a funded escrow. The resolution method is chosen
// deterministically: automated when any condition is mechanically
// verifiable, else voting below the amount threshold, else arbitration.
func (s *Service) RaiseDispute(ctx context.Context, escrowID, by, reason string, evidence []string) (Dispute, error) {
	lock := s.lock(escrowID)
	defer s.unlock(escrowID, lock)

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return Dispute{}, err
	}
	if e.Status != StatusFunded {
		return Dispute{}, fmt.Errorf("%w: dispute in %s", ErrInvalidTransition, e.Status)
	}

	d := Dispute{
		ID:        uuid.NewString(),
		EscrowID:  e.ID,
		RaisedBy:  by,
		Reason:    reason,
		Evidence:  evidence,
		Method:    s.resolutionMethod(e),
		Status:    DisputeOpen,
		CreatedAt: s.now(),
	}
	if err := s.store.CreateDispute(ctx, d); err != nil {
		return Dispute{}, err
	}

	e.Status = StatusDisputed
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return Dispute{}, err
	}
	return d, nil
}

func (s *Service) resolutionMethod(e Escrow) string {
	for _, c := range e.Conditions {
		if c.Verifiable() {
			return MethodAutomated
		}
	}
	if e.Amount < s.cfg.VotingThreshold {
		return MethodVoting
	}
	return MethodArbitration
}

// Resolve settles a disputed escrow. Split allocations must sum exactly to
// the funded amount. Funds move atomically through the ledger: the
// receiver's share leaves the sender's held balance as a transfer, the
// sender's share returns held -> available.
func (s *Service) Resolve(ctx context.Context, escrowID, by, resolutionType string, alloc Allocation) (Escrow, error) {
	lock := s.lock(escrowID)
	defer s.unlock(escrowID, lock)

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status != StatusDisputed {
		return Escrow{}, fmt.Errorf("%w: resolve in %s", ErrInvalidTransition, e.Status)
	}

	remaining := e.Remaining()
	switch resolutionType {
	case ResolveToReceiver:
		alloc = Allocation{Receiver: remaining}
	case ResolveToSender:
		alloc = Allocation{Sender: remaining}
	case ResolveSplit:
		if alloc.Sender < 0 || alloc.Receiver < 0 || alloc.Sender+alloc.Receiver != e.FundedAmount {
			return Escrow{}, ErrInvalidAllocation
		}
	default:
		return Escrow{}, fmt.Errorf("unknown resolution type %q", resolutionType)
	}

	if alloc.Receiver > 0 {
		opKey := "escrow_resolve_receiver:" + e.ID
		if _, err := s.ledger.TransferHeld(ctx, e.SenderWalletID, e.ReceiverWalletID, alloc.Receiver, opKey, e.TransactionID); err != nil && !errors.Is(err, ledger.ErrDuplicateOperation) {
			return Escrow{}, err
		}
		e.ReleasedAmount += alloc.Receiver
	}
	if alloc.Sender > 0 {
		opKey := "escrow_resolve_sender:" + e.ID
		if _, err := s.ledger.Release(ctx, e.SenderWalletID, alloc.Sender, opKey, e.TransactionID); err != nil && !errors.Is(err, ledger.ErrDuplicateOperation) {
			return Escrow{}, err
		}
		e.RefundedAmount += alloc.Sender
	}

	e.Status = StatusResolved
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return Escrow{}, err
	}

	d, err := s.store.DisputeFor(ctx, escrowID)
	if err == nil {
		d.Status = DisputeResolved
		d.Resolution = resolutionType
		d.Allocation = alloc
		d.ResolvedAt = s.now()
		if err := s.store.UpdateDispute(ctx, d); err != nil && s.logger != nil {
			s.logger.Warn("dispute update failed", "escrow_id", escrowID, "error", err)
		}
	}

	if s.logger != nil {
		s.logger.Info("escrow resolved", "escrow_id", e.ID, "by", by, "type", resolutionType,
			"to_sender", alloc.Sender, "to_receiver", alloc.Receiver)
	}
	return e, nil
}

// Expire closes an escrow whose expiry passed while still in created state,
// refunding any partial funding to the sender.
func (s *Service) Expire(ctx context.Context, escrowID string) (Escrow, error) {
	lock := s.lock(escrowID)
	defer s.unlock(escrowID, lock)

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status != StatusCreated {
		return Escrow{}, fmt.Errorf("%w: expire in %s", ErrInvalidTransition, e.Status)
	}
	if e.ExpiresAt.IsZero() || s.now().Before(e.ExpiresAt) {
		return Escrow{}, fmt.Errorf("%w: escrow not yet expired", ErrInvalidTransition)
	}

	if remaining := e.Remaining(); remaining > 0 {
		opKey := "escrow_expire:" + e.ID
		if _, err := s.ledger.Release(ctx, e.SenderWalletID, remaining, opKey, e.TransactionID); err != nil && !errors.Is(err, ledger.ErrDuplicateOperation) {
			return Escrow{}, err
		}
		e.RefundedAmount += remaining
	}
	e.Status = StatusExpired
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return Escrow{}, err
	}
	return e, nil
}

// Unwind returns all held funds to the sender and closes the escrow. Used
// by saga compensation to reverse a deposit made earlier in a failed
// payment. Valid while no funds have left the escrow.
func (s *Service) Unwind(ctx context.Context, escrowID, opKey string) (Escrow, error) {
	lock := s.lock(escrowID)
	defer s.unlock(escrowID, lock)

	e, err := s.store.Get(ctx, escrowID)
	if err != nil {
		return Escrow{}, err
	}
	if e.Status != StatusCreated && e.Status != StatusFunded {
		return Escrow{}, fmt.Errorf("%w: unwind in %s", ErrInvalidTransition, e.Status)
	}

	if remaining := e.Remaining(); remaining > 0 {
		if _, err := s.ledger.Release(ctx, e.SenderWalletID, remaining, opKey, e.TransactionID); err != nil && !errors.Is(err, ledger.ErrDuplicateOperation) {
			return Escrow{}, err
		}
		e.RefundedAmount += remaining
	}
	e.Status = StatusExpired
	e.Archived = true
	e.UpdatedAt = s.now()
	if err := s.store.Update(ctx, e); err != nil {
		return Escrow{}, err
	}
	return e, nil
}
