package payments

import (
	"context"
	"encoding/base64"
	"fmt"

	"github.com/agentpay/agentpay/internal/escrow"
	"github.com/agentpay/agentpay/internal/saga"
	"github.com/agentpay/agentpay/internal/wallet"
)

func conditionFromDTO(c ConditionDTO) escrow.Condition {
	return escrow.Condition{Type: c.Type, Description: c.Description}
}

// Service resolves agents to wallets and hands the typed payment request to
// the saga orchestrator.
type Service struct {
	orchestrator *saga.Orchestrator
	wallets      *wallet.Service
}

// NewService builds a payments service.
func NewService(orchestrator *saga.Orchestrator, wallets *wallet.Service) *Service {
	return &Service{orchestrator: orchestrator, wallets: wallets}
}

// Submit validates the request, resolves wallets by agent and currency, and
// executes the payment saga.
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (saga.Result, error) {
	if err := validate.Struct(req); err != nil {
		return saga.Result{}, fmt.Errorf("%w: %v", saga.ErrValidation, err)
	}

	from, err := s.wallets.ForAgent(ctx, req.FromAgentID, req.Currency)
	if err != nil {
		return saga.Result{}, fmt.Errorf("%w: sender: %v", saga.ErrValidation, err)
	}

	payment := saga.PaymentRequest{
		TransactionID: req.TransactionID,
		FromAgentID:   req.FromAgentID,
		ToAgentID:     req.ToAgentID,
		FromWalletID:  from.ID,
		Amount:        req.Amount,
		Currency:      req.Currency,
		PaymentType:   req.PaymentType,
		Metadata:      req.Metadata,
	}

	if req.Payload != "" {
		payment.Payload, err = base64.StdEncoding.DecodeString(req.Payload)
		if err != nil {
			return saga.Result{}, fmt.Errorf("%w: payload is not base64", saga.ErrValidation)
		}
	}
	if req.Signature != "" {
		payment.Signature, err = base64.StdEncoding.DecodeString(req.Signature)
		if err != nil {
			return saga.Result{}, fmt.Errorf("%w: signature is not base64", saga.ErrValidation)
		}
	}

	if len(req.Splits) > 0 {
		for _, sp := range req.Splits {
			w, err := s.wallets.ForAgent(ctx, sp.ToAgentID, req.Currency)
			if err != nil {
				return saga.Result{}, fmt.Errorf("%w: split receiver %s: %v", saga.ErrValidation, sp.ToAgentID, err)
			}
			payment.Splits = append(payment.Splits, saga.Split{
				ToAgentID:  sp.ToAgentID,
				ToWalletID: w.ID,
				Amount:     sp.Amount,
			})
		}
	} else {
		// The receiver keeps their own currency; the ledger converts at
		// transfer time when it differs from the request currency.
		to, err := s.wallets.ForAgent(ctx, req.ToAgentID, req.Currency)
		if err != nil {
			return saga.Result{}, fmt.Errorf("%w: receiver: %v", saga.ErrValidation, err)
		}
		payment.ToWalletID = to.ID
	}

	if len(req.EscrowConditions) > 0 || req.EscrowExpiresAt != nil || req.PaymentType == "escrow" {
		terms := &saga.EscrowTerms{}
		for _, c := range req.EscrowConditions {
			terms.Conditions = append(terms.Conditions, conditionFromDTO(c))
		}
		if req.EscrowExpiresAt != nil {
			terms.ExpiresAt = req.EscrowExpiresAt.UTC()
		}
		payment.Escrow = terms
	}

	return s.orchestrator.Execute(ctx, payment)
}

// Status returns the recorded outcome for a transaction.
func (s *Service) Status(ctx context.Context, transactionID string) (saga.Result, error) {
	return s.orchestrator.Get(ctx, transactionID)
}

// ReviewQueue lists payments parked for manual review.
func (s *Service) ReviewQueue(ctx context.Context) ([]saga.Saga, error) {
	return s.orchestrator.ReviewQueue(ctx)
}

// ApproveReview resumes a parked payment.
func (s *Service) ApproveReview(ctx context.Context, transactionID string) (saga.Result, error) {
	return s.orchestrator.ApproveReview(ctx, transactionID)
}

// RejectReview closes a parked payment.
func (s *Service) RejectReview(ctx context.Context, transactionID, reason string) (saga.Result, error) {
	return s.orchestrator.RejectReview(ctx, transactionID, reason)
}
