package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/agentpay/agentpay/internal/escrow"
	"github.com/agentpay/agentpay/internal/ledger"
	"github.com/agentpay/agentpay/internal/money"
	"github.com/agentpay/agentpay/internal/notification"
	"github.com/agentpay/agentpay/internal/verification"
)

// Config tunes orchestrator policy.
type Config struct {
	// FeeBps is the platform fee in basis points of the payment amount.
	FeeBps int64
	// FeeExemptBelow exempts micro-payments under this amount from the fee.
	FeeExemptBelow int64
	// FeePoolWalletID receives collected fees.
	FeePoolWalletID string
	// SystemAgentIDs are fee-exempt platform agents.
	SystemAgentIDs []string
	// MaxAmount caps a single payment. Zero disables the cap.
	MaxAmount int64
	// VerifyRetries bounds retries of the verification gate on dependency
	// failures.
	VerifyRetries int
	// CompensationRetries bounds retries of each compensation op before the
	// saga is left failed_uncompensated.
	CompensationRetries int
	// RetryBackoff is the base delay between retries, doubled per attempt.
	RetryBackoff time.Duration
}

// Verifier gates payments before any funds move. Satisfied by
// *verification.Gate.
type Verifier interface {
	Check(ctx context.Context, req verification.Request) (verification.Result, error)
}

// Orchestrator executes payment sagas: validate, verify, transfer, fee,
// notify, record. Steps are write-ahead logged so a crashed saga resumes from
// its last completed step, and every financial mutation carries a
// transaction-derived operation key so resumption never double-applies.
type Orchestrator struct {
	store      Store
	audit      AuditLog
	ledger     ledger.Ledger
	gate       Verifier
	escrows    *escrow.Service
	dispatcher notification.Dispatcher
	history    verification.TransactionHistory
	cfg        Config
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(context.Context, time.Duration)
}

// NewOrchestrator builds a payment orchestrator.
func NewOrchestrator(store Store, audit AuditLog, l ledger.Ledger, gate Verifier,
	escrows *escrow.Service, dispatcher notification.Dispatcher,
	history verification.TransactionHistory, cfg Config, logger *slog.Logger) *Orchestrator {
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 200 * time.Millisecond
	}
	return &Orchestrator{
		store:      store,
		audit:      audit,
		ledger:     l,
		gate:       gate,
		escrows:    escrows,
		dispatcher: dispatcher,
		history:    history,
		cfg:        cfg,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
		sleep: func(ctx context.Context, d time.Duration) {
			t := time.NewTimer(d)
			defer t.Stop()
			select {
			case <-ctx.Done():
			case <-t.C:
			}
		},
	}
}

// Execute runs the payment saga to a terminal or parked state. Submitting a
// transaction ID that already ran returns the recorded outcome; submitting
// one that is still running resumes it.
func (o *Orchestrator) Execute(ctx context.Context, req PaymentRequest) (Result, error) {
	if existing, err := o.store.Get(ctx, req.TransactionID); err == nil {
		return o.continueSaga(ctx, existing)
	} else if !errors.Is(err, ErrNotFound) {
		return Result{}, err
	}

	now := o.now()
	sg := Saga{
		ID:        req.TransactionID,
		Request:   req,
		Status:    StatusRunning,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Create(ctx, sg); err != nil {
		// Lost a race with a concurrent submission of the same transaction;
		// continue the saga that won.
		if errors.Is(err, ErrDuplicateSaga) {
			existing, getErr := o.store.Get(ctx, req.TransactionID)
			if getErr != nil {
				return Result{}, getErr
			}
			return o.continueSaga(ctx, existing)
		}
		return Result{}, err
	}
	return o.run(ctx, sg, nil)
}

// Resume continues a running saga from its last completed step. Used by the
// resume worker after a crash.
func (o *Orchestrator) Resume(ctx context.Context, sagaID string) (Result, error) {
	sg, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	return o.continueSaga(ctx, sg)
}

// ApproveReview moves a parked saga back to running and continues it from
// the transfer step. Operator action.
func (o *Orchestrator) ApproveReview(ctx context.Context, sagaID string) (Result, error) {
	sg, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	if sg.Status != StatusNeedsReview {
		return Result{}, fmt.Errorf("%w: saga is %s", ErrNotResumable, sg.Status)
	}
	sg.Status = StatusRunning
	sg.UpdatedAt = o.now()
	if err := o.store.Update(ctx, sg); err != nil {
		return Result{}, err
	}
	done, err := o.completedSteps(ctx, sg.ID)
	if err != nil {
		return Result{}, err
	}
	done[StepVerify] = true
	return o.run(ctx, sg, done)
}

// RejectReview closes a parked saga as rejected. No mutation has happened at
// that point, so nothing needs compensation. Operator action.
func (o *Orchestrator) RejectReview(ctx context.Context, sagaID, reason string) (Result, error) {
	sg, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	if sg.Status != StatusNeedsReview {
		return Result{}, fmt.Errorf("%w: saga is %s", ErrNotResumable, sg.Status)
	}
	return o.finishRejected(ctx, sg, fmt.Errorf("%w: %s", ErrVerificationRejected, reason))
}

// ReviewQueue lists sagas parked for manual review.
func (o *Orchestrator) ReviewQueue(ctx context.Context) ([]Saga, error) {
	return o.store.ListByStatus(ctx, StatusNeedsReview)
}

// Get returns the saga's caller-facing result.
func (o *Orchestrator) Get(ctx context.Context, sagaID string) (Result, error) {
	sg, err := o.store.Get(ctx, sagaID)
	if err != nil {
		return Result{}, err
	}
	return o.result(sg), nil
}

func (o *Orchestrator) continueSaga(ctx context.Context, sg Saga) (Result, error) {
	switch sg.Status {
	case StatusRunning:
		done, err := o.completedSteps(ctx, sg.ID)
		if err != nil {
			return Result{}, err
		}
		return o.run(ctx, sg, done)
	case StatusNeedsReview:
		return o.result(sg), ErrReviewRequired
	case StatusRejected:
		return o.result(sg), errors.New(sg.ErrorMessage)
	case StatusFailedUncompensated:
		return o.result(sg), ErrCompensationFailed
	case StatusFailedCompensated:
		return o.result(sg), errors.New(sg.ErrorMessage)
	default:
		return o.result(sg), nil
	}
}

func (o *Orchestrator) completedSteps(ctx context.Context, sagaID string) (map[string]bool, error) {
	steps, err := o.store.Steps(ctx, sagaID)
	if err != nil {
		return nil, err
	}
	done := make(map[string]bool)
	for _, st := range steps {
		if st.Status == StepDone {
			done[st.Name] = true
		}
	}
	return done, nil
}

func (o *Orchestrator) run(ctx context.Context, sg Saga, done map[string]bool) (Result, error) {
	if done == nil {
		done = make(map[string]bool)
	}

	if !done[StepValidate] {
		if err := o.step(ctx, sg.ID, StepValidate, func(ctx context.Context) (string, error) {
			return "", o.validate(ctx, sg.Request)
		}); err != nil {
			return o.finishRejected(ctx, sg, err)
		}
	}

	if !done[StepVerify] {
		decision, err := o.verify(ctx, &sg)
		if err != nil {
			return o.result(sg), err
		}
		switch decision {
		case verification.DecisionReject:
			return o.finishRejected(ctx, sg, ErrVerificationRejected)
		case verification.DecisionReview:
			sg.Status = StatusNeedsReview
			sg.UpdatedAt = o.now()
			if err := o.store.Update(ctx, sg); err != nil {
				return Result{}, err
			}
			return o.result(sg), ErrReviewRequired
		}
	}

	// Financial steps. From here the saga is committed-in-progress: it runs
	// to completion or compensation, never partial.
	if !done[StepTransfer] {
		if err := o.step(ctx, sg.ID, StepTransfer, func(ctx context.Context) (string, error) {
			return o.transfer(ctx, &sg)
		}); err != nil {
			return o.compensate(ctx, sg, err)
		}
	}

	if !done[StepFee] {
		if err := o.step(ctx, sg.ID, StepFee, func(ctx context.Context) (string, error) {
			return o.chargeFee(ctx, &sg)
		}); err != nil {
			return o.compensate(ctx, sg, err)
		}
	}

	// Best-effort steps. Failures are logged, never compensated.
	if !done[StepNotify] {
		if err := o.step(ctx, sg.ID, StepNotify, func(ctx context.Context) (string, error) {
			o.notify(ctx, sg)
			return "", nil
		}); err != nil {
			o.logger.Warn("notify step failed", "saga_id", sg.ID, "error", err)
		}
	}

	if !done[StepRecord] {
		if err := o.step(ctx, sg.ID, StepRecord, func(ctx context.Context) (string, error) {
			o.record(ctx, sg)
			return "", nil
		}); err != nil {
			o.logger.Warn("record step failed", "saga_id", sg.ID, "error", err)
		}
	}

	sg.Status = StatusCompleted
	sg.CompletedAt = o.now()
	sg.UpdatedAt = sg.CompletedAt
	if err := o.store.Update(ctx, sg); err != nil {
		return Result{}, err
	}
	o.logger.Info("payment completed", "transaction_id", sg.ID, "fee", sg.Fee, "escrow_id", sg.EscrowID)
	return o.result(sg), nil
}

// step write-ahead logs intent, runs fn, then logs the outcome.
func (o *Orchestrator) step(ctx context.Context, sagaID, name string, fn func(context.Context) (string, error)) error {
	start := o.now()
	if err := o.store.AppendStep(ctx, sagaID, Step{Name: name, Status: StepPending, StartedAt: start}); err != nil {
		return err
	}
	detail, err := fn(ctx)
	if err != nil {
		if stepErr := o.store.AppendStep(ctx, sagaID, Step{
			Name: name, Status: StepFailed, Detail: err.Error(), StartedAt: start, FinishedAt: o.now(),
		}); stepErr != nil {
			o.logger.Error("step log write failed", "saga_id", sagaID, "step", name, "error", stepErr)
		}
		return err
	}
	return o.store.AppendStep(ctx, sagaID, Step{
		Name: name, Status: StepDone, Detail: detail, StartedAt: start, FinishedAt: o.now(),
	})
}

func (o *Orchestrator) validate(ctx context.Context, req PaymentRequest) error {
	switch {
	case req.TransactionID == "":
		return fmt.Errorf("%w: transaction id required", ErrValidation)
	case req.FromAgentID == "" || req.ToAgentID == "":
		return fmt.Errorf("%w: sender and receiver agents required", ErrValidation)
	case req.FromWalletID == "":
		return fmt.Errorf("%w: sender wallet required", ErrValidation)
	case req.Amount <= 0:
		return fmt.Errorf("%w: amount must be positive", ErrValidation)
	case req.Currency == "":
		return fmt.Errorf("%w: currency required", ErrValidation)
	case o.cfg.MaxAmount > 0 && req.Amount > o.cfg.MaxAmount:
		return fmt.Errorf("%w: amount exceeds limit", ErrValidation)
	case req.FromWalletID == req.ToWalletID && len(req.Splits) == 0 && req.Escrow == nil:
		return fmt.Errorf("%w: sender and receiver wallets are the same", ErrValidation)
	}
	if len(req.Splits) > 0 {
		var sum int64
		for _, sp := range req.Splits {
			if sp.Amount <= 0 {
				return fmt.Errorf("%w: split amounts must be positive", ErrValidation)
			}
			if sp.ToWalletID == "" {
				return fmt.Errorf("%w: split wallet required", ErrValidation)
			}
			sum += sp.Amount
		}
		if sum != req.Amount {
			return fmt.Errorf("%w: splits must sum to the payment amount", ErrValidation)
		}
	}
	if req.Escrow != nil && !req.Escrow.ExpiresAt.IsZero() && req.Escrow.ExpiresAt.Before(o.now()) {
		return fmt.Errorf("%w: escrow expiry must be in the future", ErrValidation)
	}

	w, err := o.ledger.GetWallet(ctx, req.FromWalletID)
	if err != nil {
		if errors.Is(err, ledger.ErrWalletNotFound) {
			return fmt.Errorf("%w: sender wallet not found", ErrValidation)
		}
		return err
	}
	if w.Status != ledger.WalletStatusActive {
		return fmt.Errorf("%w: sender wallet disabled", ErrValidation)
	}
	bal, err := o.ledger.Balance(ctx, req.FromWalletID)
	if err != nil {
		return err
	}
	needed := req.Amount
	if !o.feeExempt(req) {
		needed += money.Fee(req.Amount, o.cfg.FeeBps)
	}
	if bal.Available < needed {
		return fmt.Errorf("%w: %s", ErrValidation, ledger.ErrInsufficientFunds)
	}
	return nil
}

// verify runs the gate with bounded retries on dependency failures and
// records the decision on the saga.
func (o *Orchestrator) verify(ctx context.Context, sg *Saga) (verification.Decision, error) {
	req := verification.Request{
		TransactionID: sg.ID,
		FromAgentID:   sg.Request.FromAgentID,
		ToAgentID:     sg.Request.ToAgentID,
		Amount:        sg.Request.Amount,
		Currency:      sg.Request.Currency,
		PaymentType:   sg.Request.PaymentType,
		Payload:       sg.Request.Payload,
		Signature:     sg.Request.Signature,
		Metadata:      sg.Request.Metadata,
		SubmittedAt:   o.now(),
	}

	var res verification.Result
	var err error
	start := o.now()
	for attempt := 0; attempt <= o.cfg.VerifyRetries; attempt++ {
		if attempt > 0 {
			o.sleep(ctx, o.cfg.RetryBackoff*time.Duration(1<<(attempt-1)))
		}
		res, err = o.gate.Check(ctx, req)
		if err == nil {
			break
		}
		o.logger.Warn("verification attempt failed", "transaction_id", sg.ID, "attempt", attempt, "error", err)
	}
	if err != nil {
		if stepErr := o.store.AppendStep(ctx, sg.ID, Step{
			Name: StepVerify, Status: StepFailed, Detail: err.Error(), StartedAt: start, FinishedAt: o.now(),
		}); stepErr != nil {
			o.logger.Error("step log write failed", "saga_id", sg.ID, "step", StepVerify, "error", stepErr)
		}
		return "", err
	}

	sg.RiskScore = res.RiskScore
	sg.Decision = string(res.Decision)
	sg.UpdatedAt = o.now()
	if err := o.store.Update(ctx, *sg); err != nil {
		return "", err
	}
	status := StepDone
	if res.Decision != verification.DecisionApprove {
		status = StepFailed
	}
	if err := o.store.AppendStep(ctx, sg.ID, Step{
		Name:       StepVerify,
		Status:     status,
		Detail:     fmt.Sprintf("decision=%s risk=%.1f", res.Decision, res.RiskScore),
		StartedAt:  start,
		FinishedAt: o.now(),
	}); err != nil {
		return "", err
	}
	return res.Decision, nil
}

// transfer moves the principal: direct transfer, split fan-out, or escrow
// create+deposit.
func (o *Orchestrator) transfer(ctx context.Context, sg *Saga) (string, error) {
	req := sg.Request
	switch {
	case req.Escrow != nil:
		if sg.EscrowID == "" {
			e, err := o.escrows.Create(ctx, escrow.CreateInput{
				TransactionID:    sg.ID,
				SenderAgentID:    req.FromAgentID,
				ReceiverAgentID:  req.ToAgentID,
				SenderWalletID:   req.FromWalletID,
				ReceiverWalletID: req.ToWalletID,
				Amount:           req.Amount,
				Currency:         req.Currency,
				Conditions:       req.Escrow.Conditions,
				ExpiresAt:        req.Escrow.ExpiresAt,
			})
			if err != nil {
				return "", err
			}
			// Persist the escrow id before depositing so a crash in between
			// resumes against the same escrow instead of leaking one.
			sg.EscrowID = e.ID
			sg.UpdatedAt = o.now()
			if err := o.store.Update(ctx, *sg); err != nil {
				return "", err
			}
		}
		opKey := "escrow_deposit:" + sg.ID
		if !o.opApplied(sg, opKey) {
			// Deposit treats a replayed op key as a no-op, so a resume after
			// a crash between the deposit and its applied-op record is safe.
			if _, err := o.escrows.Deposit(ctx, sg.EscrowID, req.Amount, opKey); err != nil {
				return "", err
			}
			if err := o.recordOp(ctx, sg, AppliedOp{
				Kind:         "escrow_deposit",
				OpKey:        opKey,
				FromWalletID: req.FromWalletID,
				Amount:       req.Amount,
				Converted:    req.Amount,
				EscrowID:     sg.EscrowID,
			}); err != nil {
				return "", err
			}
		}
		return "escrow " + sg.EscrowID, nil

	case len(req.Splits) > 0:
		for i, sp := range req.Splits {
			opKey := fmt.Sprintf("transfer:%s:%d", sg.ID, i)
			if o.opApplied(sg, opKey) {
				continue
			}
			res, err := o.ledger.Transfer(ctx, req.FromWalletID, sp.ToWalletID, sp.Amount, opKey, sg.ID)
			if err != nil && !errors.Is(err, ledger.ErrDuplicateOperation) {
				return "", err
			}
			if err := o.recordOp(ctx, sg, AppliedOp{
				Kind:         "transfer",
				OpKey:        opKey,
				FromWalletID: req.FromWalletID,
				ToWalletID:   sp.ToWalletID,
				Amount:       res.Amount,
				Converted:    res.Converted,
			}); err != nil {
				return "", err
			}
		}
		return fmt.Sprintf("%d splits", len(req.Splits)), nil

	default:
		opKey := "transfer:" + sg.ID
		if o.opApplied(sg, opKey) {
			return "resumed", nil
		}
		res, err := o.ledger.Transfer(ctx, req.FromWalletID, req.ToWalletID, req.Amount, opKey, sg.ID)
		if err != nil && !errors.Is(err, ledger.ErrDuplicateOperation) {
			return "", err
		}
		if err := o.recordOp(ctx, sg, AppliedOp{
			Kind:         "transfer",
			OpKey:        opKey,
			FromWalletID: req.FromWalletID,
			ToWalletID:   req.ToWalletID,
			Amount:       res.Amount,
			Converted:    res.Converted,
		}); err != nil {
			return "", err
		}
		return money.Format(res.Amount) + " " + req.Currency, nil
	}
}

// chargeFee transfers the platform fee to the fee pool. The fee amount is
// persisted on the saga before the transfer so compensation reverses exactly
// what was charged.
func (o *Orchestrator) chargeFee(ctx context.Context, sg *Saga) (string, error) {
	if o.feeExempt(sg.Request) {
		return "exempt", nil
	}
	fee := money.Fee(sg.Request.Amount, o.cfg.FeeBps)
	if fee == 0 {
		return "zero", nil
	}
	if sg.Fee != fee {
		sg.Fee = fee
		sg.UpdatedAt = o.now()
		if err := o.store.Update(ctx, *sg); err != nil {
			return "", err
		}
	}
	opKey := "fee:" + sg.ID
	if o.opApplied(sg, opKey) {
		return "resumed", nil
	}
	res, err := o.ledger.Transfer(ctx, sg.Request.FromWalletID, o.cfg.FeePoolWalletID, fee, opKey, sg.ID)
	if err != nil && !errors.Is(err, ledger.ErrDuplicateOperation) {
		return "", err
	}
	if err := o.recordOp(ctx, sg, AppliedOp{
		Kind:         "fee",
		OpKey:        opKey,
		FromWalletID: sg.Request.FromWalletID,
		ToWalletID:   o.cfg.FeePoolWalletID,
		Amount:       res.Amount,
		Converted:    res.Converted,
	}); err != nil {
		return "", err
	}
	return money.Format(fee), nil
}

func (o *Orchestrator) feeExempt(req PaymentRequest) bool {
	if o.cfg.FeePoolWalletID == "" || o.cfg.FeeBps <= 0 {
		return true
	}
	if req.Amount < o.cfg.FeeExemptBelow {
		return true
	}
	if strings.EqualFold(req.Meta("fee_exempt"), "true") {
		return true
	}
	for _, id := range o.cfg.SystemAgentIDs {
		if id == req.FromAgentID || id == req.ToAgentID {
			return true
		}
	}
	return false
}

// Meta returns a request metadata value or the empty string.
func (r PaymentRequest) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

func (o *Orchestrator) opApplied(sg *Saga, opKey string) bool {
	for _, op := range sg.AppliedOps {
		if op.OpKey == opKey {
			return true
		}
	}
	return false
}

func (o *Orchestrator) recordOp(ctx context.Context, sg *Saga, op AppliedOp) error {
	sg.AppliedOps = append(sg.AppliedOps, op)
	sg.UpdatedAt = o.now()
	return o.store.Update(ctx, *sg)
}

// compensate reverses applied financial ops in LIFO order, each with bounded
// retries. Full reversal ends the saga failed_compensated; an exhausted
// reversal leaves it failed_uncompensated with the exact remaining delta.
func (o *Orchestrator) compensate(ctx context.Context, sg Saga, cause error) (Result, error) {
	o.logger.Error("payment failed, compensating", "transaction_id", sg.ID, "error", cause)

	for len(sg.AppliedOps) > 0 {
		op := sg.AppliedOps[len(sg.AppliedOps)-1]
		if err := o.reverseWithRetry(ctx, sg.ID, op); err != nil {
			var delta int64
			for _, remaining := range sg.AppliedOps {
				delta += remaining.Amount
			}
			sg.Status = StatusFailedUncompensated
			sg.UncompensatedDelta = delta
			sg.ErrorMessage = cause.Error()
			sg.FailedAt = o.now()
			sg.UpdatedAt = sg.FailedAt
			if updateErr := o.store.Update(ctx, sg); updateErr != nil {
				o.logger.Error("saga update failed", "saga_id", sg.ID, "error", updateErr)
			}
			o.logger.Error("compensation exhausted, manual resolution required",
				"transaction_id", sg.ID, "uncompensated_delta", delta, "error", err)
			o.record(ctx, sg)
			return o.result(sg), fmt.Errorf("%w: %v", ErrCompensationFailed, err)
		}

		sg.AppliedOps = sg.AppliedOps[:len(sg.AppliedOps)-1]
		sg.UpdatedAt = o.now()
		if err := o.store.Update(ctx, sg); err != nil {
			o.logger.Error("saga update failed", "saga_id", sg.ID, "error", err)
		}
		if err := o.store.AppendStep(ctx, sg.ID, Step{
			Name:          op.Kind,
			Status:        StepCompensated,
			Detail:        "comp:" + op.OpKey,
			CompensatedAt: o.now(),
		}); err != nil {
			o.logger.Error("step log write failed", "saga_id", sg.ID, "error", err)
		}
	}

	sg.Status = StatusFailedCompensated
	sg.ErrorMessage = cause.Error()
	sg.FailedAt = o.now()
	sg.UpdatedAt = sg.FailedAt
	if err := o.store.Update(ctx, sg); err != nil {
		return Result{}, err
	}
	o.record(ctx, sg)
	return o.result(sg), cause
}

func (o *Orchestrator) reverseWithRetry(ctx context.Context, sagaID string, op AppliedOp) error {
	var err error
	for attempt := 0; attempt <= o.cfg.CompensationRetries; attempt++ {
		if attempt > 0 {
			o.sleep(ctx, o.cfg.RetryBackoff*time.Duration(1<<(attempt-1)))
		}
		err = o.reverse(ctx, sagaID, op)
		if err == nil {
			return nil
		}
		o.logger.Warn("compensation attempt failed", "saga_id", sagaID, "op", op.OpKey, "attempt", attempt, "error", err)
	}
	return err
}

// reverse undoes one applied op. Transfers move the amount the destination
// actually received back to the source; escrow deposits unwind through the
// escrow service so its state closes too.
func (o *Orchestrator) reverse(ctx context.Context, sagaID string, op AppliedOp) error {
	compKey := "comp:" + op.OpKey
	switch op.Kind {
	case "escrow_deposit":
		_, err := o.escrows.Unwind(ctx, op.EscrowID, compKey)
		if errors.Is(err, escrow.ErrInvalidTransition) {
			// Already unwound by an earlier resume.
			return nil
		}
		return err
	default:
		_, err := o.ledger.Transfer(ctx, op.ToWalletID, op.FromWalletID, op.Converted, compKey, sagaID)
		if errors.Is(err, ledger.ErrDuplicateOperation) {
			return nil
		}
		return err
	}
}

// notify is best effort: both agents get an event, failures are logged only.
func (o *Orchestrator) notify(ctx context.Context, sg Saga) {
	if o.dispatcher == nil {
		return
	}
	payload := map[string]string{
		"transaction_id": sg.ID,
		"amount":         money.Format(sg.Request.Amount),
		"currency":       sg.Request.Currency,
	}
	if sg.EscrowID != "" {
		payload["escrow_id"] = sg.EscrowID
	}
	for _, agentID := range []string{sg.Request.FromAgentID, sg.Request.ToAgentID} {
		event := notification.Event{AgentID: agentID, Kind: notification.KindPaymentCompleted, Payload: payload}
		if err := o.dispatcher.Send(ctx, event); err != nil {
			o.logger.Warn("notification failed", "transaction_id", sg.ID, "agent_id", agentID, "error", err)
		}
	}
}

// record writes the durable audit record and feeds the fraud history.
// Failures are logged, never rolled back; reconciliation handles gaps.
func (o *Orchestrator) record(ctx context.Context, sg Saga) {
	if o.audit != nil {
		status := sg.Status
		if status == StatusRunning {
			status = StatusCompleted
		}
		rec := AuditRecord{
			TransactionID: sg.ID,
			FromAgentID:   sg.Request.FromAgentID,
			ToAgentID:     sg.Request.ToAgentID,
			Amount:        sg.Request.Amount,
			Currency:      sg.Request.Currency,
			Fee:           sg.Fee,
			EscrowID:      sg.EscrowID,
			Status:        status,
			RiskScore:     sg.RiskScore,
			Decision:      sg.Decision,
			RecordedAt:    o.now(),
		}
		if err := o.audit.Record(ctx, rec); err != nil {
			o.logger.Warn("audit record failed", "transaction_id", sg.ID, "error", err)
		}
	}
	if o.history != nil && sg.Status != StatusFailedCompensated && sg.Status != StatusFailedUncompensated {
		o.history.Record(sg.Request.FromAgentID, sg.Request.Amount, sg.Request.Meta("region"), o.now())
	}
}

// finishRejected closes the saga without mutation and surfaces the cause.
func (o *Orchestrator) finishRejected(ctx context.Context, sg Saga, cause error) (Result, error) {
	sg.Status = StatusRejected
	sg.ErrorMessage = cause.Error()
	sg.FailedAt = o.now()
	sg.UpdatedAt = sg.FailedAt
	if err := o.store.Update(ctx, sg); err != nil {
		return Result{}, err
	}
	o.record(ctx, sg)
	return o.result(sg), cause
}

func (o *Orchestrator) result(sg Saga) Result {
	return Result{
		TransactionID: sg.ID,
		Status:        sg.Status,
		Fee:           sg.Fee,
		EscrowID:      sg.EscrowID,
		RiskScore:     sg.RiskScore,
		CompletedAt:   sg.CompletedAt,
		FailedAt:      sg.FailedAt,
		ErrorMessage:  sg.ErrorMessage,
	}
}
