package saga

import (
	"errors"
	"time"

	"github.com/agentpay/agentpay/internal/escrow"
)

// Saga statuses. Completed, rejected, failed_compensated and
// failed_uncompensated are terminal; needs_review parks the saga for an
// operator; running sagas are resumable after a crash.
const (
	StatusRunning             = "running"
	StatusNeedsReview         = "needs_review"
	StatusCompleted           = "completed"
	StatusRejected            = "rejected"
	StatusFailedCompensated   = "failed_compensated"
	StatusFailedUncompensated = "failed_uncompensated"
)

// Step names, in execution order.
const (
	StepValidate = "validate"
	StepVerify   = "verify"
	StepTransfer = "transfer"
	StepFee      = "fee"
	StepNotify   = "notify"
	StepRecord   = "record"
)

// Step statuses.
const (
	StepPending     = "pending"
	StepDone        = "done"
	StepFailed      = "failed"
	StepCompensated = "compensated"
)

var (
	// ErrNotFound indicates the saga does not exist.
	ErrNotFound = errors.New("saga not found")

	// ErrDuplicateSaga indicates a saga with the transaction ID already
	// exists. Callers re-read and continue the existing saga.
	ErrDuplicateSaga = errors.New("saga already exists")

	// ErrValidation indicates the request failed structural or limit checks.
	// No mutation has happened.
	ErrValidation = errors.New("validation failed")

	// ErrVerificationRejected indicates the verification gate rejected the
	// payment. No mutation has happened.
	ErrVerificationRejected = errors.New("verification rejected")

	// ErrReviewRequired indicates the gate routed the payment to manual
	// review. Non-fatal; the saga parks as needs_review.
	ErrReviewRequired = errors.New("verification review required")

	// ErrCompensationFailed indicates compensation retries were exhausted and
	// funds remain partially applied. Requires manual resolution.
	ErrCompensationFailed = errors.New("compensation failed")

	// ErrNotResumable indicates a resume or review action on a saga that is
	// not in a resumable state.
	ErrNotResumable = errors.New("saga not resumable")
)

// Split is one leg of a fan-out payment. Amounts are in the request currency
// and must sum to the request amount.
type Split struct {
	ToAgentID  string `json:"to_agent_id"`
	ToWalletID string `json:"to_wallet_id"`
	Amount     int64  `json:"amount"`
}

// EscrowTerms asks the transfer step to create and fund an escrow instead of
// crediting the receiver directly.
type EscrowTerms struct {
	Conditions []escrow.Condition `json:"conditions"`
	ExpiresAt  time.Time          `json:"expires_at,omitempty"`
}

// PaymentRequest is the statically-typed payment submission. Wallet IDs are
// resolved before the saga starts; the saga never guesses wallets.
type PaymentRequest struct {
	TransactionID string            `json:"transaction_id"`
	FromAgentID   string            `json:"from_agent_id"`
	ToAgentID     string            `json:"to_agent_id"`
	FromWalletID  string            `json:"from_wallet_id"`
	ToWalletID    string            `json:"to_wallet_id"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency"`
	PaymentType   string            `json:"payment_type"`
	Escrow        *EscrowTerms      `json:"escrow,omitempty"`
	Splits        []Split           `json:"splits,omitempty"`
	Payload       []byte            `json:"payload,omitempty"`
	Signature     []byte            `json:"signature,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Step is one append-only entry in the saga's step log. Intent is logged
// before execution and completion after, so a crash leaves an unambiguous
// resumable point.
type Step struct {
	Name          string    `json:"name"`
	Status        string    `json:"status"`
	Detail        string    `json:"detail,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at,omitempty"`
	CompensatedAt time.Time `json:"compensated_at,omitempty"`
}

// AppliedOp is one financial mutation the saga has committed. Recorded
// write-ahead style right after the ledger applies it; compensation walks the
// list in reverse and removes each op once reversed, so the ops remaining
// after a failed compensation are exactly the uncompensated delta.
type AppliedOp struct {
	Kind         string `json:"kind"` // transfer, escrow_deposit, fee
	OpKey        string `json:"op_key"`
	FromWalletID string `json:"from_wallet_id"`
	ToWalletID   string `json:"to_wallet_id,omitempty"`
	Amount       int64  `json:"amount"`    // applied to the source wallet
	Converted    int64  `json:"converted"` // applied to the destination wallet
	EscrowID     string `json:"escrow_id,omitempty"`
}

// Saga is the durable record of one payment execution. ID equals the
// transaction ID.
type Saga struct {
	ID                 string
	Request            PaymentRequest
	Status             string
	Fee                int64 // fee charged, persisted at charge time
	EscrowID           string
	RiskScore          float64
	Decision           string
	AppliedOps         []AppliedOp
	ErrorMessage       string
	UncompensatedDelta int64 // minor units still applied after failed compensation
	CreatedAt          time.Time
	UpdatedAt          time.Time
	CompletedAt        time.Time
	FailedAt           time.Time
}

// Terminal reports whether the saga has reached a final state. needs_review
// is not terminal; an operator resumes or aborts it.
func (s Saga) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusRejected, StatusFailedCompensated, StatusFailedUncompensated:
		return true
	}
	return false
}

// Result is the caller-facing outcome of a payment submission.
type Result struct {
	TransactionID string    `json:"transaction_id"`
	Status        string    `json:"status"`
	Fee           int64     `json:"fee"`
	EscrowID      string    `json:"escrow_id,omitempty"`
	RiskScore     float64   `json:"risk_score"`
	CompletedAt   time.Time `json:"completed_at,omitempty"`
	FailedAt      time.Time `json:"failed_at,omitempty"`
	ErrorMessage  string    `json:"error_message,omitempty"`
}

// AuditRecord is the durable record written by the final saga step.
type AuditRecord struct {
	TransactionID string    `json:"transaction_id"`
	FromAgentID   string    `json:"from_agent_id"`
	ToAgentID     string    `json:"to_agent_id"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	Fee           int64     `json:"fee"`
	EscrowID      string    `json:"escrow_id,omitempty"`
	Status        string    `json:"status"`
	RiskScore     float64   `json:"risk_score"`
	Decision      string    `json:"decision"`
	RecordedAt    time.Time `json:"recorded_at"`
}
