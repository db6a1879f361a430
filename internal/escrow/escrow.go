package escrow

import (
	"errors"
	"time"
)

// Escrow statuses. Status moves forward only, except disputed -> resolved.
const (
	StatusCreated  = "created"
	StatusFunded   = "funded"
	StatusReleased = "released"
	StatusDisputed = "disputed"
	StatusResolved = "resolved"
	StatusExpired  = "expired"
)

// Condition types. The verifiable types drive automated dispute resolution.
const (
	ConditionDeliveryConfirmed = "delivery_confirmed"
	ConditionPaymentReceived   = "payment_received"
	ConditionTimeBased         = "time_based"
	ConditionManual            = "manual"
)

// Dispute resolution methods.
const (
	MethodAutomated   = "automated"
	MethodVoting      = "voting"
	MethodArbitration = "arbitration"
)

// Dispute resolution types.
const (
	ResolveToReceiver = "release_to_receiver"
	ResolveToSender   = "return_to_sender"
	ResolveSplit      = "split"
)

// Dispute statuses.
const (
	DisputeOpen     = "open"
	DisputeResolved = "resolved"
)

var (
	// ErrNotFound indicates the escrow does not exist.
	ErrNotFound = errors.New("escrow not found")

	// ErrInvalidTransition indicates the requested operation is illegal in
	// the escrow's current state.
	ErrInvalidTransition = errors.New("invalid escrow transition")

	// ErrInvalidAllocation indicates a split resolution whose parts do not
	// sum to the funded amount.
	ErrInvalidAllocation = errors.New("split allocation must equal funded amount")

	// ErrOverfunded indicates a deposit that would push funding past the
	// escrow amount.
	ErrOverfunded = errors.New("deposit exceeds escrow amount")

	// ErrNotEligible indicates the receiver's reputation is below the escrow
	// eligibility floor.
	ErrNotEligible = errors.New("receiver not eligible for escrow")

	// ErrNoDispute indicates no dispute exists for the escrow.
	ErrNoDispute = errors.New("dispute not found")
)

// Condition is one release condition attached to an escrow.
type Condition struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Verifiable reports whether the condition can be checked mechanically.
func (c Condition) Verifiable() bool {
	switch c.Type {
	case ConditionDeliveryConfirmed, ConditionPaymentReceived, ConditionTimeBased:
		return true
	}
	return false
}

// Escrow holds funds pending condition fulfilment. Never deleted, only
// archived. Invariants: FundedAmount <= Amount, and
// ReleasedAmount + RefundedAmount <= FundedAmount over the whole lifetime.
type Escrow struct {
	ID               string
	TransactionID    string
	SenderAgentID    string
	ReceiverAgentID  string
	SenderWalletID   string
	ReceiverWalletID string
	Amount           int64
	Currency         string
	FundedAmount     int64
	ReleasedAmount   int64
	RefundedAmount   int64
	// FundingOpKeys are the operation keys of deposits already counted in
	// FundedAmount. A deposit replaying one of these keys is a no-op.
	FundingOpKeys []string
	Conditions    []Condition
	Status        string
	ExpiresAt        time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Archived         bool
}

// Remaining is the funded balance not yet paid out or refunded.
func (e Escrow) Remaining() int64 {
	return e.FundedAmount - e.ReleasedAmount - e.RefundedAmount
}

// FundedBy reports whether a deposit with this operation key is already
// counted in FundedAmount.
func (e Escrow) FundedBy(opKey string) bool {
	for _, k := range e.FundingOpKeys {
		if k == opKey {
			return true
		}
	}
	return false
}

// Allocation is a split resolution's distribution.
type Allocation struct {
	Sender   int64 `json:"sender"`
	Receiver int64 `json:"receiver"`
}

// Dispute records a challenge raised against a funded escrow.
type Dispute struct {
	ID         string
	EscrowID   string
	RaisedBy   string
	Reason     string
	Evidence   []string
	Method     string
	Status     string
	Resolution string
	Allocation Allocation
	CreatedAt  time.Time
	ResolvedAt time.Time
}
