package payments

import (
	"time"

	"github.com/go-playground/validator/v10"
)

var validate = validator.New()

// SubmitRequest is the payment submission payload. Signature and payload are
// base64 in transit.
type SubmitRequest struct {
	TransactionID    string            `json:"transaction_id" validate:"required"`
	FromAgentID      string            `json:"from_agent_id" validate:"required"`
	ToAgentID        string            `json:"to_agent_id" validate:"required"`
	Amount           int64             `json:"amount" validate:"required,gt=0"`
	Currency         string            `json:"currency" validate:"required,len=3"`
	PaymentType      string            `json:"payment_type" validate:"omitempty,oneof=direct escrow split"`
	Payload          string            `json:"payload,omitempty"`
	Signature        string            `json:"signature,omitempty"`
	EscrowConditions []ConditionDTO    `json:"escrow_conditions,omitempty" validate:"dive"`
	EscrowExpiresAt  *time.Time        `json:"escrow_expires_at,omitempty"`
	Splits           []SplitDTO        `json:"splits,omitempty" validate:"dive"`
	Metadata         map[string]string `json:"metadata,omitempty"`
}

// ConditionDTO is one escrow release condition.
type ConditionDTO struct {
	Type        string `json:"type" validate:"required,oneof=delivery_confirmed payment_received time_based manual"`
	Description string `json:"description,omitempty"`
}

// SplitDTO is one leg of a fan-out payment.
type SplitDTO struct {
	ToAgentID string `json:"to_agent_id" validate:"required"`
	Amount    int64  `json:"amount" validate:"required,gt=0"`
}

// SubmitResponse mirrors the saga result.
type SubmitResponse struct {
	TransactionID string     `json:"transaction_id"`
	Status        string     `json:"status"`
	Fee           int64      `json:"fee"`
	EscrowID      string     `json:"escrow_id,omitempty"`
	RiskScore     float64    `json:"risk_score"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	FailedAt      *time.Time `json:"failed_at,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
}
