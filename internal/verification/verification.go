package verification

import (
	"context"
	"time"
)

// Severity grades a check outcome.
type Severity string

// Severities, lowest to highest.
const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Decision is the aggregated gate outcome.
type Decision string

// Decisions.
const (
	DecisionApprove Decision = "approve"
	DecisionReview  Decision = "review"
	DecisionReject  Decision = "reject"
)

// Request is the statically-typed payment context the gate evaluates.
type Request struct {
	TransactionID string
	FromAgentID   string
	ToAgentID     string
	Amount        int64 // minor units
	Currency      string
	PaymentType   string
	Payload       []byte
	Signature     []byte
	Metadata      map[string]string
	SubmittedAt   time.Time
}

// Meta returns a metadata value or the empty string.
func (r Request) Meta(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// CheckResult is the outcome of one gate check.
type CheckResult struct {
	Name     string   `json:"name"`
	Passed   bool     `json:"passed"`
	Severity Severity `json:"severity"`
	Detail   string   `json:"detail,omitempty"`
}

// Result aggregates all executed checks into a decision and risk score.
// Results are cached per transaction for audit and never reused across
// transactions.
type Result struct {
	TransactionID string        `json:"transaction_id"`
	Checks        []CheckResult `json:"checks"`
	RiskScore     float64       `json:"risk_score"`
	Decision      Decision      `json:"decision"`
	EvaluatedAt   time.Time     `json:"evaluated_at"`
}

// Check is one ordered verification step. A returned error means the check
// could not run (dependency failure) and is retryable; a failed CheckResult
// means the check ran and the payment looks wrong.
type Check interface {
	Name() string
	Run(ctx context.Context, req Request) (CheckResult, error)
}

// IdentityDirectory answers whether an agent is active. Backed by the agent
// directory service in-process, or a remote DID resolver in larger
// deployments.
type IdentityDirectory interface {
	IsActive(ctx context.Context, agentID string) (bool, error)
}

// KeyDirectory resolves an agent's payment signature verify key.
type KeyDirectory interface {
	PublicKey(ctx context.Context, agentID string) ([]byte, error)
}

// SignerService verifies a payload signature against a public key.
type SignerService interface {
	Verify(ctx context.Context, payload, signature, publicKey []byte) (bool, error)
}

// ComplianceResult is a compliance engine decision.
type ComplianceResult struct {
	Approved    bool
	RiskFactors []string
}

// ComplianceDecision evaluates a payment against compliance policy. The
// decision internals (KYC/AML rules) live outside this service.
type ComplianceDecision interface {
	Evaluate(ctx context.Context, agentID string, amount int64, metadata map[string]string) (ComplianceResult, error)
}

// ReputationOracle scores an agent in [0,100]. Consumed by the fraud
// composite and the escrow eligibility gate.
type ReputationOracle interface {
	Score(ctx context.Context, agentID string) (float64, error)
}
