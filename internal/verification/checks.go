package verification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/agentpay/agentpay/internal/money"
)

// Check names, in their standard execution order.
const (
	CheckSignature   = "signature"
	CheckAgentStatus = "agent_status"
	CheckLimits      = "limits"
	CheckVelocity    = "velocity"
	CheckFraud       = "fraud"
	CheckCompliance  = "compliance"
	CheckEncryption  = "encryption"
	CheckMultiFactor = "multi_factor"
)

func passed(detail string) (CheckResult, error) {
	return CheckResult{Passed: true, Severity: SeverityInfo, Detail: detail}, nil
}

func failed(sev Severity, detail string) (CheckResult, error) {
	return CheckResult{Passed: false, Severity: sev, Detail: detail}, nil
}

// SignatureCheck verifies the payment payload signature against the sending
// agent's registered public key. A bad or missing signature is critical and
// rejects the payment outright.
type SignatureCheck struct {
	Signer SignerService
	Keys   KeyDirectory
}

func (SignatureCheck) Name() string { return CheckSignature }

func (c SignatureCheck) Run(ctx context.Context, req Request) (CheckResult, error) {
	if len(req.Signature) == 0 {
		return failed(SeverityCritical, "signature missing")
	}
	key, err := c.Keys.PublicKey(ctx, req.FromAgentID)
	if err != nil {
		return CheckResult{}, err
	}
	if len(key) == 0 {
		return failed(SeverityCritical, "no public key registered for sender")
	}
	ok, err := c.Signer.Verify(ctx, req.Payload, req.Signature, key)
	if err != nil {
		return CheckResult{}, err
	}
	if !ok {
		return failed(SeverityCritical, "signature verification failed")
	}
	return passed("signature valid")
}

// AgentStatusCheck requires both counterparties to be active in the
// directory.
type AgentStatusCheck struct {
	Directory IdentityDirectory
}

func (AgentStatusCheck) Name() string { return CheckAgentStatus }

func (c AgentStatusCheck) Run(ctx context.Context, req Request) (CheckResult, error) {
	for _, agentID := range []string{req.FromAgentID, req.ToAgentID} {
		active, err := c.Directory.IsActive(ctx, agentID)
		if err != nil {
			return CheckResult{}, err
		}
		if !active {
			return failed(SeverityCritical, fmt.Sprintf("agent %s is not active", agentID))
		}
	}
	return passed("both agents active")
}

// LimitsCheck enforces the configured per-transaction amount ceiling.
type LimitsCheck struct {
	MaxAmount int64
}

func (LimitsCheck) Name() string { return CheckLimits }

func (c LimitsCheck) Run(_ context.Context, req Request) (CheckResult, error) {
	if c.MaxAmount > 0 && req.Amount > c.MaxAmount {
		return failed(SeverityHigh, fmt.Sprintf("amount %s exceeds limit %s",
			money.Format(req.Amount), money.Format(c.MaxAmount)))
	}
	return passed("within limits")
}

// VelocityCounter counts payments per agent within a sliding window.
type VelocityCounter interface {
	// Bump increments and returns the sender's count in the current window.
	Bump(ctx context.Context, agentID string, window time.Duration) (int64, error)
	// Count returns the current window count without incrementing.
	Count(ctx context.Context, agentID string) (int64, error)
}

// VelocityCheck fails when the sender exceeds the allowed payment count per
// window.
type VelocityCheck struct {
	Counter VelocityCounter
	Limit   int64
	Window  time.Duration
}

func (VelocityCheck) Name() string { return CheckVelocity }

func (c VelocityCheck) Run(ctx context.Context, req Request) (CheckResult, error) {
	count, err := c.Counter.Bump(ctx, req.FromAgentID, c.Window)
	if err != nil {
		return CheckResult{}, err
	}
	if count > c.Limit {
		return failed(SeverityMedium, fmt.Sprintf("%d payments in window, limit %d", count, c.Limit))
	}
	return passed(fmt.Sprintf("%d payments in window", count))
}

// ComplianceCheck consults the external compliance decision engine.
type ComplianceCheck struct {
	Engine ComplianceDecision
}

func (ComplianceCheck) Name() string { return CheckCompliance }

func (c ComplianceCheck) Run(ctx context.Context, req Request) (CheckResult, error) {
	decision, err := c.Engine.Evaluate(ctx, req.FromAgentID, req.Amount, req.Metadata)
	if err != nil {
		return CheckResult{}, err
	}
	if !decision.Approved {
		for _, factor := range decision.RiskFactors {
			if factor == "sanctions_match" {
				return failed(SeverityCritical, "sanctions match")
			}
		}
		return failed(SeverityHigh, fmt.Sprintf("compliance declined: %v", decision.RiskFactors))
	}
	return passed("compliance approved")
}

// EncryptionCheck requires the request to declare an allowed payload
// encryption scheme.
type EncryptionCheck struct {
	AllowedSchemes []string
}

func (EncryptionCheck) Name() string { return CheckEncryption }

func (c EncryptionCheck) Run(_ context.Context, req Request) (CheckResult, error) {
	scheme := req.Meta("encryption_scheme")
	if scheme == "" {
		return failed(SeverityMedium, "no encryption scheme declared")
	}
	for _, allowed := range c.AllowedSchemes {
		if scheme == allowed {
			return passed("scheme " + scheme)
		}
	}
	return failed(SeverityMedium, "unsupported encryption scheme "+scheme)
}

// MultiFactorCheck requires an MFA attestation above the configured amount.
type MultiFactorCheck struct {
	Threshold int64
}

func (MultiFactorCheck) Name() string { return CheckMultiFactor }

func (c MultiFactorCheck) Run(_ context.Context, req Request) (CheckResult, error) {
	if c.Threshold > 0 && req.Amount >= c.Threshold {
		if req.Meta("mfa_verified") != "true" {
			return failed(SeverityHigh, fmt.Sprintf("MFA required above %s", money.Format(c.Threshold)))
		}
	}
	return passed("mfa ok")
}

// RedisVelocityCounter implements VelocityCounter on Redis INCR with a
// window-scoped TTL set on first increment.
type RedisVelocityCounter struct {
	Client *redis.Client
	Prefix string
}

func (c *RedisVelocityCounter) key(agentID string) string {
	prefix := c.Prefix
	if prefix == "" {
		prefix = "velocity:v1:"
	}
	return prefix + agentID
}

// Bump increments the agent's window counter.
func (c *RedisVelocityCounter) Bump(ctx context.Context, agentID string, window time.Duration) (int64, error) {
	key := c.key(agentID)
	count, err := c.Client.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if count == 1 {
		c.Client.Expire(ctx, key, window)
	}
	return count, nil
}

// Count reads the agent's current window counter.
func (c *RedisVelocityCounter) Count(ctx context.Context, agentID string) (int64, error) {
	count, err := c.Client.Get(ctx, c.key(agentID)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return count, err
}

// MemoryVelocityCounter is a process-local counter for tests and dev mode.
type MemoryVelocityCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	expires map[string]time.Time
}

// NewMemoryVelocityCounter builds an in-memory velocity counter.
func NewMemoryVelocityCounter() *MemoryVelocityCounter {
	return &MemoryVelocityCounter{counts: make(map[string]int64), expires: make(map[string]time.Time)}
}

// Bump increments the agent's window counter.
func (c *MemoryVelocityCounter) Bump(_ context.Context, agentID string, window time.Duration) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	if exp, ok := c.expires[agentID]; ok && now.After(exp) {
		c.counts[agentID] = 0
	}
	if c.counts[agentID] == 0 {
		c.expires[agentID] = now.Add(window)
	}
	c.counts[agentID]++
	return c.counts[agentID], nil
}

// Count reads the agent's current window counter.
func (c *MemoryVelocityCounter) Count(_ context.Context, agentID string) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if exp, ok := c.expires[agentID]; ok && time.Now().After(exp) {
		return 0, nil
	}
	return c.counts[agentID], nil
}
