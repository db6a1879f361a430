package verification

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubKeys map[string][]byte

func (k stubKeys) PublicKey(_ context.Context, agentID string) ([]byte, error) {
	return k[agentID], nil
}

type stubDirectory map[string]bool

func (d stubDirectory) IsActive(_ context.Context, agentID string) (bool, error) {
	return d[agentID], nil
}

type stubCheck struct {
	name   string
	result CheckResult
}

func (c stubCheck) Name() string { return c.name }
func (c stubCheck) Run(context.Context, Request) (CheckResult, error) {
	return c.result, nil
}

func signedRequest(t *testing.T, keys stubKeys, amount int64) Request {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	keys["agent-from"] = pub

	payload := []byte("tx-1|agent-from|agent-to")
	return Request{
		TransactionID: "tx-1",
		FromAgentID:   "agent-from",
		ToAgentID:     "agent-to",
		Amount:        amount,
		Currency:      "USD",
		Payload:       payload,
		Signature:     ed25519.Sign(priv, payload),
		Metadata:      map[string]string{"encryption_scheme": "aes256gcm"},
		SubmittedAt:   time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
	}
}

func standardChecks(keys stubKeys, directory stubDirectory, counter VelocityCounter, history TransactionHistory) []Check {
	return []Check{
		SignatureCheck{Signer: Ed25519Signer{}, Keys: keys},
		AgentStatusCheck{Directory: directory},
		LimitsCheck{MaxAmount: 1_000_000},
		VelocityCheck{Counter: counter, Limit: 10, Window: time.Minute},
		FraudCheck{History: history, Oracle: StaticReputation{Default: 80}, Counter: counter, VelocityLimit: 10, StructuringThreshold: 1_000_000},
		ComplianceCheck{Engine: StaticCompliance{}},
		EncryptionCheck{AllowedSchemes: []string{"aes256gcm"}},
		MultiFactorCheck{Threshold: 500_000},
	}
}

func TestGateApprovesCleanPayment(t *testing.T) {
	keys := stubKeys{}
	directory := stubDirectory{"agent-from": true, "agent-to": true}
	checks := standardChecks(keys, directory, NewMemoryVelocityCounter(), NewMemoryHistory(50))

	cache := NewMemoryResultCache()
	gate, err := NewGate(checks, nil, cache, nil, time.Second)
	require.NoError(t, err)

	res, err := gate.Check(context.Background(), signedRequest(t, keys, 4_000))
	require.NoError(t, err)

	assert.Equal(t, DecisionApprove, res.Decision)
	assert.Len(t, res.Checks, 8)
	assert.Zero(t, res.RiskScore)

	// The result is retained for audit.
	cached, ok, err := cache.Get(context.Background(), "tx-1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.Decision, cached.Decision)
}

func TestGateShortCircuitsOnCriticalSignatureFailure(t *testing.T) {
	keys := stubKeys{}
	directory := stubDirectory{"agent-from": true, "agent-to": true}
	checks := standardChecks(keys, directory, NewMemoryVelocityCounter(), NewMemoryHistory(50))

	gate, err := NewGate(checks, nil, nil, nil, time.Second)
	require.NoError(t, err)

	req := signedRequest(t, keys, 4_000)
	req.Signature = []byte("garbage")

	res, err := gate.Check(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, DecisionReject, res.Decision)
	// Only the signature check ran and only it is scored.
	require.Len(t, res.Checks, 1)
	assert.Equal(t, CheckSignature, res.Checks[0].Name)
	assert.InDelta(t, 30, res.RiskScore, 0.001) // weight 15 x critical 2.0
}

func TestGateReviewOnHighSeverityFailure(t *testing.T) {
	keys := stubKeys{}
	directory := stubDirectory{"agent-from": true, "agent-to": true}
	checks := standardChecks(keys, directory, NewMemoryVelocityCounter(), NewMemoryHistory(50))

	gate, err := NewGate(checks, nil, nil, nil, time.Second)
	require.NoError(t, err)

	// Above the MFA threshold with no attestation: high failure, review.
	req := signedRequest(t, keys, 600_000)
	req.Metadata["mfa_verified"] = ""

	res, err := gate.Check(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, DecisionReview, res.Decision)
	assert.Len(t, res.Checks, 8)
}

func TestGateReviewOnThreeMediumFailures(t *testing.T) {
	checks := []Check{
		stubCheck{"a", CheckResult{Passed: false, Severity: SeverityMedium}},
		stubCheck{"b", CheckResult{Passed: false, Severity: SeverityMedium}},
		stubCheck{"c", CheckResult{Passed: false, Severity: SeverityMedium}},
		stubCheck{"d", CheckResult{Passed: true, Severity: SeverityInfo}},
	}
	weights := map[string]int{"a": 25, "b": 25, "c": 25, "d": 25}

	gate, err := NewGate(checks, weights, nil, nil, time.Second)
	require.NoError(t, err)

	res, err := gate.Check(context.Background(), Request{TransactionID: "tx-m"})
	require.NoError(t, err)
	assert.Equal(t, DecisionReview, res.Decision)
	assert.InDelta(t, 75, res.RiskScore, 0.001) // 3 x (25 x 1.0)
}

func TestGateTwoMediumFailuresStillApprove(t *testing.T) {
	checks := []Check{
		stubCheck{"a", CheckResult{Passed: false, Severity: SeverityMedium}},
		stubCheck{"b", CheckResult{Passed: false, Severity: SeverityMedium}},
		stubCheck{"c", CheckResult{Passed: true, Severity: SeverityInfo}},
	}
	weights := map[string]int{"a": 40, "b": 40, "c": 20}

	gate, err := NewGate(checks, weights, nil, nil, time.Second)
	require.NoError(t, err)

	res, err := gate.Check(context.Background(), Request{TransactionID: "tx-n"})
	require.NoError(t, err)
	assert.Equal(t, DecisionApprove, res.Decision)
}

func TestGateRejectsBadWeights(t *testing.T) {
	checks := []Check{stubCheck{"a", CheckResult{Passed: true}}}

	_, err := NewGate(checks, map[string]int{"a": 50}, nil, nil, time.Second)
	assert.Error(t, err)

	_, err = NewGate(checks, map[string]int{"b": 100}, nil, nil, time.Second)
	assert.Error(t, err)
}

func TestRiskScoreClamped(t *testing.T) {
	checks := []Check{
		stubCheck{"a", CheckResult{Passed: false, Severity: SeverityHigh}},
		stubCheck{"b", CheckResult{Passed: false, Severity: SeverityHigh}},
	}
	weights := map[string]int{"a": 50, "b": 50}

	gate, err := NewGate(checks, weights, nil, nil, time.Second)
	require.NoError(t, err)

	res, err := gate.Check(context.Background(), Request{TransactionID: "tx-c"})
	require.NoError(t, err)
	// 50x1.5 + 50x1.5 = 150, clamped.
	assert.Equal(t, float64(100), res.RiskScore)
}

func TestSuspendedAgentRejected(t *testing.T) {
	keys := stubKeys{}
	directory := stubDirectory{"agent-from": true, "agent-to": false}
	checks := standardChecks(keys, directory, NewMemoryVelocityCounter(), NewMemoryHistory(50))

	gate, err := NewGate(checks, nil, nil, nil, time.Second)
	require.NoError(t, err)

	res, err := gate.Check(context.Background(), signedRequest(t, keys, 4_000))
	require.NoError(t, err)
	assert.Equal(t, DecisionReject, res.Decision)
	assert.Len(t, res.Checks, 2) // signature passed, agent status short-circuited
}
