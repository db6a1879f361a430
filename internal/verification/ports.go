package verification

import (
	"context"
	"crypto/ed25519"
	"fmt"
)

// Ed25519Signer verifies payment signatures with ed25519 keys registered in
// the agent directory.
type Ed25519Signer struct{}

// Verify reports whether the signature is valid for the payload under the
// given public key.
func (Ed25519Signer) Verify(_ context.Context, payload, signature, publicKey []byte) (bool, error) {
	if len(publicKey) != ed25519.PublicKeySize {
		return false, fmt.Errorf("invalid public key size %d", len(publicKey))
	}
	if len(signature) != ed25519.SignatureSize {
		return false, nil
	}
	return ed25519.Verify(ed25519.PublicKey(publicKey), payload, signature), nil
}

// StaticCompliance approves everything except requests whose metadata flags a
// sanctions match. Stands in for a real compliance engine the way a static
// connector would.
type StaticCompliance struct{}

// Evaluate applies the static policy.
func (StaticCompliance) Evaluate(_ context.Context, _ string, _ int64, metadata map[string]string) (ComplianceResult, error) {
	if metadata["sanctioned"] == "true" {
		return ComplianceResult{Approved: false, RiskFactors: []string{"sanctions_match"}}, nil
	}
	return ComplianceResult{Approved: true}, nil
}

// StaticReputation returns a fixed score per agent with a default for
// unknown agents.
type StaticReputation struct {
	Scores  map[string]float64
	Default float64
}

// Score returns the configured reputation score.
func (r StaticReputation) Score(_ context.Context, agentID string) (float64, error) {
	if score, ok := r.Scores[agentID]; ok {
		return score, nil
	}
	return r.Default, nil
}
