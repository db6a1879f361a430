package verification

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// severityMultipliers scale a failed check's weight into risk points.
var severityMultipliers = map[Severity]float64{
	SeverityInfo:     0,
	SeverityLow:      0.5,
	SeverityMedium:   1.0,
	SeverityHigh:     1.5,
	SeverityCritical: 2.0,
}

// reviewMediumFailures is the medium-severity failure count that forces a
// manual review.
const reviewMediumFailures = 3

// DefaultWeights spread 100 points over the standard check order.
func DefaultWeights() map[string]int {
	return map[string]int{
		CheckSignature:   15,
		CheckAgentStatus: 15,
		CheckLimits:      10,
		CheckVelocity:    10,
		CheckFraud:       20,
		CheckCompliance:  15,
		CheckEncryption:  5,
		CheckMultiFactor: 10,
	}
}

// Gate runs an ordered, configurable list of checks and aggregates them into
// an approve/review/reject decision with a risk score.
type Gate struct {
	checks  []Check
	weights map[string]int
	cache   ResultCache
	logger  *slog.Logger
	timeout time.Duration
	now     func() time.Time
}

// NewGate builds a gate over the given ordered checks. Weights must sum to
// 100 across the enabled checks.
func NewGate(checks []Check, weights map[string]int, cache ResultCache, logger *slog.Logger, timeout time.Duration) (*Gate, error) {
	if len(checks) == 0 {
		return nil, fmt.Errorf("at least one check is required")
	}
	if weights == nil {
		weights = DefaultWeights()
	}
	sum := 0
	for _, c := range checks {
		w, ok := weights[c.Name()]
		if !ok {
			return nil, fmt.Errorf("no weight configured for check %s", c.Name())
		}
		sum += w
	}
	if sum != 100 {
		return nil, fmt.Errorf("check weights must sum to 100, got %d", sum)
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Gate{
		checks:  checks,
		weights: weights,
		cache:   cache,
		logger:  logger,
		timeout: timeout,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Check evaluates the request. Execution short-circuits on the first
// critical failure; otherwise all checks run. A returned error means a check
// dependency failed and the evaluation may be retried.
func (g *Gate) Check(ctx context.Context, req Request) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	res := Result{TransactionID: req.TransactionID}
	criticalFailed := false

	for _, check := range g.checks {
		outcome, err := check.Run(ctx, req)
		if err != nil {
			return Result{}, fmt.Errorf("check %s: %w", check.Name(), err)
		}
		outcome.Name = check.Name()
		res.Checks = append(res.Checks, outcome)

		if !outcome.Passed && outcome.Severity == SeverityCritical {
			criticalFailed = true
			break
		}
	}

	res.RiskScore = g.score(res.Checks)
	res.Decision = decide(res.Checks, criticalFailed)
	res.EvaluatedAt = g.now()

	if g.cache != nil {
		if err := g.cache.Put(ctx, res); err != nil && g.logger != nil {
			g.logger.Warn("verification result cache write failed",
				"transaction_id", req.TransactionID, "error", err)
		}
	}
	return res, nil
}

// AuditResult returns the cached result for a transaction, if retained.
func (g *Gate) AuditResult(ctx context.Context, txID string) (Result, bool, error) {
	if g.cache == nil {
		return Result{}, false, nil
	}
	return g.cache.Get(ctx, txID)
}

// score sums weight x severity multiplier over failed checks, clamped to
// [0,100]. Only checks that actually ran are scored.
func (g *Gate) score(checks []CheckResult) float64 {
	total := 0.0
	for _, c := range checks {
		if c.Passed {
			continue
		}
		total += float64(g.weights[c.Name]) * severityMultipliers[c.Severity]
	}
	if total > 100 {
		return 100
	}
	if total < 0 {
		return 0
	}
	return total
}

func decide(checks []CheckResult, criticalFailed bool) Decision {
	if criticalFailed {
		return DecisionReject
	}
	mediumFailures := 0
	for _, c := range checks {
		if c.Passed {
			continue
		}
		switch c.Severity {
		case SeverityCritical:
			return DecisionReject
		case SeverityHigh:
			return DecisionReview
		case SeverityMedium:
			mediumFailures++
		}
	}
	if mediumFailures >= reviewMediumFailures {
		return DecisionReview
	}
	return DecisionApprove
}
