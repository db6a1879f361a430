package verification

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"
)

// Fraud factor weights. They sum to 1.
const (
	fraudWeightVelocity   = 0.25
	fraudWeightAmount     = 0.20
	fraudWeightReputation = 0.20
	fraudWeightPattern    = 0.15
	fraudWeightGeographic = 0.10
	fraudWeightTime       = 0.10
)

// Composite-score bands.
const (
	fraudScoreHigh   = 80
	fraudScoreMedium = 60
)

// TransactionHistory supplies the sender's historical behaviour for the
// anomaly factors. Recorded after each settled payment.
type TransactionHistory interface {
	Record(agentID string, amount int64, region string, at time.Time)
	Stats(agentID string) (mean, stddev float64, count int)
	Recent(agentID string, n int) []int64
	KnownRegion(agentID, region string) bool
}

// FraudCheck is a weighted composite of behavioural sub-factors. It never
// rejects on its own; a high composite score routes the payment to review
// via the standard severity rules.
type FraudCheck struct {
	History TransactionHistory
	Oracle  ReputationOracle
	Counter VelocityCounter

	// VelocityLimit mirrors the velocity check's window limit so the factor
	// can express pressure against it.
	VelocityLimit int64

	// StructuringThreshold is the reporting threshold (minor units) that
	// structuring behaviour clusters beneath.
	StructuringThreshold int64
}

func (FraudCheck) Name() string { return CheckFraud }

func (c FraudCheck) Run(ctx context.Context, req Request) (CheckResult, error) {
	score, detail, err := c.Score(ctx, req)
	if err != nil {
		return CheckResult{}, err
	}
	switch {
	case score >= fraudScoreHigh:
		return failed(SeverityHigh, detail)
	case score >= fraudScoreMedium:
		return failed(SeverityMedium, detail)
	default:
		return passed(detail)
	}
}

// Score computes the composite fraud score in [0,100].
func (c FraudCheck) Score(ctx context.Context, req Request) (float64, string, error) {
	velocity, err := c.velocityFactor(ctx, req)
	if err != nil {
		return 0, "", err
	}
	reputation, err := c.reputationFactor(ctx, req)
	if err != nil {
		return 0, "", err
	}
	amount := c.amountAnomalyFactor(req)
	pattern := c.patternFactor(req)
	geographic := c.geographicFactor(req)
	timeFactor := c.timeFactor(req)

	score := velocity*fraudWeightVelocity +
		amount*fraudWeightAmount +
		reputation*fraudWeightReputation +
		pattern*fraudWeightPattern +
		geographic*fraudWeightGeographic +
		timeFactor*fraudWeightTime

	detail := fmt.Sprintf("composite=%.0f velocity=%.0f amount=%.0f reputation=%.0f pattern=%.0f geo=%.0f time=%.0f",
		score, velocity, amount, reputation, pattern, geographic, timeFactor)
	return score, detail, nil
}

func (c FraudCheck) velocityFactor(ctx context.Context, req Request) (float64, error) {
	if c.Counter == nil || c.VelocityLimit <= 0 {
		return 0, nil
	}
	count, err := c.Counter.Count(ctx, req.FromAgentID)
	if err != nil {
		return 0, err
	}
	factor := float64(count) / float64(c.VelocityLimit) * 100
	return math.Min(factor, 100), nil
}

// amountAnomalyFactor scores the z-score of the amount against the sender's
// historical mean and standard deviation. Senders with too little history
// contribute nothing.
func (c FraudCheck) amountAnomalyFactor(req Request) float64 {
	if c.History == nil {
		return 0
	}
	mean, stddev, count := c.History.Stats(req.FromAgentID)
	if count < 5 || stddev == 0 {
		return 0
	}
	z := math.Abs(float64(req.Amount)-mean) / stddev
	switch {
	case z > 3:
		return 100
	case z > 2:
		return 60
	case z > 1:
		return 30
	default:
		return 0
	}
}

func (c FraudCheck) reputationFactor(ctx context.Context, req Request) (float64, error) {
	if c.Oracle == nil {
		return 0, nil
	}
	score, err := c.Oracle.Score(ctx, req.FromAgentID)
	if err != nil {
		return 0, err
	}
	return math.Max(0, math.Min(100-score, 100)), nil
}

// patternFactor flags structuring, suspiciously round amounts, and repeated
// near-identical payments. All comparisons use integer cents.
func (c FraudCheck) patternFactor(req Request) float64 {
	factor := 0.0

	// Structuring: amounts parked just under the reporting threshold.
	if c.StructuringThreshold > 0 {
		floor := c.StructuringThreshold - c.StructuringThreshold/20 // within 5% below
		if req.Amount >= floor && req.Amount < c.StructuringThreshold {
			factor += 60
		}
	}

	// Round amounts: whole hundreds of the major unit.
	if req.Amount > 0 && req.Amount%10_000 == 0 {
		factor += 20
	}

	// Sequential series: the last payments repeat the same amount.
	if c.History != nil {
		recent := c.History.Recent(req.FromAgentID, 3)
		if len(recent) == 3 {
			identical := true
			for _, amt := range recent {
				if amt != req.Amount {
					identical = false
					break
				}
			}
			if identical {
				factor += 20
			}
		}
	}

	return math.Min(factor, 100)
}

func (c FraudCheck) geographicFactor(req Request) float64 {
	region := req.Meta("region")
	if region == "" || c.History == nil {
		return 0
	}
	if c.History.KnownRegion(req.FromAgentID, region) {
		return 0
	}
	return 100
}

// timeFactor scores payments submitted in the dead of night (UTC).
func (c FraudCheck) timeFactor(req Request) float64 {
	at := req.SubmittedAt
	if at.IsZero() {
		return 0
	}
	hour := at.UTC().Hour()
	if hour < 6 {
		return 60
	}
	return 0
}

// MemoryHistory is a bounded in-process transaction history.
type MemoryHistory struct {
	mu      sync.Mutex
	limit   int
	amounts map[string][]int64
	regions map[string]map[string]int
}

// NewMemoryHistory keeps up to limit amounts per agent.
func NewMemoryHistory(limit int) *MemoryHistory {
	if limit <= 0 {
		limit = 100
	}
	return &MemoryHistory{
		limit:   limit,
		amounts: make(map[string][]int64),
		regions: make(map[string]map[string]int),
	}
}

// Record appends a settled payment to the agent's history.
func (h *MemoryHistory) Record(agentID string, amount int64, region string, _ time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	amounts := append(h.amounts[agentID], amount)
	if len(amounts) > h.limit {
		amounts = amounts[len(amounts)-h.limit:]
	}
	h.amounts[agentID] = amounts
	if region != "" {
		if h.regions[agentID] == nil {
			h.regions[agentID] = make(map[string]int)
		}
		h.regions[agentID][region]++
	}
}

// Stats returns the mean and population standard deviation of the agent's
// recorded amounts.
func (h *MemoryHistory) Stats(agentID string) (float64, float64, int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	amounts := h.amounts[agentID]
	n := len(amounts)
	if n == 0 {
		return 0, 0, 0
	}
	sum := 0.0
	for _, a := range amounts {
		sum += float64(a)
	}
	mean := sum / float64(n)
	variance := 0.0
	for _, a := range amounts {
		d := float64(a) - mean
		variance += d * d
	}
	return mean, math.Sqrt(variance / float64(n)), n
}

// Recent returns the agent's last n amounts, newest last.
func (h *MemoryHistory) Recent(agentID string, n int) []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	amounts := h.amounts[agentID]
	if len(amounts) < n {
		n = len(amounts)
	}
	out := make([]int64, n)
	copy(out, amounts[len(amounts)-n:])
	return out
}

// KnownRegion reports whether the agent has transacted from the region
// before.
func (h *MemoryHistory) KnownRegion(agentID, region string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	regions, ok := h.regions[agentID]
	if !ok || len(regions) == 0 {
		// No geographic history yet; nothing to be anomalous against.
		return true
	}
	return regions[region] > 0
}
