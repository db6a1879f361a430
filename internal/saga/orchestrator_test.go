package saga

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentpay/agentpay/internal/escrow"
	"github.com/agentpay/agentpay/internal/ledger"
	"github.com/agentpay/agentpay/internal/money"
	"github.com/agentpay/agentpay/internal/notification"
	"github.com/agentpay/agentpay/internal/verification"
)

type stubVerifier struct {
	decision verification.Decision
	risk     float64
	failures int // dependency errors returned before succeeding
	calls    int
}

func (v *stubVerifier) Check(_ context.Context, req verification.Request) (verification.Result, error) {
	v.calls++
	if v.failures > 0 {
		v.failures--
		return verification.Result{}, errors.New("compliance engine unavailable")
	}
	return verification.Result{
		TransactionID: req.TransactionID,
		RiskScore:     v.risk,
		Decision:      v.decision,
	}, nil
}

// flakyLedger fails specific operation keys, for driving financial steps and
// compensations into error paths.
type flakyLedger struct {
	ledger.Ledger
	failKeys map[string]error
}

func (f *flakyLedger) Transfer(ctx context.Context, fromID, toID string, amount int64, opKey, txID string) (ledger.OperationResult, error) {
	if err, ok := f.failKeys[opKey]; ok {
		return ledger.OperationResult{}, err
	}
	return f.Ledger.Transfer(ctx, fromID, toID, amount, opKey, txID)
}

type fixture struct {
	orchestrator *Orchestrator
	store        Store
	ledger       ledger.Ledger
	audit        *MemoryAuditLog
	history      *verification.MemoryHistory
	verifier     *stubVerifier
}

func newFixture(t *testing.T, cfg Config, l ledger.Ledger) *fixture {
	t.Helper()
	if l == nil {
		l = ledger.NewInMemory(money.StaticRates{})
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := NewMemoryStore()
	audit := NewMemoryAuditLog()
	history := verification.NewMemoryHistory(100)
	verifier := &stubVerifier{decision: verification.DecisionApprove, risk: 10}
	escrows := escrow.NewService(escrow.NewMemoryStore(), l, verification.StaticReputation{Default: 80}, escrow.Config{}, logger)
	o := NewOrchestrator(store, audit, l, verifier, escrows, notification.NewLoggerDispatcher(logger), history, cfg, logger)
	o.sleep = func(context.Context, time.Duration) {}
	return &fixture{orchestrator: o, store: store, ledger: l, audit: audit, history: history, verifier: verifier}
}

func seedWallets(t *testing.T, l ledger.Ledger, balances map[string]int64) {
	t.Helper()
	ctx := context.Background()
	owners := map[string]string{"w-a": "agent-a", "w-b": "agent-b", "w-c": "agent-c", "w-pool": "system"}
	for id, balance := range balances {
		owner := owners[id]
		require.NoError(t, l.CreateWallet(ctx, ledger.Wallet{ID: id, OwnerAgentID: owner, Currency: "USD"}))
		ledger.SeedBalance(l, id, balance)
	}
}

func baseRequest() PaymentRequest {
	return PaymentRequest{
		TransactionID: "tx-1",
		FromAgentID:   "agent-a",
		ToAgentID:     "agent-b",
		FromWalletID:  "w-a",
		ToWalletID:    "w-b",
		Amount:        4_000,
		Currency:      "USD",
		PaymentType:   "direct",
	}
}

func available(t *testing.T, l ledger.Ledger, walletID string) int64 {
	t.Helper()
	bal, err := l.Balance(context.Background(), walletID)
	require.NoError(t, err)
	return bal.Available
}

func TestPaymentWithFee(t *testing.T) {
	f := newFixture(t, Config{FeeBps: 250, FeePoolWalletID: "w-pool"}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 10_000, "w-pool": 0})

	res, err := f.orchestrator.Execute(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(100), res.Fee)

	assert.Equal(t, int64(5_900), available(t, f.ledger, "w-a"))
	assert.Equal(t, int64(14_000), available(t, f.ledger, "w-b"))
	assert.Equal(t, int64(100), available(t, f.ledger, "w-pool"))

	records := f.audit.Records()
	require.Len(t, records, 1)
	assert.Equal(t, StatusCompleted, records[0].Status)
	assert.Equal(t, int64(100), records[0].Fee)

	_, _, count := f.history.Stats("agent-a")
	assert.Equal(t, 1, count)

	steps, err := f.store.Steps(context.Background(), "tx-1")
	require.NoError(t, err)
	var done []string
	for _, st := range steps {
		if st.Status == StepDone {
			done = append(done, st.Name)
		}
	}
	assert.Equal(t, []string{StepValidate, StepVerify, StepTransfer, StepFee, StepNotify, StepRecord}, done)
}

func TestFeeExemptions(t *testing.T) {
	tests := []struct {
		name string
		cfg  Config
		mod  func(*PaymentRequest)
	}{
		{
			name: "micro payment below threshold",
			cfg:  Config{FeeBps: 250, FeePoolWalletID: "w-pool", FeeExemptBelow: 5_000},
			mod:  func(r *PaymentRequest) {},
		},
		{
			name: "metadata exemption",
			cfg:  Config{FeeBps: 250, FeePoolWalletID: "w-pool"},
			mod:  func(r *PaymentRequest) { r.Metadata = map[string]string{"fee_exempt": "true"} },
		},
		{
			name: "system agent",
			cfg:  Config{FeeBps: 250, FeePoolWalletID: "w-pool", SystemAgentIDs: []string{"agent-a"}},
			mod:  func(r *PaymentRequest) {},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, tt.cfg, nil)
			seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0, "w-pool": 0})

			req := baseRequest()
			tt.mod(&req)
			res, err := f.orchestrator.Execute(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, int64(0), res.Fee)
			assert.Equal(t, int64(6_000), available(t, f.ledger, "w-a"))
			assert.Equal(t, int64(0), available(t, f.ledger, "w-pool"))
		})
	}
}

func TestValidationInsufficientFunds(t *testing.T) {
	f := newFixture(t, Config{FeeBps: 250, FeePoolWalletID: "w-pool"}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 4_050, "w-b": 0, "w-pool": 0})

	// 4000 + 100 fee exceeds the available 4050.
	_, err := f.orchestrator.Execute(context.Background(), baseRequest())
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, int64(4_050), available(t, f.ledger, "w-a"))
	assert.Equal(t, 0, f.verifier.calls) // gate never consulted after validation failure
}

func TestVerificationReject(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0})
	f.verifier.decision = verification.DecisionReject
	f.verifier.risk = 90

	res, err := f.orchestrator.Execute(context.Background(), baseRequest())
	assert.ErrorIs(t, err, ErrVerificationRejected)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, int64(10_000), available(t, f.ledger, "w-a"))
	assert.Equal(t, int64(0), available(t, f.ledger, "w-b"))
}

func TestVerificationTransientRetry(t *testing.T) {
	f := newFixture(t, Config{VerifyRetries: 2}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0})
	f.verifier.failures = 2

	res, err := f.orchestrator.Execute(context.Background(), baseRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 3, f.verifier.calls)
}

func TestReviewParksAndApproveResumes(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0})
	f.verifier.decision = verification.DecisionReview
	f.verifier.risk = 55

	ctx := context.Background()
	res, err := f.orchestrator.Execute(ctx, baseRequest())
	assert.ErrorIs(t, err, ErrReviewRequired)
	assert.Equal(t, StatusNeedsReview, res.Status)
	assert.Equal(t, int64(10_000), available(t, f.ledger, "w-a"))

	queue, err := f.orchestrator.ReviewQueue(ctx)
	require.NoError(t, err)
	require.Len(t, queue, 1)
	assert.Equal(t, "tx-1", queue[0].ID)

	res, err = f.orchestrator.ApproveReview(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(6_000), available(t, f.ledger, "w-a"))
	assert.Equal(t, int64(4_000), available(t, f.ledger, "w-b"))
}

func TestRejectReview(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0})
	f.verifier.decision = verification.DecisionReview

	ctx := context.Background()
	_, err := f.orchestrator.Execute(ctx, baseRequest())
	assert.ErrorIs(t, err, ErrReviewRequired)

	res, err := f.orchestrator.RejectReview(ctx, "tx-1", "manual review declined")
	require.Error(t, err)
	assert.Equal(t, StatusRejected, res.Status)
	assert.Equal(t, int64(10_000), available(t, f.ledger, "w-a"))

	_, err = f.orchestrator.ApproveReview(ctx, "tx-1")
	assert.ErrorIs(t, err, ErrNotResumable)
}

func TestCompensationRestoresBalances(t *testing.T) {
	base := ledger.NewInMemory(money.StaticRates{})
	flaky := &flakyLedger{Ledger: base, failKeys: map[string]error{"fee:tx-1": errors.New("pool unavailable")}}
	f := newFixture(t, Config{FeeBps: 250, FeePoolWalletID: "w-pool", CompensationRetries: 2}, flaky)
	seedWallets(t, base, map[string]int64{"w-a": 10_000, "w-b": 10_000, "w-pool": 0})

	res, err := f.orchestrator.Execute(context.Background(), baseRequest())
	require.Error(t, err)
	assert.Equal(t, StatusFailedCompensated, res.Status)

	// Transfer applied then reversed: balances match the pre-saga state.
	assert.Equal(t, int64(10_000), available(t, f.ledger, "w-a"))
	assert.Equal(t, int64(10_000), available(t, f.ledger, "w-b"))
	assert.Equal(t, int64(0), available(t, f.ledger, "w-pool"))

	sg, err := f.store.Get(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Empty(t, sg.AppliedOps)
}

func TestCompensationExhaustedLeavesDelta(t *testing.T) {
	base := ledger.NewInMemory(money.StaticRates{})
	flaky := &flakyLedger{Ledger: base, failKeys: map[string]error{
		"fee:tx-1":           errors.New("pool unavailable"),
		"comp:transfer:tx-1": errors.New("reversal unavailable"),
	}}
	f := newFixture(t, Config{FeeBps: 250, FeePoolWalletID: "w-pool", CompensationRetries: 1}, flaky)
	seedWallets(t, base, map[string]int64{"w-a": 10_000, "w-b": 10_000, "w-pool": 0})

	res, err := f.orchestrator.Execute(context.Background(), baseRequest())
	assert.ErrorIs(t, err, ErrCompensationFailed)
	assert.Equal(t, StatusFailedUncompensated, res.Status)

	sg, err := f.store.Get(context.Background(), "tx-1")
	require.NoError(t, err)
	assert.Equal(t, int64(4_000), sg.UncompensatedDelta)
	require.Len(t, f.audit.Records(), 1)
	assert.Equal(t, StatusFailedUncompensated, f.audit.Records()[0].Status)
}

func TestSplitPayment(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0, "w-c": 0})

	req := baseRequest()
	req.Splits = []Split{
		{ToAgentID: "agent-b", ToWalletID: "w-b", Amount: 2_500},
		{ToAgentID: "agent-c", ToWalletID: "w-c", Amount: 1_500},
	}
	res, err := f.orchestrator.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(6_000), available(t, f.ledger, "w-a"))
	assert.Equal(t, int64(2_500), available(t, f.ledger, "w-b"))
	assert.Equal(t, int64(1_500), available(t, f.ledger, "w-c"))
}

func TestSplitSumMismatchRejected(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0, "w-c": 0})

	req := baseRequest()
	req.Splits = []Split{
		{ToAgentID: "agent-b", ToWalletID: "w-b", Amount: 2_500},
		{ToAgentID: "agent-c", ToWalletID: "w-c", Amount: 1_000},
	}
	_, err := f.orchestrator.Execute(context.Background(), req)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Equal(t, int64(10_000), available(t, f.ledger, "w-a"))
}

func TestEscrowPayment(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0})

	req := baseRequest()
	req.Escrow = &EscrowTerms{Conditions: []escrow.Condition{{Type: escrow.ConditionDeliveryConfirmed}}}
	res, err := f.orchestrator.Execute(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.NotEmpty(t, res.EscrowID)

	bal, err := f.ledger.Balance(context.Background(), "w-a")
	require.NoError(t, err)
	assert.Equal(t, int64(6_000), bal.Available)
	assert.Equal(t, int64(4_000), bal.Held)
	assert.Equal(t, int64(0), available(t, f.ledger, "w-b"))
}

func TestDuplicateSubmissionReturnsRecordedOutcome(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0})
	ctx := context.Background()

	res, err := f.orchestrator.Execute(ctx, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	res, err = f.orchestrator.Execute(ctx, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(6_000), available(t, f.ledger, "w-a"))
	assert.Equal(t, int64(4_000), available(t, f.ledger, "w-b"))
}

func TestMemoryStoreRejectsDuplicateCreate(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	require.NoError(t, store.Create(ctx, Saga{ID: "tx-1", Status: StatusRunning}))
	assert.ErrorIs(t, store.Create(ctx, Saga{ID: "tx-1", Status: StatusRunning}), ErrDuplicateSaga)
}

// staleReadStore misses the saga on the first read, driving a submission
// into the create-race branch.
type staleReadStore struct {
	Store
	misses int
}

func (s *staleReadStore) Get(ctx context.Context, id string) (Saga, error) {
	if s.misses > 0 {
		s.misses--
		return Saga{}, ErrNotFound
	}
	return s.Store.Get(ctx, id)
}

func TestSubmitCreateRaceContinuesExistingSaga(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0})
	ctx := context.Background()

	res, err := f.orchestrator.Execute(ctx, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)

	// The second submission reads before the first one's row is visible,
	// then loses the insert race. It must pick up the winner's saga instead
	// of clobbering its record.
	f.orchestrator.store = &staleReadStore{Store: f.store, misses: 1}
	res, err = f.orchestrator.Execute(ctx, baseRequest())
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, 1, f.verifier.calls)
	assert.Equal(t, int64(6_000), available(t, f.ledger, "w-a"))
	assert.Equal(t, int64(4_000), available(t, f.ledger, "w-b"))
}

func TestResumeAfterCrashSkipsAppliedOps(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0})
	ctx := context.Background()

	// Simulate a crash after the transfer applied but before the step
	// completion was logged: the op is on the ledger and in the applied list,
	// the transfer step shows only intent.
	req := baseRequest()
	now := time.Now().UTC()
	_, err := f.ledger.Transfer(ctx, "w-a", "w-b", 4_000, "transfer:tx-1", "tx-1")
	require.NoError(t, err)
	sg := Saga{
		ID:      "tx-1",
		Request: req,
		Status:  StatusRunning,
		AppliedOps: []AppliedOp{{
			Kind: "transfer", OpKey: "transfer:tx-1",
			FromWalletID: "w-a", ToWalletID: "w-b", Amount: 4_000, Converted: 4_000,
		}},
		CreatedAt: now,
		UpdatedAt: now,
	}
	require.NoError(t, f.store.Create(ctx, sg))
	for _, st := range []Step{
		{Name: StepValidate, Status: StepDone, StartedAt: now, FinishedAt: now},
		{Name: StepVerify, Status: StepDone, StartedAt: now, FinishedAt: now},
		{Name: StepTransfer, Status: StepPending, StartedAt: now},
	} {
		require.NoError(t, f.store.AppendStep(ctx, "tx-1", st))
	}

	res, err := f.orchestrator.Resume(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, res.Status)
	assert.Equal(t, int64(6_000), available(t, f.ledger, "w-a"))
	assert.Equal(t, int64(4_000), available(t, f.ledger, "w-b"))
}

func TestWorkerResumesIncomplete(t *testing.T) {
	f := newFixture(t, Config{}, nil)
	seedWallets(t, f.ledger, map[string]int64{"w-a": 10_000, "w-b": 0})
	ctx := context.Background()

	now := time.Now().UTC()
	sg := Saga{ID: "tx-1", Request: baseRequest(), Status: StatusRunning, CreatedAt: now, UpdatedAt: now}
	require.NoError(t, f.store.Create(ctx, sg))

	w := NewWorker(f.orchestrator, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
	w.resumeAll(ctx)

	got, err := f.store.Get(ctx, "tx-1")
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, got.Status)
	assert.Equal(t, int64(4_000), available(t, f.ledger, "w-b"))
}
