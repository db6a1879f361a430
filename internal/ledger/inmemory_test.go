package ledger

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/agentpay/agentpay/internal/money"
)

func newTestLedger(t *testing.T, rates money.RateProvider) Ledger {
	t.Helper()
	l := NewInMemory(rates)
	ctx := context.Background()
	for _, w := range []Wallet{
		{ID: "wallet-a", OwnerAgentID: "agent-a", Currency: "USD"},
		{ID: "wallet-b", OwnerAgentID: "agent-b", Currency: "USD"},
	} {
		if err := l.CreateWallet(ctx, w); err != nil {
			t.Fatalf("create wallet %s: %v", w.ID, err)
		}
	}
	return l
}

func assertInvariant(t *testing.T, l Ledger, walletID string) {
	t.Helper()
	b, err := l.Balance(context.Background(), walletID)
	if err != nil {
		t.Fatalf("balance %s: %v", walletID, err)
	}
	if b.Available+b.Held != b.Total {
		t.Fatalf("invariant broken for %s: %+v", walletID, b)
	}
	if b.Available < 0 || b.Held < 0 || b.Total < 0 {
		t.Fatalf("negative balance for %s: %+v", walletID, b)
	}
}

func TestHoldReleaseInvariant(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	SeedBalance(l, "wallet-a", 10_000)

	if _, err := l.Hold(ctx, "wallet-a", 4_000, "hold-1", "tx-1"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	assertInvariant(t, l, "wallet-a")

	b, _ := l.Balance(ctx, "wallet-a")
	if b.Available != 6_000 || b.Held != 4_000 || b.Total != 10_000 {
		t.Fatalf("unexpected balances after hold: %+v", b)
	}

	if _, err := l.Release(ctx, "wallet-a", 5_000, "rel-too-much", "tx-1"); err != ErrInsufficientHeld {
		t.Fatalf("expected insufficient held, got %v", err)
	}
	if _, err := l.Release(ctx, "wallet-a", 4_000, "rel-1", "tx-1"); err != nil {
		t.Fatalf("release: %v", err)
	}
	assertInvariant(t, l, "wallet-a")

	b, _ = l.Balance(ctx, "wallet-a")
	if b.Available != 10_000 || b.Held != 0 {
		t.Fatalf("unexpected balances after release: %+v", b)
	}
}

func TestHoldInsufficientFunds(t *testing.T) {
	l := newTestLedger(t, nil)
	SeedBalance(l, "wallet-a", 100)

	if _, err := l.Hold(context.Background(), "wallet-a", 200, "hold-1", "tx-1"); err != ErrInsufficientFunds {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	assertInvariant(t, l, "wallet-a")
}

func TestTransferIdempotent(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	SeedBalance(l, "wallet-a", 10_000)

	first, err := l.Transfer(ctx, "wallet-a", "wallet-b", 1_500, "transfer:tx-1", "tx-1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if first.From.Available != 8_500 || first.To.Available != 1_500 {
		t.Fatalf("unexpected balances: %+v", first)
	}

	// Replaying the same key yields the original result and no second effect.
	replay, err := l.Transfer(ctx, "wallet-a", "wallet-b", 1_500, "transfer:tx-1", "tx-1")
	if err != ErrDuplicateOperation {
		t.Fatalf("expected duplicate operation, got %v", err)
	}
	if replay.From.Available != first.From.Available {
		t.Fatalf("replay changed recorded result: %+v", replay)
	}

	b, _ := l.Balance(ctx, "wallet-a")
	if b.Available != 8_500 {
		t.Fatalf("replay mutated the ledger: %+v", b)
	}
	entries, _ := l.Entries(ctx, "wallet-a")
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
}

func TestTransferConvertsBeforeMutation(t *testing.T) {
	l := NewInMemory(money.StaticRates{"USD/EUR": 0.5})
	ctx := context.Background()
	if err := l.CreateWallet(ctx, Wallet{ID: "wallet-usd", OwnerAgentID: "a", Currency: "USD"}); err != nil {
		t.Fatal(err)
	}
	if err := l.CreateWallet(ctx, Wallet{ID: "wallet-eur", OwnerAgentID: "b", Currency: "EUR"}); err != nil {
		t.Fatal(err)
	}
	SeedBalance(l, "wallet-usd", 10_000)

	res, err := l.Transfer(ctx, "wallet-usd", "wallet-eur", 4_000, "transfer:tx-1", "tx-1")
	if err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if res.Amount != 4_000 || res.Converted != 2_000 {
		t.Fatalf("unexpected conversion: %+v", res)
	}

	entries, _ := l.Entries(ctx, "wallet-eur")
	if len(entries) != 1 || entries[0].Amount != 2_000 {
		t.Fatalf("credited entry must record the converted amount: %+v", entries)
	}

	// Unknown pair must abort before any mutation.
	if err := l.CreateWallet(ctx, Wallet{ID: "wallet-gbp", OwnerAgentID: "c", Currency: "GBP"}); err != nil {
		t.Fatal(err)
	}
	if _, err := l.Transfer(ctx, "wallet-usd", "wallet-gbp", 1_000, "transfer:tx-2", "tx-2"); err == nil {
		t.Fatal("expected rate error")
	}
	b, _ := l.Balance(ctx, "wallet-usd")
	if b.Available != 6_000 {
		t.Fatalf("failed conversion mutated the ledger: %+v", b)
	}
}

func TestDisabledWalletRefusesMutations(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	SeedBalance(l, "wallet-a", 1_000)

	if err := l.DisableWallet(ctx, "wallet-b"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	if _, err := l.Transfer(ctx, "wallet-a", "wallet-b", 100, "transfer:tx-1", "tx-1"); err != ErrWalletDisabled {
		t.Fatalf("expected wallet disabled, got %v", err)
	}
	if _, err := l.Credit(ctx, "wallet-b", 100, "credit:tx-2", "tx-2"); err != ErrWalletDisabled {
		t.Fatalf("expected wallet disabled, got %v", err)
	}
}

func TestConcurrentOppositeTransfers(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	SeedBalance(l, "wallet-a", 100_000)
	SeedBalance(l, "wallet-b", 100_000)

	const rounds = 100
	var wg sync.WaitGroup
	for i := 0; i < rounds; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("transfer:ab-%d", i)
			if _, err := l.Transfer(ctx, "wallet-a", "wallet-b", 10, key, key); err != nil {
				t.Errorf("a->b %d: %v", i, err)
			}
		}(i)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("transfer:ba-%d", i)
			if _, err := l.Transfer(ctx, "wallet-b", "wallet-a", 10, key, key); err != nil {
				t.Errorf("b->a %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	// Equal opposite flows: final balances equal the net sum of all transfers.
	a, _ := l.Balance(ctx, "wallet-a")
	b, _ := l.Balance(ctx, "wallet-b")
	if a.Available != 100_000 || b.Available != 100_000 {
		t.Fatalf("net balances wrong: a=%+v b=%+v", a, b)
	}
	assertInvariant(t, l, "wallet-a")
	assertInvariant(t, l, "wallet-b")
}

func TestTransferHeld(t *testing.T) {
	l := newTestLedger(t, nil)
	ctx := context.Background()
	SeedBalance(l, "wallet-a", 5_000)

	if _, err := l.Hold(ctx, "wallet-a", 5_000, "hold:tx-1", "tx-1"); err != nil {
		t.Fatalf("hold: %v", err)
	}
	res, err := l.TransferHeld(ctx, "wallet-a", "wallet-b", 3_000, "escrow_release:tx-1", "tx-1")
	if err != nil {
		t.Fatalf("transfer held: %v", err)
	}
	if res.From.Held != 2_000 || res.To.Available != 3_000 {
		t.Fatalf("unexpected balances: %+v", res)
	}
	assertInvariant(t, l, "wallet-a")
	assertInvariant(t, l, "wallet-b")

	if _, err := l.TransferHeld(ctx, "wallet-a", "wallet-b", 3_000, "escrow_release:tx-2", "tx-2"); err != ErrInsufficientHeld {
		t.Fatalf("expected insufficient held, got %v", err)
	}
}
