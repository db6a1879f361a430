package wallet

import (
	"context"
	"testing"

	"github.com/agentpay/agentpay/internal/ledger"
)

func TestCreateIsIdempotentPerCurrency(t *testing.T) {
	svc := NewService(ledger.NewInMemory(nil))
	ctx := context.Background()

	first, err := svc.Create(ctx, CreateInput{OwnerAgentID: "agent-1", Currency: "USD"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	again, err := svc.Create(ctx, CreateInput{OwnerAgentID: "agent-1", Currency: "USD"})
	if err != nil {
		t.Fatalf("repeat create: %v", err)
	}
	if first.ID != again.ID {
		t.Fatalf("expected same wallet, got %s and %s", first.ID, again.ID)
	}

	eur, err := svc.Create(ctx, CreateInput{OwnerAgentID: "agent-1", Currency: "EUR"})
	if err != nil {
		t.Fatalf("eur create: %v", err)
	}
	if eur.ID == first.ID {
		t.Fatal("expected a distinct wallet per currency")
	}
}

func TestForAgent(t *testing.T) {
	svc := NewService(ledger.NewInMemory(nil))
	ctx := context.Background()

	w, err := svc.Create(ctx, CreateInput{OwnerAgentID: "agent-1", Currency: "USD"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	found, err := svc.ForAgent(ctx, "agent-1", "USD")
	if err != nil || found.ID != w.ID {
		t.Fatalf("for agent: %v %+v", err, found)
	}
	if _, err := svc.ForAgent(ctx, "agent-1", "GBP"); err != ErrNoWalletForCurrency {
		t.Fatalf("expected ErrNoWalletForCurrency, got %v", err)
	}
}

func TestCloseDisablesWallet(t *testing.T) {
	svc := NewService(ledger.NewInMemory(nil))
	ctx := context.Background()

	w, err := svc.Create(ctx, CreateInput{OwnerAgentID: "agent-1", Currency: "USD"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := svc.Close(ctx, w.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	got, err := svc.Get(ctx, w.ID)
	if err != nil {
		t.Fatalf("get after close: %v", err)
	}
	if got.Status != ledger.WalletStatusDisabled {
		t.Fatalf("expected disabled, got %s", got.Status)
	}
	if _, err := svc.ForAgent(ctx, "agent-1", "USD"); err != ErrNoWalletForCurrency {
		t.Fatalf("closed wallet must not resolve: %v", err)
	}
}
