package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentpay/agentpay/internal/money"
)

type walletState struct {
	mu        sync.Mutex
	meta      Wallet
	available int64
	held      int64
	total     int64
	entries   []Entry
}

func (w *walletState) balance() Balance {
	return Balance{Available: w.available, Held: w.held, Total: w.total}
}

type inMemoryLedger struct {
	mu         sync.RWMutex
	wallets    map[string]*walletState
	opsMu      sync.Mutex
	operations map[string]OperationResult
	rates      money.RateProvider
	now        func() time.Time
}

// NewInMemory creates a concurrency-safe in-memory ledger. It backs unit
// tests and dev-mode runs without Postgres.
func NewInMemory(rates money.RateProvider) Ledger {
	if rates == nil {
		rates = money.StaticRates{}
	}
	return &inMemoryLedger{
		wallets:    make(map[string]*walletState),
		operations: make(map[string]OperationResult),
		rates:      rates,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (l *inMemoryLedger) CreateWallet(_ context.Context, w Wallet) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, exists := l.wallets[w.ID]; exists {
		return fmt.Errorf("wallet %s already exists", w.ID)
	}
	if w.Status == "" {
		w.Status = WalletStatusActive
	}
	if w.CreatedAt.IsZero() {
		w.CreatedAt = l.now()
	}
	l.wallets[w.ID] = &walletState{meta: w}
	return nil
}

func (l *inMemoryLedger) DisableWallet(_ context.Context, walletID string) error {
	state, err := l.state(walletID)
	if err != nil {
		return err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	state.meta.Status = WalletStatusDisabled
	return nil
}

func (l *inMemoryLedger) GetWallet(_ context.Context, walletID string) (Wallet, error) {
	state, err := l.state(walletID)
	if err != nil {
		return Wallet{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.meta, nil
}

func (l *inMemoryLedger) WalletsByOwner(_ context.Context, agentID string) ([]Wallet, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []Wallet
	for _, state := range l.wallets {
		state.mu.Lock()
		if state.meta.OwnerAgentID == agentID {
			out = append(out, state.meta)
		}
		state.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *inMemoryLedger) Balance(_ context.Context, walletID string) (Balance, error) {
	state, err := l.state(walletID)
	if err != nil {
		return Balance{}, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	return state.balance(), nil
}

func (l *inMemoryLedger) Hold(_ context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.applySingle(walletID, amount, opKey, txID, EntryHold, func(w *walletState) error {
		if w.available < amount {
			return ErrInsufficientFunds
		}
		w.available -= amount
		w.held += amount
		return nil
	})
}

func (l *inMemoryLedger) Release(_ context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.applySingle(walletID, amount, opKey, txID, EntryRelease, func(w *walletState) error {
		if w.held < amount {
			return ErrInsufficientHeld
		}
		w.held -= amount
		w.available += amount
		return nil
	})
}

func (l *inMemoryLedger) Debit(_ context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.applySingle(walletID, amount, opKey, txID, EntryDebit, func(w *walletState) error {
		if w.available < amount {
			return ErrInsufficientFunds
		}
		w.available -= amount
		w.total -= amount
		return nil
	})
}

func (l *inMemoryLedger) Credit(_ context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.applySingle(walletID, amount, opKey, txID, EntryCredit, func(w *walletState) error {
		w.available += amount
		w.total += amount
		return nil
	})
}

func (l *inMemoryLedger) Transfer(_ context.Context, fromID, toID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.applyPair(fromID, toID, amount, opKey, txID, true)
}

func (l *inMemoryLedger) TransferHeld(_ context.Context, fromID, toID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.applyPair(fromID, toID, amount, opKey, txID, false)
}

func (l *inMemoryLedger) Entries(_ context.Context, walletID string) ([]Entry, error) {
	state, err := l.state(walletID)
	if err != nil {
		return nil, err
	}
	state.mu.Lock()
	defer state.mu.Unlock()
	out := make([]Entry, len(state.entries))
	copy(out, state.entries)
	return out, nil
}

func (l *inMemoryLedger) state(walletID string) (*walletState, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	state, ok := l.wallets[walletID]
	if !ok {
		return nil, ErrWalletNotFound
	}
	return state, nil
}

func (l *inMemoryLedger) recorded(opKey string) (OperationResult, bool) {
	l.opsMu.Lock()
	defer l.opsMu.Unlock()
	res, ok := l.operations[opKey]
	return res, ok
}

func (l *inMemoryLedger) record(res OperationResult) {
	l.opsMu.Lock()
	defer l.opsMu.Unlock()
	l.operations[res.OperationKey] = res
}

// applySingle runs a one-wallet mutation under the wallet lock. The mutate
// callback must either fully apply the balance movement or return an error
// without touching the state.
func (l *inMemoryLedger) applySingle(walletID string, amount int64, opKey, txID, kind string, mutate func(*walletState) error) (OperationResult, error) {
	if amount <= 0 {
		return OperationResult{}, fmt.Errorf("amount must be positive")
	}
	if opKey == "" {
		return OperationResult{}, fmt.Errorf("operation key is required")
	}
	state, err := l.state(walletID)
	if err != nil {
		return OperationResult{}, err
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	if res, ok := l.recorded(opKey); ok {
		return res, ErrDuplicateOperation
	}
	if state.meta.Status != WalletStatusActive {
		return OperationResult{}, ErrWalletDisabled
	}
	if err := mutate(state); err != nil {
		return OperationResult{}, err
	}

	state.entries = append(state.entries, Entry{
		ID:            uuid.NewString(),
		WalletID:      walletID,
		Amount:        amount,
		Kind:          kind,
		OperationKey:  opKey,
		TransactionID: txID,
		CausedBy:      opKey,
		CreatedAt:     l.now(),
	})

	res := OperationResult{OperationKey: opKey, Amount: amount, From: state.balance()}
	l.record(res)
	return res, nil
}

// applyPair moves funds between two wallets as one atomic unit. Locks are
// acquired in lexicographic wallet-id order so opposite-direction transfers
// cannot deadlock.
func (l *inMemoryLedger) applyPair(fromID, toID string, amount int64, opKey, txID string, fromAvailable bool) (OperationResult, error) {
	if amount <= 0 {
		return OperationResult{}, fmt.Errorf("amount must be positive")
	}
	if opKey == "" {
		return OperationResult{}, fmt.Errorf("operation key is required")
	}
	if fromID == toID {
		return OperationResult{}, fmt.Errorf("transfer requires distinct wallets")
	}

	from, err := l.state(fromID)
	if err != nil {
		return OperationResult{}, err
	}
	to, err := l.state(toID)
	if err != nil {
		return OperationResult{}, err
	}

	first, second := from, to
	if toID < fromID {
		first, second = to, from
	}
	first.mu.Lock()
	defer first.mu.Unlock()
	second.mu.Lock()
	defer second.mu.Unlock()

	if res, ok := l.recorded(opKey); ok {
		return res, ErrDuplicateOperation
	}
	if from.meta.Status != WalletStatusActive {
		return OperationResult{}, ErrWalletDisabled
	}
	if to.meta.Status != WalletStatusActive {
		return OperationResult{}, ErrWalletDisabled
	}

	// Conversion happens before any mutation; a missing rate aborts cleanly.
	credited := amount
	if from.meta.Currency != to.meta.Currency {
		rate, err := l.rates.Rate(from.meta.Currency, to.meta.Currency)
		if err != nil {
			return OperationResult{}, err
		}
		credited = money.Convert(amount, rate)
	}

	debitKind := EntryDebit
	if fromAvailable {
		if from.available < amount {
			return OperationResult{}, ErrInsufficientFunds
		}
		from.available -= amount
		from.total -= amount
	} else {
		if from.held < amount {
			return OperationResult{}, ErrInsufficientHeld
		}
		from.held -= amount
		from.total -= amount
	}
	to.available += credited
	to.total += credited

	now := l.now()
	from.entries = append(from.entries, Entry{
		ID:            uuid.NewString(),
		WalletID:      fromID,
		Amount:        amount,
		Kind:          debitKind,
		OperationKey:  opKey,
		TransactionID: txID,
		CausedBy:      opKey,
		CreatedAt:     now,
	})
	to.entries = append(to.entries, Entry{
		ID:            uuid.NewString(),
		WalletID:      toID,
		Amount:        credited,
		Kind:          EntryCredit,
		OperationKey:  opKey,
		TransactionID: txID,
		CausedBy:      opKey,
		CreatedAt:     now,
	})

	res := OperationResult{
		OperationKey: opKey,
		Amount:       amount,
		Converted:    credited,
		From:         from.balance(),
		To:           to.balance(),
	}
	l.record(res)
	return res, nil
}
