package ledger

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrInsufficientFunds occurs when a wallet lacks available balance to
	// cover a debit or hold.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrInsufficientHeld occurs when a release or held transfer exceeds the
	// wallet's held balance.
	ErrInsufficientHeld = errors.New("insufficient held funds")

	// ErrDuplicateOperation indicates the operation key has already been
	// applied; the returned result is the original outcome and callers should
	// treat the operation as idempotently satisfied.
	ErrDuplicateOperation = errors.New("duplicate operation")

	// ErrWalletNotFound indicates the wallet does not exist.
	ErrWalletNotFound = errors.New("wallet not found")

	// ErrWalletDisabled indicates the wallet has been closed and refuses new
	// mutations.
	ErrWalletDisabled = errors.New("wallet disabled")
)

// Wallet statuses. Wallets are disabled on closure, never deleted.
const (
	WalletStatusActive   = "active"
	WalletStatusDisabled = "disabled"
)

// Entry kinds.
const (
	EntryDebit   = "debit"
	EntryCredit  = "credit"
	EntryHold    = "hold"
	EntryRelease = "release"
)

// Wallet is the stored-value account for one (agent, currency) pair.
// Invariant: Available + Held == Total, all non-negative, after every
// operation.
type Wallet struct {
	ID           string
	OwnerAgentID string
	Currency     string
	Status       string
	CreatedAt    time.Time
}

// Balance is a point-in-time snapshot of a wallet's balances.
type Balance struct {
	Available int64
	Held      int64
	Total     int64
}

// Entry is one immutable record in the append-only ledger stream. Balances
// are a projection of the entry stream, updated only in the same transaction
// that appends the entry.
type Entry struct {
	ID            string
	WalletID      string
	Amount        int64 // positive magnitude applied to the affected bucket
	Kind          string
	OperationKey  string
	TransactionID string
	CausedBy      string
	CreatedAt     time.Time
}

// OperationResult captures the outcome of a mutating ledger operation.
type OperationResult struct {
	OperationKey string
	Amount       int64 // amount applied to the source wallet
	Converted    int64 // amount applied to the destination wallet (transfers)
	From         Balance
	To           Balance
}

// Ledger is the contract implemented by ledger backends. Every mutating
// operation takes an operation key and is idempotent per key: replaying a key
// returns the recorded result together with ErrDuplicateOperation and applies
// nothing. Failed operations leave no partial mutation.
type Ledger interface {
	CreateWallet(ctx context.Context, w Wallet) error
	DisableWallet(ctx context.Context, walletID string) error
	GetWallet(ctx context.Context, walletID string) (Wallet, error)
	WalletsByOwner(ctx context.Context, agentID string) ([]Wallet, error)
	Balance(ctx context.Context, walletID string) (Balance, error)

	// Hold moves amount from available to held.
	Hold(ctx context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error)
	// Release moves amount from held back to available.
	Release(ctx context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error)
	// Debit decreases available and total.
	Debit(ctx context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error)
	// Credit increases available and total.
	Credit(ctx context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error)

	// Transfer debits the source and credits the destination as one atomic
	// unit. Cross-currency transfers convert via the injected rate provider
	// before any mutation; the credited entry records the converted amount.
	Transfer(ctx context.Context, fromID, toID string, amount int64, opKey, txID string) (OperationResult, error)

	// TransferHeld moves funds out of the source wallet's held balance into
	// the destination wallet's available balance. Used by escrow release and
	// split resolution.
	TransferHeld(ctx context.Context, fromID, toID string, amount int64, opKey, txID string) (OperationResult, error)

	// Entries returns the append-only entry stream for a wallet, oldest first.
	Entries(ctx context.Context, walletID string) ([]Entry, error)
}
