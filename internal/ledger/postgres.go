package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentpay/agentpay/internal/money"
)

// PostgresLedger persists wallets, the append-only entry stream, and the
// balance projection in PostgreSQL. The projection row is updated in the same
// transaction that appends its causal entries, and wallet rows are locked
// FOR UPDATE in lexicographic id order.
type PostgresLedger struct {
	db    *pgxpool.Pool
	rates money.RateProvider
}

// NewPostgresLedger constructs a Postgres-backed ledger.
func NewPostgresLedger(db *pgxpool.Pool, rates money.RateProvider) *PostgresLedger {
	if rates == nil {
		rates = money.StaticRates{}
	}
	return &PostgresLedger{db: db, rates: rates}
}

type lockedWallet struct {
	Available int64
	Held      int64
	Total     int64
	Status    string
	Currency  string
}

func (w lockedWallet) balance() Balance {
	return Balance{Available: w.Available, Held: w.Held, Total: w.Total}
}

// CreateWallet inserts a wallet row with zero balances.
func (l *PostgresLedger) CreateWallet(ctx context.Context, w Wallet) error {
	status := w.Status
	if status == "" {
		status = WalletStatusActive
	}
	createdAt := w.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err := l.db.Exec(ctx, `INSERT INTO wallets (id, owner_agent_id, currency, status, available, held, total, created_at)
        VALUES ($1, $2, $3, $4, 0, 0, 0, $5)`, w.ID, w.OwnerAgentID, w.Currency, status, createdAt)
	return err
}

// DisableWallet marks a wallet closed. The row is retained for audit.
func (l *PostgresLedger) DisableWallet(ctx context.Context, walletID string) error {
	tag, err := l.db.Exec(ctx, `UPDATE wallets SET status = $1 WHERE id = $2`, WalletStatusDisabled, walletID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrWalletNotFound
	}
	return nil
}

// GetWallet fetches wallet metadata.
func (l *PostgresLedger) GetWallet(ctx context.Context, walletID string) (Wallet, error) {
	row := l.db.QueryRow(ctx, `SELECT id, owner_agent_id, currency, status, created_at FROM wallets WHERE id = $1`, walletID)
	var w Wallet
	if err := row.Scan(&w.ID, &w.OwnerAgentID, &w.Currency, &w.Status, &w.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrWalletNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

// WalletsByOwner lists all wallets owned by an agent.
func (l *PostgresLedger) WalletsByOwner(ctx context.Context, agentID string) ([]Wallet, error) {
	rows, err := l.db.Query(ctx, `SELECT id, owner_agent_id, currency, status, created_at
        FROM wallets WHERE owner_agent_id = $1 ORDER BY id`, agentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		var w Wallet
		if err := rows.Scan(&w.ID, &w.OwnerAgentID, &w.Currency, &w.Status, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// Balance returns the projected balances for a wallet.
func (l *PostgresLedger) Balance(ctx context.Context, walletID string) (Balance, error) {
	row := l.db.QueryRow(ctx, `SELECT available, held, total FROM wallets WHERE id = $1`, walletID)
	var b Balance
	if err := row.Scan(&b.Available, &b.Held, &b.Total); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Balance{}, ErrWalletNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func (l *PostgresLedger) Hold(ctx context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.single(ctx, walletID, amount, opKey, txID, EntryHold)
}

func (l *PostgresLedger) Release(ctx context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.single(ctx, walletID, amount, opKey, txID, EntryRelease)
}

func (l *PostgresLedger) Debit(ctx context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.single(ctx, walletID, amount, opKey, txID, EntryDebit)
}

func (l *PostgresLedger) Credit(ctx context.Context, walletID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.single(ctx, walletID, amount, opKey, txID, EntryCredit)
}

func (l *PostgresLedger) Transfer(ctx context.Context, fromID, toID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.pair(ctx, fromID, toID, amount, opKey, txID, true)
}

func (l *PostgresLedger) TransferHeld(ctx context.Context, fromID, toID string, amount int64, opKey, txID string) (OperationResult, error) {
	return l.pair(ctx, fromID, toID, amount, opKey, txID, false)
}

// Entries returns the entry stream for a wallet, oldest first.
func (l *PostgresLedger) Entries(ctx context.Context, walletID string) ([]Entry, error) {
	rows, err := l.db.Query(ctx, `SELECT id, wallet_id, amount, kind, operation_key, transaction_id, caused_by, created_at
        FROM ledger_entries WHERE wallet_id = $1 ORDER BY created_at, id`, walletID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.WalletID, &e.Amount, &e.Kind, &e.OperationKey, &e.TransactionID, &e.CausedBy, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (l *PostgresLedger) single(ctx context.Context, walletID string, amount int64, opKey, txID, kind string) (OperationResult, error) {
	if amount <= 0 {
		return OperationResult{}, fmt.Errorf("amount must be positive")
	}
	if opKey == "" {
		return OperationResult{}, fmt.Errorf("operation key is required")
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return OperationResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if res, dup, err := existingOperation(ctx, tx, opKey); err != nil {
		return OperationResult{}, err
	} else if dup {
		return res, ErrDuplicateOperation
	}

	w, err := lockWallet(ctx, tx, walletID)
	if err != nil {
		return OperationResult{}, err
	}
	if w.Status != WalletStatusActive {
		return OperationResult{}, ErrWalletDisabled
	}

	switch kind {
	case EntryHold:
		if w.Available < amount {
			return OperationResult{}, ErrInsufficientFunds
		}
		w.Available -= amount
		w.Held += amount
	case EntryRelease:
		if w.Held < amount {
			return OperationResult{}, ErrInsufficientHeld
		}
		w.Held -= amount
		w.Available += amount
	case EntryDebit:
		if w.Available < amount {
			return OperationResult{}, ErrInsufficientFunds
		}
		w.Available -= amount
		w.Total -= amount
	case EntryCredit:
		w.Available += amount
		w.Total += amount
	}

	if err := updateBalances(ctx, tx, walletID, w); err != nil {
		return OperationResult{}, err
	}
	if err := insertEntry(ctx, tx, walletID, amount, kind, opKey, txID); err != nil {
		return OperationResult{}, err
	}

	res := OperationResult{OperationKey: opKey, Amount: amount, From: w.balance()}
	if err := insertOperation(ctx, tx, res); err != nil {
		return OperationResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return OperationResult{}, err
	}
	return res, nil
}

func (l *PostgresLedger) pair(ctx context.Context, fromID, toID string, amount int64, opKey, txID string, fromAvailable bool) (OperationResult, error) {
	if amount <= 0 {
		return OperationResult{}, fmt.Errorf("amount must be positive")
	}
	if opKey == "" {
		return OperationResult{}, fmt.Errorf("operation key is required")
	}
	if fromID == toID {
		return OperationResult{}, fmt.Errorf("transfer requires distinct wallets")
	}

	tx, err := l.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return OperationResult{}, err
	}
	defer tx.Rollback(ctx) // nolint:errcheck

	if res, dup, err := existingOperation(ctx, tx, opKey); err != nil {
		return OperationResult{}, err
	} else if dup {
		return res, ErrDuplicateOperation
	}

	// Canonical lock order: lexicographic wallet id.
	ids := []string{fromID, toID}
	if toID < fromID {
		ids[0], ids[1] = toID, fromID
	}
	locked := make(map[string]lockedWallet, 2)
	for _, id := range ids {
		w, err := lockWallet(ctx, tx, id)
		if err != nil {
			return OperationResult{}, err
		}
		locked[id] = w
	}
	from, to := locked[fromID], locked[toID]
	if from.Status != WalletStatusActive || to.Status != WalletStatusActive {
		return OperationResult{}, ErrWalletDisabled
	}

	credited := amount
	if from.Currency != to.Currency {
		rate, err := l.rates.Rate(from.Currency, to.Currency)
		if err != nil {
			return OperationResult{}, err
		}
		credited = money.Convert(amount, rate)
	}

	if fromAvailable {
		if from.Available < amount {
			return OperationResult{}, ErrInsufficientFunds
		}
		from.Available -= amount
		from.Total -= amount
	} else {
		if from.Held < amount {
			return OperationResult{}, ErrInsufficientHeld
		}
		from.Held -= amount
		from.Total -= amount
	}
	to.Available += credited
	to.Total += credited

	if err := updateBalances(ctx, tx, fromID, from); err != nil {
		return OperationResult{}, err
	}
	if err := updateBalances(ctx, tx, toID, to); err != nil {
		return OperationResult{}, err
	}
	if err := insertEntry(ctx, tx, fromID, amount, EntryDebit, opKey, txID); err != nil {
		return OperationResult{}, err
	}
	if err := insertEntry(ctx, tx, toID, credited, EntryCredit, opKey, txID); err != nil {
		return OperationResult{}, err
	}

	res := OperationResult{
		OperationKey: opKey,
		Amount:       amount,
		Converted:    credited,
		From:         from.balance(),
		To:           to.balance(),
	}
	if err := insertOperation(ctx, tx, res); err != nil {
		return OperationResult{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return OperationResult{}, err
	}
	return res, nil
}

func lockWallet(ctx context.Context, tx pgx.Tx, walletID string) (lockedWallet, error) {
	const query = `SELECT available, held, total, status, currency FROM wallets WHERE id = $1 FOR UPDATE`
	var w lockedWallet
	if err := tx.QueryRow(ctx, query, walletID).Scan(&w.Available, &w.Held, &w.Total, &w.Status, &w.Currency); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return lockedWallet{}, ErrWalletNotFound
		}
		return lockedWallet{}, err
	}
	return w, nil
}

func updateBalances(ctx context.Context, tx pgx.Tx, walletID string, w lockedWallet) error {
	_, err := tx.Exec(ctx, `UPDATE wallets SET available = $1, held = $2, total = $3 WHERE id = $4`,
		w.Available, w.Held, w.Total, walletID)
	return err
}

func insertEntry(ctx context.Context, tx pgx.Tx, walletID string, amount int64, kind, opKey, txID string) error {
	_, err := tx.Exec(ctx, `INSERT INTO ledger_entries (id, wallet_id, amount, kind, operation_key, transaction_id, caused_by, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		uuid.New(), walletID, amount, kind, opKey, txID, opKey, time.Now().UTC())
	return err
}

func existingOperation(ctx context.Context, tx pgx.Tx, opKey string) (OperationResult, bool, error) {
	const query = `SELECT op_key, amount, converted,
        from_available, from_held, from_total,
        to_available, to_held, to_total
        FROM ledger_operations WHERE op_key = $1`
	var res OperationResult
	err := tx.QueryRow(ctx, query, opKey).Scan(&res.OperationKey, &res.Amount, &res.Converted,
		&res.From.Available, &res.From.Held, &res.From.Total,
		&res.To.Available, &res.To.Held, &res.To.Total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return OperationResult{}, false, nil
		}
		return OperationResult{}, false, err
	}
	return res, true, nil
}

func insertOperation(ctx context.Context, tx pgx.Tx, res OperationResult) error {
	_, err := tx.Exec(ctx, `INSERT INTO ledger_operations (op_key, amount, converted,
        from_available, from_held, from_total, to_available, to_held, to_total, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		res.OperationKey, res.Amount, res.Converted,
		res.From.Available, res.From.Held, res.From.Total,
		res.To.Available, res.To.Held, res.To.Total, time.Now().UTC())
	return err
}
