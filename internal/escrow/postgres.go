package escrow

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists escrows and disputes in PostgreSQL.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore builds a Postgres-backed escrow store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts an escrow row. Conditions are stored as jsonb.
func (s *PostgresStore) Create(ctx context.Context, e Escrow) error {
	conditions, err := json.Marshal(e.Conditions)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO escrows (id, transaction_id, sender_agent_id, receiver_agent_id,
        sender_wallet_id, receiver_wallet_id, amount, currency, funded_amount, released_amount,
        refunded_amount, funding_op_keys, conditions, status, expires_at, created_at, updated_at, archived)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		e.ID, e.TransactionID, e.SenderAgentID, e.ReceiverAgentID,
		e.SenderWalletID, e.ReceiverWalletID, e.Amount, e.Currency, e.FundedAmount, e.ReleasedAmount,
		e.RefundedAmount, e.FundingOpKeys, conditions, e.Status, nullable(e.ExpiresAt), e.CreatedAt, e.UpdatedAt, e.Archived)
	return err
}

// Get fetches an escrow by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Escrow, error) {
	return s.scan(s.db.QueryRow(ctx, `SELECT id, transaction_id, sender_agent_id, receiver_agent_id,
        sender_wallet_id, receiver_wallet_id, amount, currency, funded_amount, released_amount,
        refunded_amount, funding_op_keys, conditions, status, expires_at, created_at, updated_at, archived
        FROM escrows WHERE id = $1`, id))
}

// Update rewrites the escrow row.
func (s *PostgresStore) Update(ctx context.Context, e Escrow) error {
	cmd, err := s.db.Exec(ctx, `UPDATE escrows SET funded_amount = $1, released_amount = $2,
        refunded_amount = $3, funding_op_keys = $4, status = $5, updated_at = $6, archived = $7 WHERE id = $8`,
		e.FundedAmount, e.ReleasedAmount, e.RefundedAmount, e.FundingOpKeys, e.Status, e.UpdatedAt, e.Archived, e.ID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListExpirable returns created escrows whose expiry has passed.
func (s *PostgresStore) ListExpirable(ctx context.Context, now time.Time) ([]Escrow, error) {
	rows, err := s.db.Query(ctx, `SELECT id, transaction_id, sender_agent_id, receiver_agent_id,
        sender_wallet_id, receiver_wallet_id, amount, currency, funded_amount, released_amount,
        refunded_amount, funding_op_keys, conditions, status, expires_at, created_at, updated_at, archived
        FROM escrows WHERE status = $1 AND expires_at IS NOT NULL AND expires_at < $2 ORDER BY id`,
		StatusCreated, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Escrow
	for rows.Next() {
		e, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// CreateDispute inserts a dispute row.
func (s *PostgresStore) CreateDispute(ctx context.Context, d Dispute) error {
	_, err := s.db.Exec(ctx, `INSERT INTO escrow_disputes (id, escrow_id, raised_by, reason, evidence,
        method, status, resolution, alloc_sender, alloc_receiver, created_at, resolved_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.EscrowID, d.RaisedBy, d.Reason, d.Evidence,
		d.Method, d.Status, d.Resolution, d.Allocation.Sender, d.Allocation.Receiver,
		d.CreatedAt, nullable(d.ResolvedAt))
	return err
}

// DisputeFor fetches the dispute raised against an escrow.
func (s *PostgresStore) DisputeFor(ctx context.Context, escrowID string) (Dispute, error) {
	row := s.db.QueryRow(ctx, `SELECT id, escrow_id, raised_by, reason, evidence, method, status,
        resolution, alloc_sender, alloc_receiver, created_at, resolved_at
        FROM escrow_disputes WHERE escrow_id = $1`, escrowID)
	var d Dispute
	var resolvedAt *time.Time
	if err := row.Scan(&d.ID, &d.EscrowID, &d.RaisedBy, &d.Reason, &d.Evidence, &d.Method, &d.Status,
		&d.Resolution, &d.Allocation.Sender, &d.Allocation.Receiver, &d.CreatedAt, &resolvedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Dispute{}, ErrNoDispute
		}
		return Dispute{}, err
	}
	if resolvedAt != nil {
		d.ResolvedAt = resolvedAt.UTC()
	}
	return d, nil
}

// UpdateDispute rewrites the dispute row.
func (s *PostgresStore) UpdateDispute(ctx context.Context, d Dispute) error {
	cmd, err := s.db.Exec(ctx, `UPDATE escrow_disputes SET status = $1, resolution = $2,
        alloc_sender = $3, alloc_receiver = $4, resolved_at = $5 WHERE id = $6`,
		d.Status, d.Resolution, d.Allocation.Sender, d.Allocation.Receiver, nullable(d.ResolvedAt), d.ID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNoDispute
	}
	return nil
}

func (s *PostgresStore) scan(row pgx.Row) (Escrow, error) {
	var e Escrow
	var expiresAt *time.Time
	var conditions []byte
	if err := row.Scan(&e.ID, &e.TransactionID, &e.SenderAgentID, &e.ReceiverAgentID,
		&e.SenderWalletID, &e.ReceiverWalletID, &e.Amount, &e.Currency, &e.FundedAmount, &e.ReleasedAmount,
		&e.RefundedAmount, &e.FundingOpKeys, &conditions, &e.Status, &expiresAt, &e.CreatedAt, &e.UpdatedAt, &e.Archived); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Escrow{}, ErrNotFound
		}
		return Escrow{}, err
	}
	if len(conditions) > 0 {
		if err := json.Unmarshal(conditions, &e.Conditions); err != nil {
			return Escrow{}, err
		}
	}
	if expiresAt != nil {
		e.ExpiresAt = expiresAt.UTC()
	}
	return e, nil
}

func nullable(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
