package saga

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists sagas, step logs and audit records in PostgreSQL.
// The request and applied-op list are stored as jsonb; steps are an
// append-only table ordered by insertion.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore builds a Postgres-backed saga store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

// Create inserts the saga row.
func (s *PostgresStore) Create(ctx context.Context, sg Saga) error {
	request, ops, err := marshalSaga(sg)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `INSERT INTO sagas (id, request, status, fee, escrow_id, risk_score, decision,
        applied_ops, error_message, uncompensated_delta, created_at, updated_at, completed_at, failed_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		sg.ID, request, sg.Status, sg.Fee, sg.EscrowID, sg.RiskScore, sg.Decision,
		ops, sg.ErrorMessage, sg.UncompensatedDelta, sg.CreatedAt, sg.UpdatedAt,
		nullableTime(sg.CompletedAt), nullableTime(sg.FailedAt))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateSaga
	}
	return err
}

// Get fetches a saga by id.
func (s *PostgresStore) Get(ctx context.Context, id string) (Saga, error) {
	return s.scan(s.db.QueryRow(ctx, `SELECT id, request, status, fee, escrow_id, risk_score, decision,
        applied_ops, error_message, uncompensated_delta, created_at, updated_at, completed_at, failed_at
        FROM sagas WHERE id = $1`, id))
}

// Update rewrites the saga row.
func (s *PostgresStore) Update(ctx context.Context, sg Saga) error {
	request, ops, err := marshalSaga(sg)
	if err != nil {
		return err
	}
	cmd, err := s.db.Exec(ctx, `UPDATE sagas SET request = $1, status = $2, fee = $3, escrow_id = $4,
        risk_score = $5, decision = $6, applied_ops = $7, error_message = $8, uncompensated_delta = $9,
        updated_at = $10, completed_at = $11, failed_at = $12 WHERE id = $13`,
		request, sg.Status, sg.Fee, sg.EscrowID, sg.RiskScore, sg.Decision, ops,
		sg.ErrorMessage, sg.UncompensatedDelta, sg.UpdatedAt,
		nullableTime(sg.CompletedAt), nullableTime(sg.FailedAt), sg.ID)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendStep logs one step entry.
func (s *PostgresStore) AppendStep(ctx context.Context, sagaID string, step Step) error {
	_, err := s.db.Exec(ctx, `INSERT INTO saga_steps (saga_id, name, status, detail, started_at, finished_at, compensated_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		sagaID, step.Name, step.Status, step.Detail,
		nullableTime(step.StartedAt), nullableTime(step.FinishedAt), nullableTime(step.CompensatedAt))
	return err
}

// Steps returns the saga's step log in append order.
func (s *PostgresStore) Steps(ctx context.Context, sagaID string) ([]Step, error) {
	rows, err := s.db.Query(ctx, `SELECT name, status, detail, started_at, finished_at, compensated_at
        FROM saga_steps WHERE saga_id = $1 ORDER BY seq`, sagaID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Step
	for rows.Next() {
		var st Step
		var started, finished, compensated *time.Time
		if err := rows.Scan(&st.Name, &st.Status, &st.Detail, &started, &finished, &compensated); err != nil {
			return nil, err
		}
		if started != nil {
			st.StartedAt = started.UTC()
		}
		if finished != nil {
			st.FinishedAt = finished.UTC()
		}
		if compensated != nil {
			st.CompensatedAt = compensated.UTC()
		}
		out = append(out, st)
	}
	return out, rows.Err()
}

// ListIncomplete returns running sagas for the resume worker.
func (s *PostgresStore) ListIncomplete(ctx context.Context) ([]Saga, error) {
	return s.ListByStatus(ctx, StatusRunning)
}

// ListByStatus returns sagas in the given status, oldest first.
func (s *PostgresStore) ListByStatus(ctx context.Context, status string) ([]Saga, error) {
	rows, err := s.db.Query(ctx, `SELECT id, request, status, fee, escrow_id, risk_score, decision,
        applied_ops, error_message, uncompensated_delta, created_at, updated_at, completed_at, failed_at
        FROM sagas WHERE status = $1 ORDER BY created_at`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Saga
	for rows.Next() {
		sg, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sg)
	}
	return out, rows.Err()
}

func (s *PostgresStore) scan(row pgx.Row) (Saga, error) {
	var sg Saga
	var request, ops []byte
	var completedAt, failedAt *time.Time
	if err := row.Scan(&sg.ID, &request, &sg.Status, &sg.Fee, &sg.EscrowID, &sg.RiskScore, &sg.Decision,
		&ops, &sg.ErrorMessage, &sg.UncompensatedDelta, &sg.CreatedAt, &sg.UpdatedAt, &completedAt, &failedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Saga{}, ErrNotFound
		}
		return Saga{}, err
	}
	if err := json.Unmarshal(request, &sg.Request); err != nil {
		return Saga{}, err
	}
	if len(ops) > 0 {
		if err := json.Unmarshal(ops, &sg.AppliedOps); err != nil {
			return Saga{}, err
		}
	}
	if completedAt != nil {
		sg.CompletedAt = completedAt.UTC()
	}
	if failedAt != nil {
		sg.FailedAt = failedAt.UTC()
	}
	return sg, nil
}

func marshalSaga(sg Saga) (request, ops []byte, err error) {
	request, err = json.Marshal(sg.Request)
	if err != nil {
		return nil, nil, err
	}
	ops, err = json.Marshal(sg.AppliedOps)
	if err != nil {
		return nil, nil, err
	}
	return request, ops, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

// PostgresAuditLog writes payment audit records to PostgreSQL.
type PostgresAuditLog struct {
	db *pgxpool.Pool
}

// NewPostgresAuditLog builds a Postgres-backed audit log.
func NewPostgresAuditLog(db *pgxpool.Pool) *PostgresAuditLog {
	return &PostgresAuditLog{db: db}
}

// Record inserts the audit record.
func (l *PostgresAuditLog) Record(ctx context.Context, rec AuditRecord) error {
	_, err := l.db.Exec(ctx, `INSERT INTO payment_audit (transaction_id, from_agent_id, to_agent_id,
        amount, currency, fee, escrow_id, status, risk_score, decision, recorded_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        ON CONFLICT (transaction_id) DO UPDATE SET status = EXCLUDED.status,
        fee = EXCLUDED.fee, risk_score = EXCLUDED.risk_score, decision = EXCLUDED.decision,
        recorded_at = EXCLUDED.recorded_at`,
		rec.TransactionID, rec.FromAgentID, rec.ToAgentID, rec.Amount, rec.Currency, rec.Fee,
		rec.EscrowID, rec.Status, rec.RiskScore, rec.Decision, rec.RecordedAt)
	return err
}
