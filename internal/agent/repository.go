package agent

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound indicates the agent does not exist in the directory.
var ErrNotFound = errors.New("agent not found")

// Repository persists agents.
type Repository interface {
	Create(ctx context.Context, a Agent) error
	FindByID(ctx context.Context, id string) (Agent, error)
	FindByDID(ctx context.Context, did string) (Agent, error)
	UpdateStatus(ctx context.Context, id, status string) error
}

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	db *pgxpool.Pool
}

// NewPostgresRepository builds a Postgres-backed agent repository.
func NewPostgresRepository(db *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create inserts a new agent.
func (r *PostgresRepository) Create(ctx context.Context, a Agent) error {
	_, err := r.db.Exec(ctx, `INSERT INTO agents (id, did, name, status, api_key_hash, public_key, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7)`, a.ID, a.DID, a.Name, a.Status, a.APIKeyHash, a.PublicKey, a.CreatedAt.UTC())
	return err
}

// FindByID fetches an agent by identifier.
func (r *PostgresRepository) FindByID(ctx context.Context, id string) (Agent, error) {
	return r.scan(r.db.QueryRow(ctx, `SELECT id, did, name, status, api_key_hash, public_key, created_at
        FROM agents WHERE id = $1`, id))
}

// FindByDID fetches an agent by DID.
func (r *PostgresRepository) FindByDID(ctx context.Context, did string) (Agent, error) {
	return r.scan(r.db.QueryRow(ctx, `SELECT id, did, name, status, api_key_hash, public_key, created_at
        FROM agents WHERE did = $1`, did))
}

// UpdateStatus changes the agent's directory status.
func (r *PostgresRepository) UpdateStatus(ctx context.Context, id, status string) error {
	cmd, err := r.db.Exec(ctx, `UPDATE agents SET status = $1 WHERE id = $2`, status, id)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresRepository) scan(row pgx.Row) (Agent, error) {
	var a Agent
	if err := row.Scan(&a.ID, &a.DID, &a.Name, &a.Status, &a.APIKeyHash, &a.PublicKey, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Agent{}, ErrNotFound
		}
		return Agent{}, err
	}
	a.CreatedAt = a.CreatedAt.UTC()
	return a, nil
}
