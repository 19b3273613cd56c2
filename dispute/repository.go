package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrNotFound    = errors.New("dispute: not found")
	ErrAlreadyOpen = errors.New("dispute: already open for request")
	ErrNoOpenCase  = errors.New("dispute: no open dispute for request")
)

const recordColumns = `id, request_id, reason, status::text, outcome, created_at, updated_at, resolved_at`

type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Open inserts the dispute record inside the caller's transaction, alongside
// the lifecycle transition that moved the request to disputed.
func (r *Repository) Open(ctx context.Context, tx pgx.Tx, requestID, reason string) (Record, error) {
	const query = `
		INSERT INTO disputes (request_id, reason, status)
		VALUES ($1, $2, 'open')
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query, requestID, reason))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrAlreadyOpen
		}
		return Record{}, fmt.Errorf("dispute: open: %w", err)
	}
	return rec, nil
}

// MarkResolved closes the open dispute for the request with the arbiter's
// outcome, inside the caller's transaction.
func (r *Repository) MarkResolved(ctx context.Context, tx pgx.Tx, requestID string, outcome Outcome) (Record, error) {
	const query = `
		UPDATE disputes
		SET status = 'resolved',
		    outcome = $2,
		    resolved_at = get_tx_timestamp(),
		    updated_at = get_tx_timestamp()
		WHERE request_id = $1 AND status = 'open'
		RETURNING ` + recordColumns

	rec, err := scanRecord(tx.QueryRow(ctx, query, requestID, string(outcome)))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNoOpenCase
		}
		return Record{}, fmt.Errorf("dispute: mark resolved: %w", err)
	}
	return rec, nil
}

// ListByRequest returns the dispute history of a request, newest first.
func (r *Repository) ListByRequest(ctx context.Context, requestID string) ([]Record, error) {
	const query = `SELECT ` + recordColumns + ` FROM disputes WHERE request_id = $1 ORDER BY created_at DESC`

	rows, err := r.pool.Query(ctx, query, requestID)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 4)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scanRecord(row pgx.Row) (Record, error) {
	var rec Record
	return rec, row.Scan(
		&rec.ID,
		&rec.RequestID,
		&rec.Reason,
		&rec.Status,
		&rec.Outcome,
		&rec.CreatedAt,
		&rec.UpdatedAt,
		&rec.ResolvedAt,
	)
}
