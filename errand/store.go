package errand

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const requestColumns = `id, requester_id, runner_id, details, pickup_location, dropoff_location,
		price, status, proof_reference, dispute_reason, version, archived_at, created_at, updated_at`

// TransitionWrite enumerates the row changes a single lifecycle transition makes.
type TransitionWrite struct {
	RequestID      string
	ExpectVersion  int64
	Status         Status
	AssignRunnerID *string
	ClearRunner    bool
	ProofReference *string
	DisputeReason  *string
}

// Store is the data access the lifecycle engine and dispute resolver need.
// Methods taking a pgx.Tx are designed to run inside the caller's transaction
// so the request write, the exclusivity write, and the audit writes share one
// atomic boundary.
type Store interface {
	CreateTx(ctx context.Context, tx pgx.Tx, req Request) (Request, error)
	GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error)
	ApplyTransition(ctx context.Context, tx pgx.Tx, write TransitionWrite) (Request, error)
	Update(ctx context.Context, id string, mutate func(*Request) error) (Request, error)
	AppendTimeline(ctx context.Context, tx pgx.Tx, requestID, eventType string, actorID *string, payload map[string]any) error
	EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error
}

// PGStore implements Store backed by PostgreSQL.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

// CreateTx inserts a new request in requested state.
func (s *PGStore) CreateTx(ctx context.Context, tx pgx.Tx, req Request) (Request, error) {
	const query = `
		INSERT INTO errand_requests (id, requester_id, details, pickup_location, dropoff_location, price, status)
		VALUES (COALESCE(NULLIF($1, '')::uuid, gen_random_uuid()), $2, $3, $4, $5, $6, $7)
		RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, query,
		req.ID,
		req.RequesterID,
		req.Details,
		req.PickupLocation,
		req.DropoffLocation,
		req.Price,
		req.Status,
	)
	created, err := scanRequest(row)
	if err != nil {
		return Request{}, fmt.Errorf("errand: insert request: %w", err)
	}
	return created, nil
}

// Get fetches a request by id.
func (s *PGStore) Get(ctx context.Context, id string) (Request, error) {
	const query = `SELECT ` + requestColumns + ` FROM errand_requests WHERE id = $1`

	req, err := scanRequest(s.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("errand: get request: %w", err)
	}
	return req, nil
}

// GetForUpdate fetches a request inside tx with a row lock, serializing
// conflicting transitions on the same request.
func (s *PGStore) GetForUpdate(ctx context.Context, tx pgx.Tx, id string) (Request, error) {
	const query = `SELECT ` + requestColumns + ` FROM errand_requests WHERE id = $1 FOR UPDATE`

	req, err := scanRequest(tx.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrNotFound
		}
		return Request{}, fmt.Errorf("errand: get request for update: %w", err)
	}
	return req, nil
}

// ApplyTransition writes the new status guarded by the version the caller read.
// A concurrent writer that advanced the version first wins; the loser gets
// ErrConflict and must retry from a fresh read.
func (s *PGStore) ApplyTransition(ctx context.Context, tx pgx.Tx, write TransitionWrite) (Request, error) {
	const query = `
		UPDATE errand_requests
		SET status = $2,
		    runner_id = CASE WHEN $3 THEN NULL ELSE COALESCE($4::uuid, runner_id) END,
		    proof_reference = COALESCE($5, proof_reference),
		    dispute_reason = COALESCE($6, dispute_reason),
		    version = version + 1,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND version = $7
		RETURNING ` + requestColumns

	row := tx.QueryRow(ctx, query,
		write.RequestID,
		write.Status,
		write.ClearRunner,
		write.AssignRunnerID,
		write.ProofReference,
		write.DisputeReason,
		write.ExpectVersion,
	)
	req, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrConflict
		}
		return Request{}, fmt.Errorf("errand: apply transition: %w", err)
	}
	return req, nil
}

// Update applies an atomic read-modify-write of the student-editable payload.
// The mutator sees the current row and edits it in place; the write commits
// only if nobody advanced the version in between.
func (s *PGStore) Update(ctx context.Context, id string, mutate func(*Request) error) (Request, error) {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return Request{}, err
	}

	if err := mutate(&cur); err != nil {
		return Request{}, err
	}

	const query = `
		UPDATE errand_requests
		SET details = $2,
		    pickup_location = $3,
		    dropoff_location = $4,
		    price = $5,
		    version = version + 1,
		    updated_at = get_tx_timestamp()
		WHERE id = $1 AND version = $6
		RETURNING ` + requestColumns

	row := s.pool.QueryRow(ctx, query, id, cur.Details, cur.PickupLocation, cur.DropoffLocation, cur.Price, cur.Version)
	updated, err := scanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Request{}, ErrConflict
		}
		return Request{}, fmt.Errorf("errand: update request: %w", err)
	}
	return updated, nil
}

// ListByRequester returns a student's own requests, newest first.
func (s *PGStore) ListByRequester(ctx context.Context, requesterID string) ([]Request, error) {
	const query = `SELECT ` + requestColumns + `
		FROM errand_requests
		WHERE requester_id = $1 AND archived_at IS NULL
		ORDER BY created_at DESC`

	return s.list(ctx, query, requesterID)
}

// ListOpen returns every request still waiting for a runner, newest first.
func (s *PGStore) ListOpen(ctx context.Context) ([]Request, error) {
	const query = `SELECT ` + requestColumns + `
		FROM errand_requests
		WHERE status = 'requested' AND archived_at IS NULL
		ORDER BY created_at DESC`

	return s.list(ctx, query)
}

// ListByRunner returns the requests currently or previously assigned to a runner.
func (s *PGStore) ListByRunner(ctx context.Context, runnerID string) ([]Request, error) {
	const query = `SELECT ` + requestColumns + `
		FROM errand_requests
		WHERE runner_id = $1 AND archived_at IS NULL
		ORDER BY created_at DESC`

	return s.list(ctx, query, runnerID)
}

// Archive soft-deletes a request. Hard deletes are blocked at the database
// level to preserve the dispute audit trail.
func (s *PGStore) Archive(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE errand_requests
		SET archived_at = get_tx_timestamp()
		WHERE id = $1 AND archived_at IS NULL AND status IN ('confirmed', 'resolved_released', 'cancelled')
	`, id)
	if err != nil {
		return fmt.Errorf("errand: archive request: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendTimeline records an immutable business event for the request.
func (s *PGStore) AppendTimeline(ctx context.Context, tx pgx.Tx, requestID, eventType string, actorID *string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("errand: marshal timeline payload: %w", err)
	}

	var actor any
	if actorID != nil && *actorID != "" {
		actor = *actorID
	}

	const query = `INSERT INTO timeline_events (request_id, type, payload, actor_id) VALUES ($1, $2, $3::jsonb, $4::uuid)`
	if _, err := tx.Exec(ctx, query, requestID, eventType, body, actor); err != nil {
		return fmt.Errorf("errand: insert timeline event: %w", err)
	}
	return nil
}

// EnqueueOutbox writes a transactional outbox message for downstream delivery.
func (s *PGStore) EnqueueOutbox(ctx context.Context, tx pgx.Tx, topic string, payload map[string]any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("errand: marshal outbox payload: %w", err)
	}

	const query = `INSERT INTO outbox (topic, payload) VALUES ($1, $2::jsonb)`
	if _, err := tx.Exec(ctx, query, topic, body); err != nil {
		return fmt.Errorf("errand: enqueue outbox: %w", err)
	}
	return nil
}

func (s *PGStore) list(ctx context.Context, query string, args ...any) ([]Request, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("errand: list requests: %w", err)
	}
	defer rows.Close()

	out := make([]Request, 0, 8)
	for rows.Next() {
		req, err := scanRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("errand: scan request: %w", err)
		}
		out = append(out, req)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("errand: iterate requests: %w", err)
	}
	return out, nil
}

func scanRequest(row pgx.Row) (Request, error) {
	var req Request
	return req, row.Scan(
		&req.ID,
		&req.RequesterID,
		&req.RunnerID,
		&req.Details,
		&req.PickupLocation,
		&req.DropoffLocation,
		&req.Price,
		&req.Status,
		&req.ProofReference,
		&req.DisputeReason,
		&req.Version,
		&req.ArchivedAt,
		&req.CreatedAt,
		&req.UpdatedAt,
	)
}
