// Package exclusivity enforces the one-active-job-per-runner rule. The
// runner_active_jobs table is a derived index over errand_requests: a row
// exists for a runner exactly while some non-terminal request references them.
// The lifecycle engine keeps it consistent transactionally; Reconcile rebuilds
// it from the source of truth in case the two ever drift.
package exclusivity

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Tracker struct {
	pool *pgxpool.Pool
}

func NewTracker(pool *pgxpool.Pool) *Tracker {
	return &Tracker{pool: pool}
}

// TryAcquire atomically seats the runner on the request. It returns false
// without error when the runner already holds a job; contention is a
// user-facing outcome, not a fault.
func (t *Tracker) TryAcquire(ctx context.Context, tx pgx.Tx, runnerID, requestID string) (bool, error) {
	const query = `
		INSERT INTO runner_active_jobs (runner_id, request_id)
		VALUES ($1, $2)
		ON CONFLICT (runner_id) DO NOTHING
	`
	tag, err := tx.Exec(ctx, query, runnerID, requestID)
	if err != nil {
		return false, fmt.Errorf("exclusivity: acquire: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// Release frees the runner's slot for the given request. Releasing a slot that
// is absent or held for a different request is a no-op: normal completion and
// dispute resolution may race to release.
func (t *Tracker) Release(ctx context.Context, tx pgx.Tx, runnerID, requestID string) error {
	const query = `DELETE FROM runner_active_jobs WHERE runner_id = $1 AND request_id = $2`
	if _, err := tx.Exec(ctx, query, runnerID, requestID); err != nil {
		return fmt.Errorf("exclusivity: release: %w", err)
	}
	return nil
}

// Peek returns the request the runner is currently seated on, or nil.
func (t *Tracker) Peek(ctx context.Context, runnerID string) (*string, error) {
	const query = `SELECT request_id FROM runner_active_jobs WHERE runner_id = $1`

	var requestID string
	err := t.pool.QueryRow(ctx, query, runnerID).Scan(&requestID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("exclusivity: peek: %w", err)
	}
	return &requestID, nil
}

// Reconcile rebuilds the tracker from errand_requests ground truth and returns
// how many rows it had to repair. Run at startup; the incremental updates the
// engine performs should make this a no-op, and any repair indicates a bug or
// a crash between writes that this pass has now healed.
func (t *Tracker) Reconcile(ctx context.Context) (int64, error) {
	tx, err := t.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("exclusivity: begin reconcile: %w", err)
	}
	defer tx.Rollback(ctx)

	const stale = `
		DELETE FROM runner_active_jobs j
		WHERE NOT EXISTS (
			SELECT 1 FROM errand_requests r
			WHERE r.id = j.request_id
			  AND r.runner_id = j.runner_id
			  AND r.status IN ('applied', 'accepted', 'purchasing', 'delivering', 'delivered', 'disputed')
		)
	`
	removed, err := tx.Exec(ctx, stale)
	if err != nil {
		return 0, fmt.Errorf("exclusivity: remove stale locks: %w", err)
	}

	const missing = `
		INSERT INTO runner_active_jobs (runner_id, request_id)
		SELECT r.runner_id, r.id
		FROM errand_requests r
		WHERE r.runner_id IS NOT NULL
		  AND r.status IN ('applied', 'accepted', 'purchasing', 'delivering', 'delivered', 'disputed')
		ON CONFLICT (runner_id) DO NOTHING
	`
	added, err := tx.Exec(ctx, missing)
	if err != nil {
		return 0, fmt.Errorf("exclusivity: restore missing locks: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("exclusivity: commit reconcile: %w", err)
	}
	return removed.RowsAffected() + added.RowsAffected(), nil
}
