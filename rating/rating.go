// Package rating lets the two participants of a confirmed errand rate each
// other once. The ratee's aggregate score on the users table is maintained in
// the same transaction as the rating insert.
package rating

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"errandflow/errand"
)

var (
	ErrInvalidScore   = errors.New("rating: score must be between 1 and 5")
	ErrNotRateable    = errors.New("rating: request is not confirmed")
	ErrNotParticipant = errors.New("rating: actor did not take part in request")
	ErrDuplicate      = errors.New("rating: request already rated by actor")
	ErrNoCounterpart  = errors.New("rating: request has no assigned runner")
)

// Record mirrors the ratings table.
type Record struct {
	ID        string
	RequestID string
	RaterID   string
	RateeID   string
	Score     int
	Comment   *string
	CreatedAt time.Time
}

type Service struct {
	pool *pgxpool.Pool
}

func NewService(pool *pgxpool.Pool) *Service {
	return &Service{pool: pool}
}

// Rate records the actor's score for the other participant of a confirmed
// request and folds it into the ratee's aggregate.
func (s *Service) Rate(ctx context.Context, actor errand.Actor, requestID string, score int, comment string) (Record, error) {
	if score < 1 || score > 5 {
		return Record{}, ErrInvalidScore
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return Record{}, fmt.Errorf("rating: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var (
		requesterID string
		runnerID    *string
		status      string
	)
	err = tx.QueryRow(ctx, `
		SELECT requester_id, runner_id, status::text
		FROM errand_requests
		WHERE id = $1
		FOR UPDATE
	`, requestID).Scan(&requesterID, &runnerID, &status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, errand.ErrNotFound
		}
		return Record{}, fmt.Errorf("rating: load request: %w", err)
	}

	if status != string(errand.StatusConfirmed) {
		return Record{}, ErrNotRateable
	}
	if runnerID == nil {
		return Record{}, ErrNoCounterpart
	}

	var rateeID string
	switch actor.ID {
	case requesterID:
		rateeID = *runnerID
	case *runnerID:
		rateeID = requesterID
	default:
		return Record{}, ErrNotParticipant
	}

	var commentPtr *string
	if trimmed := strings.TrimSpace(comment); trimmed != "" {
		commentPtr = &trimmed
	}

	var rec Record
	err = tx.QueryRow(ctx, `
		INSERT INTO ratings (request_id, rater_id, ratee_id, score, comment)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, request_id, rater_id, ratee_id, score, comment, created_at
	`, requestID, actor.ID, rateeID, score, commentPtr).
		Scan(&rec.ID, &rec.RequestID, &rec.RaterID, &rec.RateeID, &rec.Score, &rec.Comment, &rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Record{}, ErrDuplicate
		}
		return Record{}, fmt.Errorf("rating: insert: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE users
		SET rating = ROUND((rating * rating_count + $2) / (rating_count + 1), 2),
		    rating_count = rating_count + 1,
		    updated_at = get_tx_timestamp()
		WHERE id = $1
	`, rateeID, score); err != nil {
		return Record{}, fmt.Errorf("rating: update aggregate: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Record{}, fmt.Errorf("rating: commit: %w", err)
	}
	return rec, nil
}

// ListForUser returns the ratings a user has received, newest first.
func (s *Service) ListForUser(ctx context.Context, userID string) ([]Record, error) {
	const query = `
		SELECT id, request_id, rater_id, ratee_id, score, comment, created_at
		FROM ratings
		WHERE ratee_id = $1
		ORDER BY created_at DESC
	`

	rows, err := s.pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("rating: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.RequestID, &rec.RaterID, &rec.RateeID, &rec.Score, &rec.Comment, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("rating: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rating: iterate: %w", err)
	}
	return out, nil
}
