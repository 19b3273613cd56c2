// Package actors hosts the concurrent marketplace population for the stress
// harness. Every actor drives the real lifecycle engine; expected contention
// outcomes (slot taken, stale version, illegal transition) are swallowed and
// anything else surfaces as an actor failure.
package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"errandflow/dispute"
	"errandflow/errand"
	"errandflow/exclusivity"
)

// expected reports whether err is a normal contention or sequencing outcome.
func expected(err error) bool {
	return errors.Is(err, errand.ErrAlreadyActive) ||
		errors.Is(err, errand.ErrInvalidTransition) ||
		errors.Is(err, errand.ErrConflict) ||
		errors.Is(err, errand.ErrValidation) ||
		errors.Is(err, errand.ErrNotFound) ||
		errors.Is(err, dispute.ErrAlreadyOpen) ||
		errors.Is(err, dispute.ErrNoOpenCase)
}

// Poster keeps the board stocked with fresh requests from one student.
func Poster(ctx context.Context, eng *errand.Engine, studentID string, stop <-chan struct{}) error {
	student := errand.Actor{ID: studentID, Role: errand.RoleStudent}
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, err := eng.CreateRequest(ctx, student, errand.Payload{
			Details:         fmt.Sprintf("Stress errand %d", i),
			PickupLocation:  "Canteen",
			DropoffLocation: "Dorm",
			Price:           int64(10 + rand.Intn(90)),
		})
		if err != nil && !expected(err) && ctx.Err() == nil {
			// connection churn from chaos is survivable, keep going
			time.Sleep(50 * time.Millisecond)
		}
		time.Sleep(time.Duration(40+rand.Intn(80)) * time.Millisecond)
	}
}

// Applicant grabs a random open request and applies. At most one application
// per runner may ever be active; losses are the expected outcome here.
func Applicant(ctx context.Context, eng *errand.Engine, pool *pgxpool.Pool, runnerID string, stop <-chan struct{}) error {
	runner := errand.Actor{ID: runnerID, Role: errand.RoleRunner}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var requestID string
		err := pool.QueryRow(ctx,
			`SELECT id FROM errand_requests WHERE status = 'requested' ORDER BY random() LIMIT 1`,
		).Scan(&requestID)
		if err == nil {
			if _, err := eng.Apply(ctx, runner, requestID); err != nil && !expected(err) && ctx.Err() == nil {
				time.Sleep(50 * time.Millisecond)
			}
		} else if !errors.Is(err, pgx.ErrNoRows) && ctx.Err() == nil {
			time.Sleep(50 * time.Millisecond)
		}
		time.Sleep(time.Duration(20+rand.Intn(60)) * time.Millisecond)
	}
}

// Progressor advances in-flight requests one leg at a time, playing whichever
// actor the current state requires.
func Progressor(ctx context.Context, eng *errand.Engine, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var (
			requestID   string
			requesterID string
			runnerID    *string
			status      string
		)
		err := pool.QueryRow(ctx, `
			SELECT id, requester_id, runner_id, status FROM errand_requests
			WHERE status IN ('applied', 'accepted', 'purchasing', 'delivering', 'delivered')
			ORDER BY random() LIMIT 1
		`).Scan(&requestID, &requesterID, &runnerID, &status)
		if err != nil || runnerID == nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}

		student := errand.Actor{ID: requesterID, Role: errand.RoleStudent}
		runner := errand.Actor{ID: *runnerID, Role: errand.RoleRunner}

		switch errand.Status(status) {
		case errand.StatusApplied:
			_, err = eng.Accept(ctx, student, requestID, *runnerID)
		case errand.StatusAccepted:
			_, err = eng.StartPurchasing(ctx, runner, requestID)
		case errand.StatusPurchasing:
			_, err = eng.StartDelivering(ctx, runner, requestID)
		case errand.StatusDelivering:
			_, err = eng.SubmitProof(ctx, runner, requestID, fmt.Sprintf("photos/%s.jpg", requestID))
		case errand.StatusDelivered:
			_, err = eng.Confirm(ctx, student, requestID)
		}
		if err != nil && !expected(err) && ctx.Err() == nil {
			time.Sleep(50 * time.Millisecond)
		}
		time.Sleep(time.Duration(15+rand.Intn(45)) * time.Millisecond)
	}
}

// Disputer contests a fraction of delivered requests on behalf of their requesters.
func Disputer(ctx context.Context, resolver *dispute.Resolver, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var requestID, requesterID string
		err := pool.QueryRow(ctx,
			`SELECT id, requester_id FROM errand_requests WHERE status = 'delivered' ORDER BY random() LIMIT 1`,
		).Scan(&requestID, &requesterID)
		if err == nil && rand.Intn(3) == 0 {
			student := errand.Actor{ID: requesterID, Role: errand.RoleStudent}
			if _, err := resolver.Open(ctx, student, requestID, "Item did not match the order"); err != nil && !expected(err) && ctx.Err() == nil {
				time.Sleep(50 * time.Millisecond)
			}
		}
		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// Arbiter settles open disputes with a random outcome.
func Arbiter(ctx context.Context, resolver *dispute.Resolver, pool *pgxpool.Pool, stop <-chan struct{}) error {
	outcomes := []dispute.Outcome{dispute.OutcomeRelease, dispute.OutcomeConfirm}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		var requestID string
		err := pool.QueryRow(ctx,
			`SELECT request_id FROM disputes WHERE status = 'open' ORDER BY random() LIMIT 1`,
		).Scan(&requestID)
		if err == nil {
			if _, err := resolver.Resolve(ctx, requestID, outcomes[rand.Intn(len(outcomes))]); err != nil && !expected(err) && ctx.Err() == nil {
				time.Sleep(50 * time.Millisecond)
			}
		}
		time.Sleep(time.Duration(150+rand.Intn(150)) * time.Millisecond)
	}
}

// OutboxWorker consumes pending outbox messages with SKIP LOCKED and marks
// them processed, simulating the occasional delivery failure.
func OutboxWorker(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		tx, err := pool.Begin(ctx)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		rows, err := tx.Query(ctx, `SELECT id FROM outbox WHERE status='pending' ORDER BY created_at FOR UPDATE SKIP LOCKED LIMIT 10`)
		if err != nil {
			_ = tx.Rollback(ctx)
			time.Sleep(50 * time.Millisecond)
			continue
		}
		ids := make([]string, 0, 10)
		for rows.Next() {
			var id string
			_ = rows.Scan(&id)
			ids = append(ids, id)
		}
		rows.Close()
		for _, id := range ids {
			if rand.Intn(10) == 0 {
				_, _ = tx.Exec(ctx, `UPDATE outbox SET attempts=attempts+1 WHERE id=$1`, id)
				continue
			}
			_, _ = tx.Exec(ctx, `UPDATE outbox SET status='processed' WHERE id=$1`, id)
		}
		_ = tx.Commit(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}

// Reconciler periodically rebuilds the exclusivity table from request rows.
// In a healthy run every pass is a no-op; repairs mean the engine leaked.
func Reconciler(ctx context.Context, tracker *exclusivity.Tracker, repaired *int64, stop <-chan struct{}) error {
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		case <-ticker.C:
			n, err := tracker.Reconcile(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			if n > 0 {
				atomic.AddInt64(repaired, n)
			}
		}
	}
}
