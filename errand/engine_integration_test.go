package errand

import (
	"errors"
	"sync"
	"testing"

	"errandflow/exclusivity"
)

// TestEngine_Lifecycle_Integration walks one errand through the full happy
// path plus a dispute, checking the exclusivity slot at every hinge point.
func TestEngine_Lifecycle_Integration(t *testing.T) {
	ctx, pool := integrationPool(t)

	store := NewStore(pool)
	tracker := exclusivity.NewTracker(pool)
	eng := NewEngine(pool, store, tracker)

	studentID := seedUser(ctx, t, pool, "student")
	runnerAID := seedUser(ctx, t, pool, "runner")
	runnerBID := seedUser(ctx, t, pool, "runner")

	student := Actor{ID: studentID, Role: RoleStudent}
	runnerA := Actor{ID: runnerAID, Role: RoleRunner}
	runnerB := Actor{ID: runnerBID, Role: RoleRunner}

	r1, err := eng.CreateRequest(ctx, student, Payload{
		Details: "Burger", PickupLocation: "Canteen", DropoffLocation: "Dorm 4", Price: 100,
	})
	if err != nil {
		t.Fatalf("create r1: %v", err)
	}
	r2, err := eng.CreateRequest(ctx, student, Payload{
		Details: "Print handouts", PickupLocation: "Copy shop", DropoffLocation: "Lecture hall B", Price: 40,
	})
	if err != nil {
		t.Fatalf("create r2: %v", err)
	}
	registerCleanup(ctx, t, pool, []string{r1.ID, r2.ID}, []string{studentID, runnerAID, runnerBID})

	// Runner A takes r1 and is now blocked from everything else.
	if _, err := eng.Apply(ctx, runnerA, r1.ID); err != nil {
		t.Fatalf("apply r1: %v", err)
	}
	if held, err := tracker.Peek(ctx, runnerAID); err != nil || held == nil || *held != r1.ID {
		t.Fatalf("expected runner A to hold r1, got %v (%v)", held, err)
	}
	if _, err := eng.Apply(ctx, runnerA, r2.ID); !errors.Is(err, ErrAlreadyActive) {
		t.Fatalf("expected ErrAlreadyActive on second apply, got %v", err)
	}

	// Runner B's slot is independent.
	if _, err := eng.Apply(ctx, runnerB, r2.ID); err != nil {
		t.Fatalf("runner B apply r2: %v", err)
	}

	// Drive r1 through the progress legs to delivered.
	if _, err := eng.Accept(ctx, student, r1.ID, runnerAID); err != nil {
		t.Fatalf("accept: %v", err)
	}
	if _, err := eng.StartPurchasing(ctx, runnerA, r1.ID); err != nil {
		t.Fatalf("purchasing: %v", err)
	}
	if _, err := eng.StartDelivering(ctx, runnerA, r1.ID); err != nil {
		t.Fatalf("delivering: %v", err)
	}
	delivered, err := eng.SubmitProof(ctx, runnerA, r1.ID, "photos/r1-handoff.jpg")
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	if delivered.ProofReference == nil || *delivered.ProofReference != "photos/r1-handoff.jpg" {
		t.Fatalf("proof reference not recorded: %+v", delivered)
	}

	// A dispute keeps the runner's slot held until resolution.
	disputed, err := eng.Transition(ctx, student, r1.ID, EventDispute,
		TransitionOptions{DisputeReason: "Order was cold"})
	if err != nil {
		t.Fatalf("dispute: %v", err)
	}
	if disputed.Status != StatusDisputed {
		t.Fatalf("expected disputed, got %s", disputed.Status)
	}
	if held, _ := tracker.Peek(ctx, runnerAID); held == nil || *held != r1.ID {
		t.Fatal("dispute must keep the exclusivity slot held")
	}

	// Resolution in the runner's disfavor frees the slot and unassigns them.
	resolved, err := eng.Transition(ctx, Actor{}, r1.ID, EventResolveRelease, TransitionOptions{})
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if resolved.Status != StatusResolvedReleased || resolved.RunnerID != nil {
		t.Fatalf("unexpected resolved state: %+v", resolved)
	}
	if held, _ := tracker.Peek(ctx, runnerAID); held != nil {
		t.Fatalf("expected slot free after resolution, still holds %s", *held)
	}

	// The freed runner can take new work immediately.
	r3, err := eng.CreateRequest(ctx, student, Payload{
		Details: "Coffee", PickupLocation: "Cafe", DropoffLocation: "Dorm 4", Price: 30,
	})
	if err != nil {
		t.Fatalf("create r3: %v", err)
	}
	registerCleanup(ctx, t, pool, []string{r3.ID}, nil)
	if _, err := eng.Apply(ctx, runnerA, r3.ID); err != nil {
		t.Fatalf("apply after release: %v", err)
	}

	// Timeline carries one event per committed transition on r1, gap-free.
	var count, maxSeq int
	if err := pool.QueryRow(ctx,
		`SELECT COUNT(*), COALESCE(MAX(seq), 0) FROM timeline_events WHERE request_id = $1`, r1.ID,
	).Scan(&count, &maxSeq); err != nil {
		t.Fatalf("verify timeline: %v", err)
	}
	if count != maxSeq {
		t.Fatalf("timeline has gaps: count=%d max seq=%d", count, maxSeq)
	}
	// posted, applied, accepted, purchasing, delivering, delivered, disputed, resolved
	if count != 8 {
		t.Fatalf("expected 8 timeline events for r1, got %d", count)
	}
}

// TestEngine_ConcurrentApply_Integration races one runner against their own
// exclusivity slot: of N simultaneous applications exactly one may win.
func TestEngine_ConcurrentApply_Integration(t *testing.T) {
	ctx, pool := integrationPool(t)

	store := NewStore(pool)
	tracker := exclusivity.NewTracker(pool)
	eng := NewEngine(pool, store, tracker)

	studentID := seedUser(ctx, t, pool, "student")
	runnerID := seedUser(ctx, t, pool, "runner")
	student := Actor{ID: studentID, Role: RoleStudent}
	runner := Actor{ID: runnerID, Role: RoleRunner}

	const n = 8
	requestIDs := make([]string, n)
	for i := range requestIDs {
		req, err := eng.CreateRequest(ctx, student, Payload{
			Details: "Race target", PickupLocation: "A", DropoffLocation: "B", Price: 10,
		})
		if err != nil {
			t.Fatalf("create: %v", err)
		}
		requestIDs[i] = req.ID
	}
	registerCleanup(ctx, t, pool, requestIDs, []string{studentID, runnerID})

	var wg sync.WaitGroup
	results := make(chan error, n)
	for _, id := range requestIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := eng.Apply(ctx, runner, id)
			results <- err
		}(id)
	}
	wg.Wait()
	close(results)

	var wins, rejections int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyActive):
			rejections++
		default:
			t.Fatalf("unexpected apply error: %v", err)
		}
	}
	if wins != 1 || rejections != n-1 {
		t.Fatalf("expected exactly one winner, got wins=%d rejections=%d", wins, rejections)
	}

	var slots int
	if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM runner_active_jobs WHERE runner_id = $1`, runnerID).Scan(&slots); err != nil {
		t.Fatalf("count slots: %v", err)
	}
	if slots != 1 {
		t.Fatalf("expected one slot row, got %d", slots)
	}
}
