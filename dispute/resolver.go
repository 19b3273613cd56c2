package dispute

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"errandflow/errand"
)

// ErrInvalidOutcome signals an arbiter decision outside the two defined outcomes.
var ErrInvalidOutcome = errors.New("dispute: invalid outcome")

// Lifecycle is the slice of the engine the resolver drives.
type Lifecycle interface {
	Transition(ctx context.Context, actor errand.Actor, requestID string, event errand.Event, opts errand.TransitionOptions) (errand.Request, error)
}

// Resolver handles contested deliveries. Opening a dispute deliberately keeps
// the runner's exclusivity slot occupied; resolution, whichever outcome the
// arbiter picks, always frees it.
type Resolver struct {
	engine Lifecycle
	repo   *Repository
}

func NewResolver(engine Lifecycle, repo *Repository) *Resolver {
	return &Resolver{engine: engine, repo: repo}
}

// Open contests a delivered errand on behalf of its requester. The dispute
// record is written in the same transaction as the lifecycle transition.
func (s *Resolver) Open(ctx context.Context, actor errand.Actor, requestID, reason string) (errand.Request, error) {
	return s.engine.Transition(ctx, actor, requestID, errand.EventDispute, errand.TransitionOptions{
		DisputeReason: reason,
		InTx: func(ctx context.Context, tx pgx.Tx, req errand.Request) error {
			_, err := s.repo.Open(ctx, tx, req.ID, reason)
			return err
		},
	})
}

// Resolve applies the arbiter's decision. Resolution is triggered by the
// external arbitration capability, not a marketplace role.
func (s *Resolver) Resolve(ctx context.Context, requestID string, outcome Outcome) (errand.Request, error) {
	var event errand.Event
	switch outcome {
	case OutcomeRelease:
		event = errand.EventResolveRelease
	case OutcomeConfirm:
		event = errand.EventResolveConfirm
	default:
		return errand.Request{}, fmt.Errorf("%w: %q", ErrInvalidOutcome, outcome)
	}

	arbiter := errand.Actor{}
	return s.engine.Transition(ctx, arbiter, requestID, event, errand.TransitionOptions{
		InTx: func(ctx context.Context, tx pgx.Tx, req errand.Request) error {
			_, err := s.repo.MarkResolved(ctx, tx, req.ID, outcome)
			return err
		},
	})
}

// History returns the dispute records for a request, newest first.
func (s *Resolver) History(ctx context.Context, requestID string) ([]Record, error) {
	return s.repo.ListByRequest(ctx, requestID)
}
