package errand

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// TxBeginner abstracts pgxpool.Pool for testability.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Locks is the exclusivity tracker surface the engine drives. Both methods run
// inside the engine's transaction so the lock state can never drift from the
// request row it mirrors.
type Locks interface {
	TryAcquire(ctx context.Context, tx pgx.Tx, runnerID, requestID string) (bool, error)
	Release(ctx context.Context, tx pgx.Tx, runnerID, requestID string) error
}

// TransitionOptions carries the event-specific inputs of a transition.
type TransitionOptions struct {
	// ApplicantID names the runner a student is accepting.
	ApplicantID string
	// ProofReference is required on submit_proof.
	ProofReference string
	// DisputeReason is required on dispute.
	DisputeReason string
	// InTx, when set, runs inside the transition's transaction after the
	// request row is written. The dispute resolver uses it to keep its own
	// records consistent with the lifecycle write.
	InTx func(ctx context.Context, tx pgx.Tx, req Request) error
}

// Engine validates and applies lifecycle transitions. Every transition is one
// transaction covering the request row, the runner's exclusivity slot, a
// timeline event, and an outbox message.
type Engine struct {
	pool        TxBeginner
	store       Store
	locks       Locks
	idGenerator func() string
	now         func() time.Time
}

func NewEngine(pool TxBeginner, store Store, locks Locks) *Engine {
	return &Engine{
		pool:        pool,
		store:       store,
		locks:       locks,
		idGenerator: func() string { return uuid.NewString() },
		now:         time.Now,
	}
}

func (e *Engine) WithIDGenerator(gen func() string) *Engine {
	e.idGenerator = gen
	return e
}

func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// CreateRequest posts a new errand on behalf of a student.
func (e *Engine) CreateRequest(ctx context.Context, actor Actor, payload Payload) (Request, error) {
	if actor.Role != RoleStudent {
		return Request{}, ErrForbidden
	}
	if err := validatePayload(payload); err != nil {
		return Request{}, err
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("errand: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	created, err := e.store.CreateTx(ctx, tx, Request{
		ID:              e.idGenerator(),
		RequesterID:     actor.ID,
		Details:         payload.Details,
		PickupLocation:  payload.PickupLocation,
		DropoffLocation: payload.DropoffLocation,
		Price:           payload.Price,
		Status:          StatusRequested,
	})
	if err != nil {
		return Request{}, err
	}

	if err := e.store.AppendTimeline(ctx, tx, created.ID, "REQUEST_POSTED", &actor.ID, map[string]any{
		"requester_id": actor.ID,
		"price":        created.Price,
	}); err != nil {
		return Request{}, err
	}
	if err := e.store.EnqueueOutbox(ctx, tx, "errand.created", map[string]any{
		"request_id":   created.ID,
		"requester_id": actor.ID,
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("errand: commit create: %w", err)
	}
	return created, nil
}

// Apply expresses a runner's interest in an open request. The runner's
// exclusivity slot is acquired in the same transaction; a runner already
// holding a job is rejected with ErrAlreadyActive.
func (e *Engine) Apply(ctx context.Context, actor Actor, requestID string) (Request, error) {
	return e.Transition(ctx, actor, requestID, EventApply, TransitionOptions{})
}

// Accept grants the request to the runner who applied.
func (e *Engine) Accept(ctx context.Context, actor Actor, requestID, applicantID string) (Request, error) {
	return e.Transition(ctx, actor, requestID, EventAccept, TransitionOptions{ApplicantID: applicantID})
}

// StartPurchasing moves an accepted request into the purchasing leg.
func (e *Engine) StartPurchasing(ctx context.Context, actor Actor, requestID string) (Request, error) {
	return e.Transition(ctx, actor, requestID, EventStartPurchasing, TransitionOptions{})
}

// StartDelivering moves a purchasing request into the delivery leg.
func (e *Engine) StartDelivering(ctx context.Context, actor Actor, requestID string) (Request, error) {
	return e.Transition(ctx, actor, requestID, EventStartDelivering, TransitionOptions{})
}

// SubmitProof marks the errand delivered with a reference to the proof media.
func (e *Engine) SubmitProof(ctx context.Context, actor Actor, requestID, proofReference string) (Request, error) {
	return e.Transition(ctx, actor, requestID, EventSubmitProof, TransitionOptions{ProofReference: proofReference})
}

// Confirm closes a delivered errand successfully and frees the runner.
func (e *Engine) Confirm(ctx context.Context, actor Actor, requestID string) (Request, error) {
	return e.Transition(ctx, actor, requestID, EventConfirm, TransitionOptions{})
}

// Cancel withdraws a request that has not been accepted yet. Cancelling an
// applied request frees the applicant runner.
func (e *Engine) Cancel(ctx context.Context, actor Actor, requestID string) (Request, error) {
	return e.Transition(ctx, actor, requestID, EventCancel, TransitionOptions{})
}

// UpdateDetails edits the student-editable payload. Only legal while the
// request is still waiting for a runner.
func (e *Engine) UpdateDetails(ctx context.Context, actor Actor, requestID string, payload Payload) (Request, error) {
	if err := validatePayload(payload); err != nil {
		return Request{}, err
	}

	mutate := func(req *Request) error {
		if actor.Role != RoleStudent || req.RequesterID != actor.ID {
			return ErrForbidden
		}
		if req.Status != StatusRequested {
			return fmt.Errorf("%w: payload is frozen once a runner applies", ErrInvalidTransition)
		}
		req.Details = payload.Details
		req.PickupLocation = payload.PickupLocation
		req.DropoffLocation = payload.DropoffLocation
		req.Price = payload.Price
		return nil
	}

	updated, err := e.store.Update(ctx, requestID, mutate)
	if errors.Is(err, ErrConflict) {
		updated, err = e.store.Update(ctx, requestID, mutate)
	}
	return updated, err
}

// Transition dispatches one lifecycle event through the transition table.
// An optimistic-concurrency loss is retried once with fresh state.
func (e *Engine) Transition(ctx context.Context, actor Actor, requestID string, event Event, opts TransitionOptions) (Request, error) {
	req, err := e.transitionOnce(ctx, actor, requestID, event, opts)
	if errors.Is(err, ErrConflict) {
		req, err = e.transitionOnce(ctx, actor, requestID, event, opts)
	}
	return req, err
}

func (e *Engine) transitionOnce(ctx context.Context, actor Actor, requestID string, event Event, opts TransitionOptions) (Request, error) {
	if requestID == "" {
		return Request{}, fmt.Errorf("%w: missing request id", ErrValidation)
	}

	tx, err := e.pool.Begin(ctx)
	if err != nil {
		return Request{}, fmt.Errorf("errand: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	req, err := e.store.GetForUpdate(ctx, tx, requestID)
	if err != nil {
		return Request{}, err
	}

	rule, ok := RuleFor(req.Status, event)
	if !ok {
		return Request{}, fmt.Errorf("%w: %s from %s", ErrInvalidTransition, event, req.Status)
	}
	if err := rule.checkActor(actor, req); err != nil {
		return Request{}, err
	}

	write := TransitionWrite{
		RequestID:     req.ID,
		ExpectVersion: req.Version,
		Status:        rule.To,
		ClearRunner:   rule.clearsRunner(),
	}

	switch event {
	case EventApply:
		write.AssignRunnerID = &actor.ID
	case EventAccept:
		if opts.ApplicantID == "" {
			return Request{}, fmt.Errorf("%w: missing applicant id", ErrValidation)
		}
		if req.RunnerID == nil || *req.RunnerID != opts.ApplicantID {
			return Request{}, fmt.Errorf("%w: %s is not the recorded applicant", ErrValidation, opts.ApplicantID)
		}
	case EventSubmitProof:
		proof := strings.TrimSpace(opts.ProofReference)
		if proof == "" {
			return Request{}, fmt.Errorf("%w: proof reference required", ErrValidation)
		}
		write.ProofReference = &proof
	case EventDispute:
		reason := strings.TrimSpace(opts.DisputeReason)
		if reason == "" {
			return Request{}, fmt.Errorf("%w: dispute reason required", ErrValidation)
		}
		write.DisputeReason = &reason
	}

	if rule.acquiresLock() {
		acquired, err := e.locks.TryAcquire(ctx, tx, actor.ID, req.ID)
		if err != nil {
			return Request{}, err
		}
		if !acquired {
			return Request{}, ErrAlreadyActive
		}
	}
	if rule.releasesLock() && req.RunnerID != nil {
		if err := e.locks.Release(ctx, tx, *req.RunnerID, req.ID); err != nil {
			return Request{}, err
		}
	}

	updated, err := e.store.ApplyTransition(ctx, tx, write)
	if err != nil {
		return Request{}, err
	}

	if opts.InTx != nil {
		if err := opts.InTx(ctx, tx, updated); err != nil {
			return Request{}, err
		}
	}

	var actorPtr *string
	if actor.ID != "" {
		actorPtr = &actor.ID
	}
	if err := e.store.AppendTimeline(ctx, tx, req.ID, "REQUEST_STATUS_CHANGED", actorPtr, map[string]any{
		"event":           string(event),
		"previous_status": string(req.Status),
		"next_status":     string(updated.Status),
	}); err != nil {
		return Request{}, err
	}
	if err := e.store.EnqueueOutbox(ctx, tx, "errand.status_changed", map[string]any{
		"request_id": req.ID,
		"event":      string(event),
		"previous":   string(req.Status),
		"next":       string(updated.Status),
	}); err != nil {
		return Request{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Request{}, fmt.Errorf("errand: commit transition: %w", err)
	}
	return updated, nil
}

func validatePayload(payload Payload) error {
	if strings.TrimSpace(payload.Details) == "" {
		return fmt.Errorf("%w: details required", ErrValidation)
	}
	if strings.TrimSpace(payload.PickupLocation) == "" {
		return fmt.Errorf("%w: pickup location required", ErrValidation)
	}
	if strings.TrimSpace(payload.DropoffLocation) == "" {
		return fmt.Errorf("%w: dropoff location required", ErrValidation)
	}
	if payload.Price <= 0 {
		return fmt.Errorf("%w: price must be positive", ErrValidation)
	}
	return nil
}
