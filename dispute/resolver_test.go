package dispute

import (
	"context"
	"errors"
	"testing"

	"errandflow/errand"
)

type fakeLifecycle struct {
	lastActor errand.Actor
	lastID    string
	lastEvent errand.Event
	lastOpts  errand.TransitionOptions
	result    errand.Request
	err       error
}

func (f *fakeLifecycle) Transition(ctx context.Context, actor errand.Actor, requestID string, event errand.Event, opts errand.TransitionOptions) (errand.Request, error) {
	f.lastActor = actor
	f.lastID = requestID
	f.lastEvent = event
	f.lastOpts = opts
	if f.err != nil {
		return errand.Request{}, f.err
	}
	return f.result, nil
}

func TestResolver_Open_DispatchesDisputeEvent(t *testing.T) {
	engine := &fakeLifecycle{result: errand.Request{ID: "req-1", Status: errand.StatusDisputed}}
	resolver := NewResolver(engine, nil)

	student := errand.Actor{ID: "student-1", Role: errand.RoleStudent}
	req, err := resolver.Open(context.Background(), student, "req-1", "Wrong item delivered")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if req.Status != errand.StatusDisputed {
		t.Fatalf("expected disputed, got %s", req.Status)
	}
	if engine.lastEvent != errand.EventDispute {
		t.Fatalf("expected dispute event, got %s", engine.lastEvent)
	}
	if engine.lastOpts.DisputeReason != "Wrong item delivered" {
		t.Fatalf("reason not passed through: %q", engine.lastOpts.DisputeReason)
	}
	if engine.lastOpts.InTx == nil {
		t.Fatal("expected the dispute record hook to run inside the transition")
	}
	if engine.lastActor != student {
		t.Fatalf("actor not forwarded: %+v", engine.lastActor)
	}
}

func TestResolver_Resolve_MapsOutcomes(t *testing.T) {
	cases := []struct {
		outcome Outcome
		event   errand.Event
	}{
		{OutcomeRelease, errand.EventResolveRelease},
		{OutcomeConfirm, errand.EventResolveConfirm},
	}

	for _, tc := range cases {
		engine := &fakeLifecycle{result: errand.Request{ID: "req-1"}}
		resolver := NewResolver(engine, nil)

		if _, err := resolver.Resolve(context.Background(), "req-1", tc.outcome); err != nil {
			t.Fatalf("resolve %s: %v", tc.outcome, err)
		}
		if engine.lastEvent != tc.event {
			t.Fatalf("outcome %s: expected event %s, got %s", tc.outcome, tc.event, engine.lastEvent)
		}
		// Resolution is an external capability, so no marketplace actor is attached.
		if engine.lastActor != (errand.Actor{}) {
			t.Fatalf("expected empty actor for arbiter, got %+v", engine.lastActor)
		}
		if engine.lastOpts.InTx == nil {
			t.Fatal("expected the resolution hook to run inside the transition")
		}
	}
}

func TestResolver_Resolve_RejectsUnknownOutcome(t *testing.T) {
	engine := &fakeLifecycle{}
	resolver := NewResolver(engine, nil)

	if _, err := resolver.Resolve(context.Background(), "req-1", Outcome("split_the_difference")); !errors.Is(err, ErrInvalidOutcome) {
		t.Fatalf("expected ErrInvalidOutcome, got %v", err)
	}
	if engine.lastEvent != "" {
		t.Fatal("no transition may be dispatched for an unknown outcome")
	}
}

func TestResolver_Open_PropagatesEngineError(t *testing.T) {
	engine := &fakeLifecycle{err: errand.ErrInvalidTransition}
	resolver := NewResolver(engine, nil)

	_, err := resolver.Open(context.Background(), errand.Actor{ID: "student-1", Role: errand.RoleStudent}, "req-1", "late")
	if !errors.Is(err, errand.ErrInvalidTransition) {
		t.Fatalf("expected engine error to surface, got %v", err)
	}
}
