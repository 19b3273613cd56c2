package errand

import (
	"reflect"
	"testing"
)

func TestRuleFor_EdgeSet(t *testing.T) {
	cases := []struct {
		from  Status
		event Event
		to    Status
	}{
		{StatusRequested, EventApply, StatusApplied},
		{StatusApplied, EventAccept, StatusAccepted},
		{StatusAccepted, EventStartPurchasing, StatusPurchasing},
		{StatusPurchasing, EventStartDelivering, StatusDelivering},
		{StatusDelivering, EventSubmitProof, StatusDelivered},
		{StatusDelivered, EventConfirm, StatusConfirmed},
		{StatusDelivered, EventDispute, StatusDisputed},
		{StatusDisputed, EventResolveRelease, StatusResolvedReleased},
		{StatusDisputed, EventResolveConfirm, StatusConfirmed},
		{StatusRequested, EventCancel, StatusCancelled},
		{StatusApplied, EventCancel, StatusCancelled},
	}

	for _, tc := range cases {
		rule, ok := RuleFor(tc.from, tc.event)
		if !ok {
			t.Fatalf("expected edge %s --%s-->, none found", tc.from, tc.event)
		}
		if rule.To != tc.to {
			t.Errorf("%s --%s--> expected %s, got %s", tc.from, tc.event, tc.to, rule.To)
		}
	}

	if len(transitions) != len(cases) {
		t.Fatalf("transition table has %d edges, test covers %d", len(transitions), len(cases))
	}
}

func TestRuleFor_NoEdgesOutOfTerminalStates(t *testing.T) {
	events := []Event{
		EventApply, EventAccept, EventStartPurchasing, EventStartDelivering,
		EventSubmitProof, EventConfirm, EventDispute, EventResolveRelease,
		EventResolveConfirm, EventCancel,
	}

	for _, status := range []Status{StatusConfirmed, StatusResolvedReleased, StatusCancelled} {
		if !status.Terminal() {
			t.Fatalf("expected %s to be terminal", status)
		}
		for _, ev := range events {
			if _, ok := RuleFor(status, ev); ok {
				t.Errorf("terminal state %s has an outgoing edge for %s", status, ev)
			}
		}
	}
}

func TestRuleFor_RejectsSkippedStates(t *testing.T) {
	// Confirming before delivery is the canonical illegal shortcut.
	if _, ok := RuleFor(StatusPurchasing, EventConfirm); ok {
		t.Fatal("confirm must not be legal from purchasing")
	}
	if _, ok := RuleFor(StatusRequested, EventSubmitProof); ok {
		t.Fatal("submit_proof must not be legal from requested")
	}
	if _, ok := RuleFor(StatusAccepted, EventApply); ok {
		t.Fatal("apply must not be legal once accepted")
	}
}

func TestRule_LockBookkeeping(t *testing.T) {
	apply, _ := RuleFor(StatusRequested, EventApply)
	if !apply.acquiresLock() || apply.releasesLock() {
		t.Fatal("apply must acquire and not release the exclusivity slot")
	}

	dispute, _ := RuleFor(StatusDelivered, EventDispute)
	if dispute.releasesLock() {
		t.Fatal("disputing must leave the runner's slot occupied until resolution")
	}

	for _, ev := range []Event{EventConfirm, EventResolveRelease, EventResolveConfirm} {
		var from Status
		switch ev {
		case EventConfirm:
			from = StatusDelivered
		default:
			from = StatusDisputed
		}
		rule, _ := RuleFor(from, ev)
		if !rule.releasesLock() {
			t.Errorf("%s must release the exclusivity slot", ev)
		}
	}

	release, _ := RuleFor(StatusDisputed, EventResolveRelease)
	if !release.clearsRunner() {
		t.Fatal("resolve_release must unassign the runner")
	}
	confirm, _ := RuleFor(StatusDisputed, EventResolveConfirm)
	if confirm.clearsRunner() {
		t.Fatal("resolve_confirm must keep the runner on the request")
	}

	cancelApplied, _ := RuleFor(StatusApplied, EventCancel)
	if !cancelApplied.releasesLock() || !cancelApplied.clearsRunner() {
		t.Fatal("cancelling an applied request must free the applicant")
	}
	cancelOpen, _ := RuleFor(StatusRequested, EventCancel)
	if cancelOpen.releasesLock() {
		t.Fatal("cancelling an open request has no runner to release")
	}
}

func TestCheckActor(t *testing.T) {
	runnerID := "runner-1"
	req := Request{RequesterID: "student-1", RunnerID: &runnerID}

	apply, _ := RuleFor(StatusRequested, EventApply)
	if err := apply.checkActor(Actor{ID: "runner-2", Role: RoleRunner}, req); err != nil {
		t.Fatalf("any runner may apply: %v", err)
	}
	if err := apply.checkActor(Actor{ID: "student-1", Role: RoleStudent}, req); err != ErrForbidden {
		t.Fatalf("students must not apply, got %v", err)
	}

	start, _ := RuleFor(StatusAccepted, EventStartPurchasing)
	if err := start.checkActor(Actor{ID: runnerID, Role: RoleRunner}, req); err != nil {
		t.Fatalf("assigned runner rejected: %v", err)
	}
	if err := start.checkActor(Actor{ID: "runner-2", Role: RoleRunner}, req); err != ErrForbidden {
		t.Fatalf("unassigned runner must be forbidden, got %v", err)
	}

	confirm, _ := RuleFor(StatusDelivered, EventConfirm)
	if err := confirm.checkActor(Actor{ID: "student-1", Role: RoleStudent}, req); err != nil {
		t.Fatalf("requester rejected: %v", err)
	}
	if err := confirm.checkActor(Actor{ID: "student-2", Role: RoleStudent}, req); err != ErrForbidden {
		t.Fatalf("other students must be forbidden, got %v", err)
	}
	if err := confirm.checkActor(Actor{ID: runnerID, Role: RoleRunner}, req); err != ErrForbidden {
		t.Fatalf("runner must not confirm, got %v", err)
	}

	resolve, _ := RuleFor(StatusDisputed, EventResolveRelease)
	if err := resolve.checkActor(Actor{}, req); err != nil {
		t.Fatalf("arbiter capability rejected: %v", err)
	}
}

func TestNextEvents(t *testing.T) {
	got := NextEvents(StatusDelivered, RoleStudent)
	want := []Event{EventConfirm, EventDispute}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("delivered student actions: got %v want %v", got, want)
	}

	got = NextEvents(StatusRequested, RoleStudent)
	want = []Event{EventCancel}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("requested student actions: got %v want %v", got, want)
	}

	got = NextEvents(StatusRequested, RoleRunner)
	want = []Event{EventApply}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("requested runner actions: got %v want %v", got, want)
	}

	if got := NextEvents(StatusConfirmed, RoleStudent); len(got) != 0 {
		t.Fatalf("terminal state must offer no actions, got %v", got)
	}
}
