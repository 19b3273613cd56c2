package errand

// Event names an action that drives the lifecycle state machine.
type Event string

const (
	EventApply           Event = "apply"
	EventAccept          Event = "accept"
	EventStartPurchasing Event = "start_purchasing"
	EventStartDelivering Event = "start_delivering"
	EventSubmitProof     Event = "submit_proof"
	EventConfirm         Event = "confirm"
	EventDispute         Event = "dispute"
	EventResolveRelease  Event = "resolve_release"
	EventResolveConfirm  Event = "resolve_confirm"
	EventCancel          Event = "cancel"
)

// guard names the ownership predicate a transition requires of its actor.
type guard int

const (
	// guardAnyRunner admits any runner whose exclusivity slot is free.
	guardAnyRunner guard = iota
	// guardAssignedRunner admits only the runner currently assigned to the request.
	guardAssignedRunner
	// guardRequester admits only the student who posted the request.
	guardRequester
	// guardArbiter admits only the external arbitration capability.
	guardArbiter
)

// Rule is one edge of the lifecycle state machine.
type Rule struct {
	From  Status
	Event Event
	To    Status
	actor guard
}

// transitions is the complete edge set. Every status mutation in the system
// dispatches through RuleFor against this table; there is no other path.
var transitions = []Rule{
	{From: StatusRequested, Event: EventApply, To: StatusApplied, actor: guardAnyRunner},
	{From: StatusApplied, Event: EventAccept, To: StatusAccepted, actor: guardRequester},
	{From: StatusAccepted, Event: EventStartPurchasing, To: StatusPurchasing, actor: guardAssignedRunner},
	{From: StatusPurchasing, Event: EventStartDelivering, To: StatusDelivering, actor: guardAssignedRunner},
	{From: StatusDelivering, Event: EventSubmitProof, To: StatusDelivered, actor: guardAssignedRunner},
	{From: StatusDelivered, Event: EventConfirm, To: StatusConfirmed, actor: guardRequester},
	{From: StatusDelivered, Event: EventDispute, To: StatusDisputed, actor: guardRequester},
	{From: StatusDisputed, Event: EventResolveRelease, To: StatusResolvedReleased, actor: guardArbiter},
	{From: StatusDisputed, Event: EventResolveConfirm, To: StatusConfirmed, actor: guardArbiter},
	{From: StatusRequested, Event: EventCancel, To: StatusCancelled, actor: guardRequester},
	{From: StatusApplied, Event: EventCancel, To: StatusCancelled, actor: guardRequester},
}

// RuleFor returns the edge for the given state and event, if one exists.
func RuleFor(from Status, event Event) (Rule, bool) {
	for _, r := range transitions {
		if r.From == from && r.Event == event {
			return r, true
		}
	}
	return Rule{}, false
}

// checkActor applies the rule's ownership predicate.
func (r Rule) checkActor(actor Actor, req Request) error {
	switch r.actor {
	case guardAnyRunner:
		if actor.Role != RoleRunner {
			return ErrForbidden
		}
	case guardAssignedRunner:
		if actor.Role != RoleRunner || req.RunnerID == nil || *req.RunnerID != actor.ID {
			return ErrForbidden
		}
	case guardRequester:
		if actor.Role != RoleStudent || req.RequesterID != actor.ID {
			return ErrForbidden
		}
	case guardArbiter:
		// Resolution is invoked by the arbitration capability, not a marketplace
		// role; callers gate access before reaching the state machine.
	}
	return nil
}

// acquiresLock reports whether the transition seats a runner into their
// exclusivity slot.
func (r Rule) acquiresLock() bool {
	return r.Event == EventApply
}

// releasesLock reports whether the transition frees the runner's exclusivity
// slot. Disputing deliberately does not: the runner stays blocked until the
// arbiter resolves.
func (r Rule) releasesLock() bool {
	switch r.Event {
	case EventConfirm, EventResolveRelease, EventResolveConfirm:
		return true
	case EventCancel:
		return r.From == StatusApplied
	default:
		return false
	}
}

// clearsRunner reports whether the transition unassigns the runner from the
// request itself, making the runner free of any reference to it.
func (r Rule) clearsRunner() bool {
	return r.Event == EventResolveRelease || (r.Event == EventCancel && r.From == StatusApplied)
}

// NextEvents lists the events the given role may legally fire from a state.
// The job board uses it to annotate a student's requests with available actions.
func NextEvents(from Status, role Role) []Event {
	var out []Event
	for _, r := range transitions {
		if r.From != from {
			continue
		}
		switch r.actor {
		case guardRequester:
			if role == RoleStudent {
				out = append(out, r.Event)
			}
		case guardAnyRunner, guardAssignedRunner:
			if role == RoleRunner {
				out = append(out, r.Event)
			}
		}
	}
	return out
}
