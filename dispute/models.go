package dispute

import "time"

// Status represents the lifecycle of a dispute record.
type Status string

const (
	StatusOpen     Status = "open"
	StatusResolved Status = "resolved"
)

// Outcome is the arbiter's decision on a disputed delivery.
type Outcome string

const (
	// OutcomeRelease rules against the delivery: the request closes
	// unfulfilled and the runner is unassigned.
	OutcomeRelease Outcome = "release"
	// OutcomeConfirm rules in the runner's favor: the delivery stands.
	OutcomeConfirm Outcome = "confirm"
)

// Record mirrors the disputes table.
type Record struct {
	ID         string
	RequestID  string
	Reason     string
	Status     Status
	Outcome    *string
	CreatedAt  time.Time
	UpdatedAt  time.Time
	ResolvedAt *time.Time
}
