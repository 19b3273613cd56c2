package errand

import "time"

// Role identifies which side of the marketplace an actor is on.
type Role string

const (
	RoleStudent Role = "student"
	RoleRunner  Role = "runner"
)

// Actor is the authenticated caller as supplied by the identity layer.
type Actor struct {
	ID   string
	Role Role
}

// Status is the lifecycle state of an errand request.
type Status string

const (
	StatusRequested        Status = "requested"
	StatusApplied          Status = "applied"
	StatusAccepted         Status = "accepted"
	StatusPurchasing       Status = "purchasing"
	StatusDelivering       Status = "delivering"
	StatusDelivered        Status = "delivered"
	StatusConfirmed        Status = "confirmed"
	StatusDisputed         Status = "disputed"
	StatusResolvedReleased Status = "resolved_released"
	StatusCancelled        Status = "cancelled"
)

// Terminal reports whether no further transitions are possible from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusConfirmed, StatusResolvedReleased, StatusCancelled:
		return true
	default:
		return false
	}
}

// HoldsRunner reports whether a request in state s counts against its runner's
// exclusivity slot. Disputed requests keep the slot occupied until resolution.
func (s Status) HoldsRunner() bool {
	switch s {
	case StatusApplied, StatusAccepted, StatusPurchasing, StatusDelivering, StatusDelivered, StatusDisputed:
		return true
	default:
		return false
	}
}

// Request mirrors the errand_requests table.
type Request struct {
	ID              string
	RequesterID     string
	RunnerID        *string
	Details         string
	PickupLocation  string
	DropoffLocation string
	Price           int64
	Status          Status
	ProofReference  *string
	DisputeReason   *string
	Version         int64
	ArchivedAt      *time.Time
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Payload carries the student-editable fields of a request. They are mutable
// only while the request is still in requested state.
type Payload struct {
	Details         string
	PickupLocation  string
	DropoffLocation string
	Price           int64
}
