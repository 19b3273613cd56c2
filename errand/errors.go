package errand

import "errors"

var (
	// ErrNotFound is returned when no request row exists for the identifier.
	ErrNotFound = errors.New("errand: request not found")
	// ErrForbidden signals the actor lacks the role or ownership a transition requires.
	ErrForbidden = errors.New("errand: forbidden")
	// ErrInvalidTransition signals the event has no edge from the current state.
	ErrInvalidTransition = errors.New("errand: invalid transition")
	// ErrAlreadyActive signals the runner already holds an active job.
	ErrAlreadyActive = errors.New("errand: runner already has an active job")
	// ErrConflict signals an optimistic-concurrency collision; retry with fresh state.
	ErrConflict = errors.New("errand: concurrent update conflict")
	// ErrValidation signals malformed or missing input for the operation.
	ErrValidation = errors.New("errand: validation failed")
)
