package types

import "errors"

// Error taxonomy for the order lifecycle boundary. Services wrap these with
// context; callers match with errors.Is.
var (
	// ErrInvalidInput covers malformed or out-of-range values. No side effects.
	ErrInvalidInput = errors.New("invalid input")

	// ErrLimitExceeded is returned when the per-owner active-order cap is hit.
	ErrLimitExceeded = errors.New("order limit exceeded")

	// ErrNotFound is returned for an unknown order, or an order not owned by
	// the caller.
	ErrNotFound = errors.New("order not found")

	// ErrNotActive is returned for mutations of orders in a terminal status.
	ErrNotActive = errors.New("order is not active")

	// ErrUnauthorized is returned when the caller may not act on the resource.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrDuplicateConfirmation is returned when a confirmation already exists
	// for a pair key, or the pair was previously declined.
	ErrDuplicateConfirmation = errors.New("confirmation already pending")

	// ErrConfirmationNotFound is returned for responses carrying an unknown or
	// already-settled confirmation key.
	ErrConfirmationNotFound = errors.New("confirmation not found")

	// ErrInternal is a retry-able store or cache failure.
	ErrInternal = errors.New("internal error")
)
