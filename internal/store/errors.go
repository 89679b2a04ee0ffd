package store

import "errors"

// Sentinel errors shared by every store implementation. Services and HTTP
// handlers match these with errors.Is; implementations wrap them with
// fmt.Errorf("...: %w", ...) to add detail.
var (
	// ErrValidation marks bad input. Never retried.
	ErrValidation = errors.New("validation failed")

	// ErrConflict marks an invariant violated by concurrent state, such as
	// a second live notification for the same (violation, type) pair or a
	// double settlement.
	ErrConflict = errors.New("conflict")

	// ErrInvalidState marks an operation attempted on a terminal or
	// incompatible record state.
	ErrInvalidState = errors.New("invalid state")

	// ErrNotFound marks a missing record.
	ErrNotFound = errors.New("not found")

	// ErrStoreUnavailable marks durable-store I/O failure. Callers surface
	// it; scheduled sweeps log and retry on the next tick.
	ErrStoreUnavailable = errors.New("store unavailable")
)
