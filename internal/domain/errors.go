package domain

import "errors"

// Sentinel errors shared by the stateful components. Handlers map these onto
// transport status codes; everything else is an internal error.
var (
	// ErrNotFound marks lookups of absent entities. Never healed.
	ErrNotFound = errors.New("not found")

	// ErrConflict marks operations rejected because of current state, such
	// as a full sync that is already in progress.
	ErrConflict = errors.New("conflict")

	// ErrValidation marks requests missing required fields. Not retried.
	ErrValidation = errors.New("validation failed")
)
