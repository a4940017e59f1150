package store

import "errors"

var (
	// ErrNotFound is returned when a target, distribution set, tag or action does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on duplicate creation.
	ErrAlreadyExists = errors.New("already exists")

	// ErrConflict is returned when an expected revision no longer matches.
	// Nothing of the rejected change has been applied.
	ErrConflict = errors.New("optimistic lock failure: revision changed")

	// ErrInvalidState is the root of every "operation not allowed in the current state" error.
	ErrInvalidState = errors.New("invalid state")

	// ErrInUse is returned when a distribution set is referenced by an action
	// and the requested change requires it to be unused.
	ErrInUse = errors.New("distribution set is in use")
)
