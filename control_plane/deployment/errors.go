package deployment

import (
	"errors"
	"fmt"

	"github.com/itskum47/FleetForge/control_plane/store"
)

// ErrInvalidState is the root of every state-machine rejection. It is the
// store sentinel so catalog and deployment errors classify the same way.
var ErrInvalidState = store.ErrInvalidState

var (
	ErrIncompleteDistributionSet = fmt.Errorf("distribution set is incomplete: %w", ErrInvalidState)
	ErrDistributionSetDeleted    = fmt.Errorf("distribution set is deleted: %w", ErrInvalidState)
	ErrCancelNotAllowed          = fmt.Errorf("only active actions can be canceled: %w", ErrInvalidState)
	ErrForceQuitNotAllowed       = fmt.Errorf("only canceling actions can be force quit: %w", ErrInvalidState)
	ErrActionNotActive           = fmt.Errorf("action is no longer active: %w", ErrInvalidState)
	ErrInvalidStatusTransition   = fmt.Errorf("status not accepted from a device: %w", ErrInvalidState)

	// ErrTransientConflict is returned once conflict retries are exhausted.
	// The caller may retry the whole request.
	ErrTransientConflict = fmt.Errorf("concurrent modification, retries exhausted: %w", store.ErrConflict)

	// ErrInvalidRequest marks malformed input.
	ErrInvalidRequest = errors.New("invalid request")
)
