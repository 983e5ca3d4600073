package state

import "errors"

// Domain errors for the state package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, state.ErrNotFound) {
//	    // no saved state for this output
//	}
var (
	// ErrNotFound is returned when no state has been saved for an output ID.
	ErrNotFound = errors.New("state: not found")
)
