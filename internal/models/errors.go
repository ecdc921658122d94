package models

import "errors"

var (
	// ErrNotFound is returned by persistence collaborators for unknown IDs.
	ErrNotFound = errors.New("not found")
	// ErrStaleTransition is returned when a conditional status update
	// matched no row because the current status is not an allowed source.
	ErrStaleTransition = errors.New("stale transition")
)
