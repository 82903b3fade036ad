package status

import "errors"

// Domain errors for the status package.
var (
	// ErrEntryNotFound is returned when no status is stored for a name.
	ErrEntryNotFound = errors.New("status: not found")

	// ErrInvalidName is returned when a device name is empty.
	ErrInvalidName = errors.New("status: invalid name")

	// ErrInvalidState is returned when a status is neither up nor down.
	ErrInvalidState = errors.New("status: invalid state")
)
