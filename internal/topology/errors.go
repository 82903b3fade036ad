package topology

import "errors"

var (
	// ErrInvalidNode is returned when a node has an empty name.
	ErrInvalidNode = errors.New("topology: node name is required")

	// ErrDuplicateNode is returned when two nodes normalise to the same name.
	ErrDuplicateNode = errors.New("topology: duplicate node")

	// ErrUnknownAliasTarget is returned when an alias points at a node that
	// is not defined.
	ErrUnknownAliasTarget = errors.New("topology: alias target not defined")
)
