package incident

import "errors"

// Domain errors for the incident package.
//
// These errors can be checked using errors.Is():
//
//	if errors.Is(err, incident.ErrValidation) {
//	    // reject the event
//	}
var (
	// ErrValidation is returned when an event or request is malformed
	// (missing device, unknown status).
	ErrValidation = errors.New("incident: validation failed")

	// ErrIncidentNotFound is returned when a ticket ID does not exist.
	ErrIncidentNotFound = errors.New("incident: not found")

	// ErrIncidentExists is returned when creating an incident whose ticket
	// ID already exists.
	ErrIncidentExists = errors.New("incident: already exists")

	// ErrOpenIncidentExists is returned when an open incident is already
	// recorded for the same node key.
	ErrOpenIncidentExists = errors.New("incident: open incident already exists for node")

	// ErrAlreadyClosed is returned when closing an incident that has an end date.
	ErrAlreadyClosed = errors.New("incident: already closed")
)
