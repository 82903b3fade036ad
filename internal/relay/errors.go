package relay

import "errors"

var (
	// ErrQueueFull is returned by Notify when the delivery queue is full.
	ErrQueueFull = errors.New("relay: queue full")

	// ErrInvalidPayload is returned for an inbound event that is not JSON.
	ErrInvalidPayload = errors.New("relay: invalid event payload")
)
