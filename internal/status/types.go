package status

import (
	"fmt"
	"strings"
	"time"
)

// State is the reachability of a device.
type State string

// Device states.
const (
	StateUp   State = "up"
	StateDown State = "down"
)

// ParseState parses "up" or "down", ignoring case and surrounding space.
func ParseState(s string) (State, error) {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case StateUp:
		return StateUp, nil
	case StateDown:
		return StateDown, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
	}
}

// Sources that update the cache.
const (
	SourceWebhook = "webhook"
	SourceMQTT    = "mqtt"
	SourceSync    = "sync"
	SourceManual  = "manual"
)

// Entry is the last known status of one device.
type Entry struct {
	Name       string    `json:"name"`
	Status     State     `json:"status"`
	LastUpdate time.Time `json:"last_update"`
	Reason     string    `json:"reason,omitempty"`
	Source     string    `json:"source,omitempty"`
}

// NormalizeName trims and upper-cases a device name.
func NormalizeName(name string) string {
	return strings.ToUpper(strings.TrimSpace(name))
}
