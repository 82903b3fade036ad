package routeros

import (
	"errors"
	"fmt"
)

// Domain errors for the RouterOS API client.
var (
	// ErrNotConnected is returned when an operation requires a connection
	// but the client is not connected to the appliance.
	ErrNotConnected = errors.New("routeros: not connected")

	// ErrConnection is returned when the connection is refused, times out,
	// or is torn down while a reply is pending.
	ErrConnection = errors.New("routeros: connection failed")

	// ErrProtocol is returned for oversize words, malformed length prefixes
	// and replies terminated by !trap or !fatal.
	ErrProtocol = errors.New("routeros: protocol error")

	// ErrAuth is returned when the login handshake is rejected.
	ErrAuth = errors.New("routeros: login failed")

	// ErrBusy is returned when Execute is called while another command is
	// still waiting for its reply. The client holds one command in flight.
	ErrBusy = errors.New("routeros: command already in flight")
)

// ProtocolError carries the terminal status and message attribute of a
// reply that ended in !trap or !fatal.
type ProtocolError struct {
	Status  Status
	Message string
}

func (e *ProtocolError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("routeros: reply status %s", e.Status)
	}
	return fmt.Sprintf("routeros: reply status %s: %s", e.Status, e.Message)
}

// Unwrap allows errors.Is(err, ErrProtocol).
func (e *ProtocolError) Unwrap() error {
	return ErrProtocol
}

// AuthError reports a rejected login with the reason sent by the appliance.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	if e.Reason == "" {
		return ErrAuth.Error()
	}
	return ErrAuth.Error() + ": " + e.Reason
}

// Unwrap allows errors.Is(err, ErrAuth).
func (e *AuthError) Unwrap() error {
	return ErrAuth
}
