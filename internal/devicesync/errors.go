package devicesync

import "errors"

// Domain errors for device synchronisation.
var (
	// ErrNotConfigured is returned when no appliance host is configured.
	ErrNotConfigured = errors.New("devicesync: router host not configured")

	// ErrSyncFailed wraps any failure of a sync run.
	ErrSyncFailed = errors.New("devicesync: sync failed")
)
