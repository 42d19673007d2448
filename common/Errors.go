package common

import "errors"

// Failure taxonomy of the coordination core. Every device-communication
// failure degrades to one of these on the specific request; none of them
// may take the process down.
var (
	// ErrDeviceNotFound marks a request referencing an unknown serial.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrDeviceOffline rejects a command before dispatch when the device
	// holds no live transport.
	ErrDeviceOffline = errors.New("device offline")

	// ErrCommandTimeout reports a command that was sent but not
	// acknowledged within the deadline. Retryable by the caller.
	ErrCommandTimeout = errors.New("command timeout")

	// ErrNoActiveSession reports a stop/finalize with no open session.
	ErrNoActiveSession = errors.New("no active session found to update")

	// ErrSessionConflict rejects a start while the connector already has
	// an open session or is in a non-chargeable state.
	ErrSessionConflict = errors.New("connector busy")

	// ErrPreAuthRequired rejects a start whose payment pre-authorization
	// did not succeed.
	ErrPreAuthRequired = errors.New("payment pre-authorization failed")
)
