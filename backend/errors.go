package backend

import "errors"

var (
	// ErrNotConnected is returned when a packet is written before the
	// socket exists
	ErrNotConnected = errors.New("backend connection is not established")

	// ErrDialFailed is returned when the connection attempt could not
	// even be started
	ErrDialFailed = errors.New("failed to open connection to backend server")
)

// Wire-level error texts. These reach the client inside synthesized ERR
// packets, so their wording is part of the observable behavior.
const (
	msgAuthFailed = "Authentication with backend failed. Session will be closed."

	msgLostConnection = "Lost connection to backend server."

	msgInvalidState = "Writing to backend failed due invalid Maxscale state."

	msgDelayedWriteFailed = "Failed to write buffered data to back-end server. " +
		"Buffer was empty or back-end was disconnected during " +
		"operation. Attempting to find a new backend."
)
