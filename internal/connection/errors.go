package connection

import "errors"

var (
	// ErrNotConnected is returned by Publish when the connection is not
	// in the connected phase. Callers fail fast; nothing is queued.
	ErrNotConnected = errors.New("not connected")

	// ErrAuthenticationFailed indicates the broker refused the
	// credentials (CONNACK bad username/password or not authorised).
	// Authentication failures are terminal and are never retried.
	ErrAuthenticationFailed = errors.New("authentication failed")

	// ErrConnectTimeout indicates the broker did not answer the connect
	// handshake within the configured timeout.
	ErrConnectTimeout = errors.New("connect timed out")

	// ErrMaxAttemptsExceeded indicates the retry budget was exhausted
	// and the connection is parked in the failed phase.
	ErrMaxAttemptsExceeded = errors.New("max connection attempts exceeded")

	// ErrAlreadyConnecting is returned by Connect when a connect or
	// retry loop is already running.
	ErrAlreadyConnecting = errors.New("connection attempt already in progress")
)
