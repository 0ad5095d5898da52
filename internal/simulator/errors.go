package simulator

import "errors"

var (
	// ErrDeviceNotFound is returned for operations on an unknown device id.
	ErrDeviceNotFound = errors.New("device not found")

	// ErrAlreadyRunning is returned by Start when a live worker already
	// exists for the device.
	ErrAlreadyRunning = errors.New("device already running")

	// ErrDuplicateID is returned by Create when id allocation collides.
	// The sequential per-type scheme makes this unreachable in practice;
	// the sentinel exists so a collision is loud rather than corrupting.
	ErrDuplicateID = errors.New("device id already exists")
)
