// Package registration persists cloud-platform registration state per device.
//
// A device must complete a one-time bootstrap exchange with the platform
// before telemetry is accepted. This package records that the exchange has
// happened so it is not repeated on subsequent starts or reconnects. The
// record survives process restarts; reset_registration is the only way to
// trigger a fresh bootstrap.
package registration
