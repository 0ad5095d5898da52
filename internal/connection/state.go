package connection

import "time"

// Phase is the lifecycle phase of a device connection.
type Phase string

const (
	// PhaseDisconnected is the initial phase before any connect attempt.
	PhaseDisconnected Phase = "disconnected"

	// PhaseConnecting is the first connect attempt sequence.
	PhaseConnecting Phase = "connecting"

	// PhaseConnected means the session is established, the registration
	// bootstrap is done and the heartbeat monitor is running.
	PhaseConnected Phase = "connected"

	// PhaseReconnecting is the retry sequence after an established
	// connection was lost.
	PhaseReconnecting Phase = "reconnecting"

	// PhaseFailed means the retry budget was exhausted or the broker
	// rejected the credentials. Only an explicit Connect leaves it.
	PhaseFailed Phase = "failed"

	// PhaseManuallyDisconnected is entered by Disconnect and is never
	// left by the retry machinery.
	PhaseManuallyDisconnected Phase = "manually_disconnected"
)

// State is a point-in-time snapshot of a connection. Returned by value;
// mutating a snapshot has no effect on the live connection.
type State struct {
	Phase         Phase
	AttemptCount  int
	LastAttemptAt time.Time
	LastSuccessAt time.Time
	NextRetryAt   time.Time
	LastError     string
}

// Live reports whether the connection can carry traffic.
func (s State) Live() bool {
	return s.Phase == PhaseConnected
}

// Terminal reports whether the connection will make no further attempts
// without an explicit Connect call.
func (s State) Terminal() bool {
	return s.Phase == PhaseFailed || s.Phase == PhaseManuallyDisconnected
}
