// Package connection manages the broker session lifecycle for a single
// simulated device.
//
// A Manager drives its Transport through a small state machine:
//
//	disconnected -> connecting -> connected
//	connected -> reconnecting -> connected (loss recovery)
//	connecting/reconnecting -> failed (auth rejection or retry exhaustion)
//	any -> manually_disconnected (explicit Disconnect only)
//
// Retries use exponential backoff with jitter. Authentication rejections
// never retry. A heartbeat probe detects half-open sessions the socket
// does not report. Publish fails fast when the session is not live; the
// manager never queues on the caller's behalf.
package connection
