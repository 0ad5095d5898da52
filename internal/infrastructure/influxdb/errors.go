package influxdb

import "errors"

var (
	// ErrNotConnected indicates the client is not connected to InfluxDB.
	ErrNotConnected = errors.New("influxdb: not connected")

	// ErrConnectionFailed indicates the initial connection attempt failed.
	ErrConnectionFailed = errors.New("influxdb: connection failed")

	// ErrDisabled indicates the telemetry mirror is disabled in
	// configuration. Callers run without a mirror in that case.
	ErrDisabled = errors.New("influxdb: disabled in configuration")
)
