// Package cumulocity encodes and decodes SmartREST 2.0 static template
// messages for the Cumulocity IoT platform.
//
// This package is a pure codec: it builds upstream payloads (registration
// bootstrap, measurements, events, alarms, operation status) and parses
// downstream payloads (operations on s/ds, error reports on s/e). It has no
// transport concerns; the connection package owns those.
//
// # Wire contract
//
//   - Registration bootstrap: templates 100 (inventory), 110 (hardware
//     descriptor), 114 (supported operations), sent as one multi-line
//     message to s/ud/<device_id> exactly once per registration record.
//   - Measurements: template 200 lines on s/us, one self-contained
//     multi-line message per cycle embedding all reading fragments.
//   - Restart operation: inbound 510 on s/ds, acknowledged with 501
//     (executing) then 503 (complete), or 502 on failure.
//   - Heartbeat: event template 400 on s/us; the QoS 1 publish
//     acknowledgement doubles as the liveness probe response.
package cumulocity
