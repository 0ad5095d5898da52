// Package influxdb mirrors device telemetry into InfluxDB.
//
// The mirror is optional and strictly best effort: measurements are
// batched and written asynchronously, and a mirror outage never blocks
// a device worker or affects the authoritative MQTT delivery path.
package influxdb
