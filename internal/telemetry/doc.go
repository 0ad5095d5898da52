// Package telemetry generates, persists and publishes device measurements.
//
// Each device kind has a profile of electrical ranges. A Generator samples
// the profile per tick; the resulting Measurement is appended to the
// durable store and then offered to the Publisher, which rate limits and
// ships it to the platform as a single self-contained SmartREST message.
// Measurements that cannot be shipped (connection down, rate exceeded) are
// dropped and counted, never queued.
package telemetry
