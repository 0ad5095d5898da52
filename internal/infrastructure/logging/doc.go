// Package logging provides structured logging for the device simulator.
//
// It wraps the standard library's log/slog with:
//   - Configuration-driven level, format and output selection
//   - Default fields (service name, version) on every record
//   - Component loggers via With(...)
//
// Domain packages do not import this package directly; they accept a small
// Logger interface (Debug/Info/Warn/Error) which *logging.Logger satisfies.
// This keeps the supervisor, workers and connection layer testable with a
// no-op logger.
//
// Usage:
//
//	log := logging.New(cfg.Logging, version)
//	workerLog := log.With("device_id", deviceID)
//	workerLog.Info("worker started", "interval", interval)
package logging
