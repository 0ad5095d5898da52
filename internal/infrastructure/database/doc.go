// Package database provides SQLite connectivity for the device simulator.
//
// This package manages:
//   - Connection lifecycle with WAL mode and busy timeout pragmas
//   - Embedded schema migrations applied at startup
//   - Health checks
//
// The database holds the simulator's durable state: the device table, the
// registration records and the appended measurement rows. It is the only
// state that survives a process restart; running workers do not.
//
// # Concurrency
//
// The pool is limited to a single connection, matching SQLite's single-writer
// model. Repositories built on this package get per-statement atomicity for
// free, which the registration store and device status table rely on.
//
// Usage:
//
//	db, err := database.Open(ctx, database.Config{Path: "./data/iotsim.db", WALMode: true, BusyTimeout: 5})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer db.Close()
//
//	if err := db.Migrate(ctx); err != nil {
//	    log.Fatal(err)
//	}
package database
