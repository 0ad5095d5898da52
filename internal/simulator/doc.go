// Package simulator owns device lifecycle: the durable device table,
// the per-device worker loop and the supervisor that spawns, stops and
// reaps workers.
//
// One worker per active device; workers share nothing but the durable
// stores, which are mutated through single-key atomic operations. A
// worker suspends only on its tick timer and inside its connection
// manager; cancelling it aborts any of those waits immediately.
package simulator
