// Package daemon coordinates the long-running photopipe process.
//
// It wires configuration, the job store, the queue strategy, the export
// service, and the HTTP API into a single lifecycle with flock-based locking
// to prevent multiple instances. On start it returns work orphaned by a
// previous process to pending and, in broker mode, hands it back to the
// broker. Scheduled maintenance (rate limiter sweeps, export cache pruning,
// log retention, pending work requeue) runs on a cron schedule.
//
// Keep orchestration logic here: pipeline stages and export assembly live in
// their own packages while the daemon focuses on startup, shutdown, and high
// level coordination.
package daemon
