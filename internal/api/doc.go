// Package api defines the wire-format types shared by the HTTP server and the
// CLI client, plus the job submission service both of them drive.
//
// # Key Types
//
// StatusResponse: queue mode and depths, admission state, storage
// availability, cache usage and preflight results.
//
// ProblemResponse: the JSON body of every rejected request. Kind is machine
// readable; RetryAfterSeconds mirrors the Retry-After header.
//
// LogEvent/LogStreamResponse: structured log payloads for live tailing.
//
// # Job submission
//
// JobService.Submit records a pending job and hands it to the process queue.
// An asset has at most one pending or running job; a second submission is a
// conflict. JobService.Retry submits a fresh job for the asset and type of a
// failed job.
//
// # Design Notes
//
// Persistent records (projects, assets, jobs, exports, audit events) are
// served as their jobstore types, which already carry snake_case JSON tags.
// Timestamps use RFC3339 with milliseconds.
package api
