// Package progress fans out best-effort live progress snapshots for jobs and
// exports. Nothing here is durable; the job store remains the source of truth.
package progress
