// Package pipeline runs the per-asset processing state machine.
//
// An Executor takes a process delivery from the queue, claims the job and runs
// the stage list for its type in strict order: ingest-classify, vision-analyze,
// synthesize-metadata, authorship-filter, embed-metadata, upload-persist.
// Each stage is bracketed by audit events, mirrors its phase onto the asset
// status and raises job progress. Any stage error fails the job and the asset
// with the causal message and is returned so a broker can apply its retry
// policy.
package pipeline
