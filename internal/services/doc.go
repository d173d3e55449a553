// Package services defines shared utilities consumed by the pipeline stages,
// the export service and external integrations.
//
// Key responsibilities:
//   - Context helpers that stamp job, asset and export IDs plus correlation
//     identifiers for logging.
//   - Structured error markers plus the Wrap helper that translate
//     collaborator failures into consistent job outcomes.
//   - Problem, the client-facing error carrying a machine-readable kind and an
//     optional retry-after hint.
//
// Use these helpers when wiring new stage logic so error handling and
// observability stay uniform across the pipeline.
package services
