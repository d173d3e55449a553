// Package metadata defines the structured metadata document embedded into
// photographs, the creator profiles that feed it, and the deterministic rules
// applied around model output: authorship classification, profile
// enrichment and the authorship filter.
//
// Everything here is pure and side-effect free so the pipeline can persist
// each intermediate result for later audit.
package metadata
