// Package logging assembles structured slog loggers and formatting helpers used
// across photopipe.
//
// It owns the console/JSON handlers, centralizes level and output plumbing,
// and exposes context-aware helpers so pipeline and export code can tag log
// lines with job, asset and export IDs, stages, and correlation IDs. A
// bounded in-memory StreamHub mirrors recent events for the HTTP API.
//
// Prefer these constructors over hand-rolled slog setup so new components
// emit data with the same shape as the rest of the system.
package logging
