// Package export assembles downloadable archives of processed assets.
//
// Create runs admission control (asset ceiling, per-user cooldown, global
// gate) and records a pending export; it never queues behind a busy gate.
// Run is the export queue worker: it walks the requested assets in caller
// order, resolves the best available file for each, streams it into a zip
// archive and persists the archive locally or in object storage. Download
// hands back a signed URL or a local file and rebuilds the archive from
// embedded results when neither survives.
package export
