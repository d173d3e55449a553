// Package exiftool wraps the exiftool CLI as the metadata writer: it embeds a
// metadata document into an image copy, reads it back to verify the write,
// and reads the provenance tags that feed authorship classification.
package exiftool
