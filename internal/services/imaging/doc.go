// Package imaging resizes and recompresses photographs: a downscaled copy is
// sent to the vision model, and export profiles may convert format or size.
// Decoders for JPEG, PNG, WebP, TIFF and BMP are registered.
package imaging
