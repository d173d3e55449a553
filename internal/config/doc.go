// Package config loads, normalizes, and validates photopipe configuration data.
//
// It supplies repository defaults, expands user paths (including tilde
// shortcuts), reads TOML files, and honours environment fallbacks for
// secrets such as the broker URL, object-store credentials and the vision
// API key. The Config type centralizes every knob the daemon and CLI need,
// so queue tuning, admission limits and storage settings are discovered in
// one pass.
//
// Always obtain settings through this package so downstream code receives
// sanitized paths, canonical log formats, and clear validation errors.
package config
