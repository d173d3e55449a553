// Package notifications delivers operator events via pluggable notifiers.
//
// The default implementation publishes to ntfy using the topic configured in
// config.toml and degrades to a no-op when notifications are disabled. Export
// and error events can be toggled independently.
//
// Extend this package if you need alternative transports; callers depend only
// on the Service interface.
package notifications
