// Package deps resolves the external binaries photopipe depends on and
// probes their versions for preflight reporting.
package deps
