// Command photopipe runs the photo pipeline daemon and talks to it over its
// HTTP API.
//
// `photopipe serve` runs the daemon in the foreground; `start` and `stop`
// manage a detached instance. The remaining commands (queue, job, export,
// logs) are thin clients of the daemon API and fail fast with a hint when it
// is not reachable. `config init` writes a commented sample configuration.
package main
