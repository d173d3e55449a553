// Package httpapi serves photopipe's HTTP API: projects and creator profiles,
// asset upload, job submission and retry, audit trails, export creation and
// download, live export progress over WebSocket, daemon status and the log
// stream.
//
// Rejections are written as api.ProblemResponse bodies. The status code
// follows the problem kind (validation 400, not_found 404, conflict 409,
// limit_exceeded 413, rate_limited 429, busy 503, anything else 500) and
// retryable kinds carry a Retry-After header.
//
// Authentication is a single bearer token; an empty token disables it.
package httpapi
