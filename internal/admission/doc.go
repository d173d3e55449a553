// Package admission decides whether a heavyweight export may start.
//
// Gate bounds the process to a single export at a time and self-heals when a
// holder never releases. RateLimiter enforces a per-user cooldown between
// export requests. Both are process-local; running more than one instance
// requires moving this state into a shared coordination service.
package admission
