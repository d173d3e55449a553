package api

import (
	"photopipe/internal/admission"
	"photopipe/internal/jobstore"
	"photopipe/internal/preflight"
	"photopipe/internal/progress"
	"photopipe/internal/queue"
	"photopipe/internal/staging"
)

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// StatusResponse aggregates daemon runtime information for API consumers.
type StatusResponse struct {
	Running          bool                    `json:"running"`
	PID              int                     `json:"pid"`
	StartedAt        string                  `json:"started_at,omitempty"`
	Queue            queue.Stats             `json:"queue"`
	Gate             admission.Holder        `json:"gate"`
	RateLimitEntries int                     `json:"rate_limit_entries"`
	StorageAvailable bool                    `json:"storage_available"`
	ProgressStreams  int                     `json:"progress_streams"`
	Cache            staging.Usage           `json:"cache"`
	Database         jobstore.DatabaseHealth `json:"database"`
	Preflight        []preflight.Result      `json:"preflight,omitempty"`
}

// ProblemResponse is the error body for rejected requests.
type ProblemResponse struct {
	Kind              string `json:"kind"`
	Message           string `json:"message"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
}

// ProjectRequest creates a project.
type ProjectRequest struct {
	UserID        string `json:"user_id" validate:"required"`
	Name          string `json:"name" validate:"required,max=200"`
	EventName     string `json:"event_name,omitempty" validate:"max=200"`
	EventDate     string `json:"event_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	EventLocation string `json:"event_location,omitempty" validate:"max=200"`
}

// JobRequest submits a pipeline job for an asset.
type JobRequest struct {
	AssetID string `json:"asset_id" validate:"required"`
	Type    string `json:"type" validate:"required,oneof=full_pipeline vision_only synthesis_only embed_only"`
	UserID  string `json:"user_id,omitempty"`
}

// AssetResponse is an asset with its job history.
type AssetResponse struct {
	Asset *jobstore.Asset `json:"asset"`
	Jobs  []*jobstore.Job `json:"jobs"`
}

// AuditResponse lists an asset's audit trail in insertion order.
type AuditResponse struct {
	AssetID string                `json:"asset_id"`
	Events  []jobstore.AuditEvent `json:"events"`
}

// ExportResponse is an export record with its per-asset outcomes and live
// progress when the export is still tracked.
type ExportResponse struct {
	Export   *jobstore.Export       `json:"export"`
	Assets   []jobstore.ExportAsset `json:"assets,omitempty"`
	Progress *progress.Snapshot     `json:"progress,omitempty"`
}

// LogEvent is a structured log line streamed to API clients.
type LogEvent struct {
	Sequence      uint64            `json:"seq"`
	Timestamp     string            `json:"ts"`
	Level         string            `json:"level"`
	Message       string            `json:"msg"`
	Component     string            `json:"component,omitempty"`
	Stage         string            `json:"stage,omitempty"`
	JobID         string            `json:"job_id,omitempty"`
	ExportID      string            `json:"export_id,omitempty"`
	CorrelationID string            `json:"correlation_id,omitempty"`
	Fields        map[string]string `json:"fields,omitempty"`
}

// LogStreamResponse is a page of log events. Next is the cursor for the
// following request.
type LogStreamResponse struct {
	Events []LogEvent `json:"events"`
	Next   uint64     `json:"next"`
}
