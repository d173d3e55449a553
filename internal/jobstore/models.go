package jobstore

import (
	"errors"
	"time"

	"photopipe/internal/metadata"
)

// ErrActiveJob is returned when an asset already has a non-terminal job.
var ErrActiveJob = errors.New("asset already has an active job")

// JobType selects which stages a job runs.
type JobType string

const (
	JobTypeFull          JobType = "full_pipeline"
	JobTypeVisionOnly    JobType = "vision_only"
	JobTypeSynthesisOnly JobType = "synthesis_only"
	JobTypeEmbedOnly     JobType = "embed_only"
)

// ParseJobType validates a job type string.
func ParseJobType(value string) (JobType, bool) {
	switch t := JobType(value); t {
	case JobTypeFull, JobTypeVisionOnly, JobTypeSynthesisOnly, JobTypeEmbedOnly:
		return t, true
	}
	return "", false
}

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

// AssetStatus mirrors pipeline progress for dashboard polling.
type AssetStatus string

const (
	AssetUploaded     AssetStatus = "uploaded"
	AssetAnalyzing    AssetStatus = "analyzing"
	AssetSynthesizing AssetStatus = "synthesizing"
	AssetEmbedding    AssetStatus = "embedding"
	AssetCompleted    AssetStatus = "completed"
	AssetFailed       AssetStatus = "failed"
	AssetApproved     AssetStatus = "approved"
)

// ExportStatus is the lifecycle state of an export record.
type ExportStatus string

const (
	ExportPending    ExportStatus = "pending"
	ExportProcessing ExportStatus = "processing"
	ExportCompleted  ExportStatus = "completed"
	ExportFailed     ExportStatus = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s ExportStatus) Terminal() bool {
	return s == ExportCompleted || s == ExportFailed
}

// ProfileScope distinguishes project-level from user-level profiles.
type ProfileScope string

const (
	ScopeProject ProfileScope = "project"
	ScopeUser    ProfileScope = "user"
)

// Project groups assets and carries event context.
type Project struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	Name          string    `json:"name"`
	EventName     string    `json:"event_name,omitempty"`
	EventDate     string    `json:"event_date,omitempty"`
	EventLocation string    `json:"event_location,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// Profile is a stored creator profile.
type Profile struct {
	ID        string           `json:"id"`
	Scope     ProfileScope     `json:"scope"`
	OwnerID   string           `json:"owner_id"`
	Data      metadata.Profile `json:"profile"`
	CreatedAt time.Time        `json:"created_at"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// Asset is a single uploaded photograph.
type Asset struct {
	ID                 string                    `json:"id"`
	ProjectID          string                    `json:"project_id"`
	UserID             string                    `json:"user_id"`
	Filename           string                    `json:"filename"`
	MIMEType           string                    `json:"mime_type,omitempty"`
	ContentHash        string                    `json:"content_hash"`
	SizeBytes          int64                     `json:"size_bytes"`
	OriginalPath       string                    `json:"original_path"`
	EmbeddedPath       string                    `json:"embedded_path,omitempty"`
	EmbeddedLocator    string                    `json:"embedded_locator,omitempty"`
	UserContext        string                    `json:"user_context,omitempty"`
	DeclaredAuthorship metadata.AuthorshipStatus `json:"declared_authorship,omitempty"`
	Status             AssetStatus               `json:"status"`
	ErrorMessage       string                    `json:"error,omitempty"`
	CreatedAt          time.Time                 `json:"created_at"`
	UpdatedAt          time.Time                 `json:"updated_at"`
}

// Job drives one asset through one pipeline type.
type Job struct {
	ID           string     `json:"id"`
	AssetID      string     `json:"asset_id"`
	ProjectID    string     `json:"project_id"`
	UserID       string     `json:"user_id,omitempty"`
	Type         JobType    `json:"type"`
	Status       JobStatus  `json:"status"`
	Progress     int        `json:"progress"`
	ErrorMessage string     `json:"error,omitempty"`
	Attempts     int        `json:"attempts"`
	CreatedAt    time.Time  `json:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// AuthorshipResult is a persisted ingest-classify outcome.
type AuthorshipResult struct {
	ID             string                  `json:"id"`
	AssetID        string                  `json:"asset_id"`
	JobID          string                  `json:"job_id,omitempty"`
	Classification metadata.Classification `json:"classification"`
	CreatedAt      time.Time               `json:"created_at"`
}

// VisionResult is a persisted vision-analyze outcome.
type VisionResult struct {
	ID            string    `json:"id"`
	AssetID       string    `json:"asset_id"`
	JobID         string    `json:"job_id,omitempty"`
	ContentHash   string    `json:"content_hash"`
	AnalysisJSON  string    `json:"analysis"`
	ModelID       string    `json:"model_id,omitempty"`
	PromptVersion string    `json:"prompt_version,omitempty"`
	TokensUsed    int       `json:"tokens_used"`
	ProcessingMS  int64     `json:"processing_ms"`
	CreatedAt     time.Time `json:"created_at"`
}

// MetadataResult is a persisted synthesis outcome, later annotated by the authorship filter.
type MetadataResult struct {
	ID             string             `json:"id"`
	AssetID        string             `json:"asset_id"`
	JobID          string             `json:"job_id,omitempty"`
	VisionResultID string             `json:"vision_result_id,omitempty"`
	Document       metadata.Document  `json:"document"`
	Filtered       *metadata.Document `json:"filtered,omitempty"`
	RemovedFields  []string           `json:"removed_fields,omitempty"`
	ModelID        string             `json:"model_id,omitempty"`
	PromptVersion  string             `json:"prompt_version,omitempty"`
	TokensUsed     int                `json:"tokens_used"`
	ProcessingMS   int64              `json:"processing_ms"`
	CreatedAt      time.Time          `json:"created_at"`
}

// Effective returns the filtered document when present, else the synthesized one.
func (m *MetadataResult) Effective() metadata.Document {
	if m.Filtered != nil {
		return *m.Filtered
	}
	return m.Document
}

// EmbedResult is a persisted embed-metadata outcome.
type EmbedResult struct {
	ID               string    `json:"id"`
	AssetID          string    `json:"asset_id"`
	JobID            string    `json:"job_id,omitempty"`
	MetadataResultID string    `json:"metadata_result_id,omitempty"`
	OutputPath       string    `json:"output_path"`
	StorageLocator   string    `json:"storage_locator,omitempty"`
	FieldsWritten    int       `json:"fields_written"`
	Verified         bool      `json:"verified"`
	CreatedAt        time.Time `json:"created_at"`
}

// JobResults links the final results produced by a completed job.
type JobResults struct {
	JobID            string    `json:"job_id"`
	VisionResultID   string    `json:"vision_result_id,omitempty"`
	MetadataResultID string    `json:"metadata_result_id,omitempty"`
	EmbedResultID    string    `json:"embed_result_id,omitempty"`
	CompletedAt      time.Time `json:"completed_at"`
}

// Export is a downloadable bundle request.
type Export struct {
	ID              string       `json:"id"`
	ProjectID       string       `json:"project_id"`
	UserID          string       `json:"user_id,omitempty"`
	DestinationType string       `json:"destination_type"`
	Status          ExportStatus `json:"status"`
	OutputPath      string       `json:"output_path,omitempty"`
	ErrorMessage    string       `json:"error,omitempty"`
	OptionsJSON     string       `json:"-"`
	AssetCount      int          `json:"asset_count"`
	FilesAdded      int          `json:"files_added"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	CompletedAt     *time.Time   `json:"completed_at,omitempty"`
}

// ExportAsset records the per-asset outcome within an export.
type ExportAsset struct {
	ExportID string `json:"export_id"`
	AssetID  string `json:"asset_id"`
	Position int    `json:"position"`
	Status   string `json:"status"`
	Source   string `json:"source,omitempty"`
	Reason   string `json:"reason,omitempty"`
}

// Export asset outcomes.
const (
	ExportAssetPending = "pending"
	ExportAssetAdded   = "added"
	ExportAssetFailed  = "failed"
)

// AuditEvent is one append-only pipeline audit entry.
type AuditEvent struct {
	ID        int64     `json:"id"`
	AssetID   string    `json:"asset_id"`
	JobID     string    `json:"job_id,omitempty"`
	Stage     string    `json:"stage"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Counts groups row counts by status for introspection.
type Counts map[string]int
