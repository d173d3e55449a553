package pipeline

import (
	"context"

	"photopipe/internal/jobstore"
	"photopipe/internal/metadata"
	"photopipe/internal/services/exiftool"
	"photopipe/internal/services/vision"
)

// Store is the slice of the job store the executor drives.
type Store interface {
	GetJob(ctx context.Context, id string) (*jobstore.Job, error)
	MarkJobStarted(ctx context.Context, id string, retry bool) (bool, error)
	UpdateJobProgress(ctx context.Context, id string, progress int) error
	MarkJobCompleted(ctx context.Context, id string) error
	MarkJobFailed(ctx context.Context, id, message string) error

	GetAsset(ctx context.Context, id string) (*jobstore.Asset, error)
	SetAssetStatus(ctx context.Context, id string, status jobstore.AssetStatus, message string) error
	SetAssetEmbedded(ctx context.Context, id, localPath, locator string) error
	GetProject(ctx context.Context, id string) (*jobstore.Project, error)
	GetProfile(ctx context.Context, scope jobstore.ProfileScope, ownerID string) (*jobstore.Profile, error)

	SaveAuthorship(ctx context.Context, assetID, jobID string, classification metadata.Classification) (*jobstore.AuthorshipResult, error)
	LatestAuthorship(ctx context.Context, assetID string) (*jobstore.AuthorshipResult, error)
	SaveVisionResult(ctx context.Context, result jobstore.VisionResult) (*jobstore.VisionResult, error)
	LatestVisionResult(ctx context.Context, assetID string) (*jobstore.VisionResult, error)
	SaveMetadataResult(ctx context.Context, result jobstore.MetadataResult) (*jobstore.MetadataResult, error)
	SetFilteredMetadata(ctx context.Context, id string, filtered metadata.Document, removed []string) error
	LatestMetadataResult(ctx context.Context, assetID string) (*jobstore.MetadataResult, error)
	SaveEmbedResult(ctx context.Context, result jobstore.EmbedResult) (*jobstore.EmbedResult, error)
	LinkJobResults(ctx context.Context, links jobstore.JobResults) error

	AppendAudit(ctx context.Context, event jobstore.AuditEvent) error
}

// Vision analyzes images and synthesizes metadata documents.
type Vision interface {
	Analyze(ctx context.Context, req vision.AnalyzeRequest) (vision.AnalyzeResult, error)
	Synthesize(ctx context.Context, req vision.SynthesizeRequest) (vision.SynthesizeResult, error)
}

// MetadataWriter reads provenance tags and writes metadata into image files.
type MetadataWriter interface {
	ReadExisting(ctx context.Context, path string) (exiftool.Existing, error)
	Write(ctx context.Context, sourcePath, outputPath string, doc metadata.Document) (exiftool.WriteResult, error)
	Verify(ctx context.Context, path string, doc metadata.Document) (exiftool.VerifyResult, error)
}

// ImagePreparer downsizes an image for the vision model and returns its bytes and MIME type.
type ImagePreparer func(path string, maxEdge int) ([]byte, string, error)
