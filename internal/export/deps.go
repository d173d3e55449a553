package export

import (
	"context"

	"photopipe/internal/jobstore"
	"photopipe/internal/metadata"
	"photopipe/internal/queue"
	"photopipe/internal/services/exiftool"
)

// Store is the slice of the job store exports use.
type Store interface {
	GetProject(ctx context.Context, id string) (*jobstore.Project, error)
	GetAsset(ctx context.Context, id string) (*jobstore.Asset, error)
	LatestEmbedResult(ctx context.Context, assetID string) (*jobstore.EmbedResult, error)
	LatestMetadataResult(ctx context.Context, assetID string) (*jobstore.MetadataResult, error)

	CreateExport(ctx context.Context, spec jobstore.NewExport) (*jobstore.Export, error)
	GetExport(ctx context.Context, id string) (*jobstore.Export, error)
	ExportAssets(ctx context.Context, exportID string) ([]jobstore.ExportAsset, error)
	ClaimExport(ctx context.Context, id string) (bool, error)
	ReleaseExport(ctx context.Context, id string) error
	CompleteExport(ctx context.Context, id, outputPath string, filesAdded int) error
	FailExport(ctx context.Context, id, message string) error
	UpdateExportOutput(ctx context.Context, id, outputPath string, filesAdded int) error
	RecordExportAsset(ctx context.Context, exportID, assetID, status, source, reason string) error
}

// Enqueuer hands export tasks to the queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, task queue.Task) error
}

// MetadataWriter re-embeds metadata into transformed files.
type MetadataWriter interface {
	Write(ctx context.Context, sourcePath, outputPath string, doc metadata.Document) (exiftool.WriteResult, error)
}
