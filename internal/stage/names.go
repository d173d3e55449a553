package stage

import "photopipe/internal/jobstore"

// Name identifies a pipeline stage. The same strings label audit events,
// log fields and collaborator errors.
type Name string

const (
	IngestClassify     Name = "ingest-classify"
	VisionAnalyze      Name = "vision-analyze"
	SynthesizeMetadata Name = "synthesize-metadata"
	AuthorshipFilter   Name = "authorship-filter"
	EmbedMetadata      Name = "embed-metadata"
	UploadPersist      Name = "upload-persist"
)

// Full is the complete stage order.
var Full = []Name{IngestClassify, VisionAnalyze, SynthesizeMetadata, AuthorshipFilter, EmbedMetadata, UploadPersist}

// ForJobType returns the stages a job type runs, in order.
func ForJobType(t jobstore.JobType) []Name {
	switch t {
	case jobstore.JobTypeFull:
		return Full
	case jobstore.JobTypeVisionOnly:
		return []Name{IngestClassify, VisionAnalyze}
	case jobstore.JobTypeSynthesisOnly:
		return []Name{SynthesizeMetadata, AuthorshipFilter}
	case jobstore.JobTypeEmbedOnly:
		return []Name{EmbedMetadata, UploadPersist}
	}
	return nil
}

// Progress is the job percentage reached when the stage finishes.
func (n Name) Progress() int {
	switch n {
	case IngestClassify:
		return 10
	case VisionAnalyze:
		return 40
	case SynthesizeMetadata:
		return 60
	case AuthorshipFilter:
		return 70
	case EmbedMetadata:
		return 90
	case UploadPersist:
		return 100
	}
	return 0
}

// AssetStatus is the asset status shown while the stage runs.
func (n Name) AssetStatus() jobstore.AssetStatus {
	switch n {
	case IngestClassify, VisionAnalyze:
		return jobstore.AssetAnalyzing
	case SynthesizeMetadata, AuthorshipFilter:
		return jobstore.AssetSynthesizing
	default:
		return jobstore.AssetEmbedding
	}
}
