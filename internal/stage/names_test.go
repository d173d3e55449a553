package stage

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"photopipe/internal/jobstore"
)

func TestForJobType(t *testing.T) {
	assert.Equal(t, Full, ForJobType(jobstore.JobTypeFull))
	assert.Equal(t, []Name{IngestClassify, VisionAnalyze}, ForJobType(jobstore.JobTypeVisionOnly))
	assert.Equal(t, []Name{SynthesizeMetadata, AuthorshipFilter}, ForJobType(jobstore.JobTypeSynthesisOnly))
	assert.Equal(t, []Name{EmbedMetadata, UploadPersist}, ForJobType(jobstore.JobTypeEmbedOnly))
	assert.Nil(t, ForJobType("bogus"))
}

func TestProgressIsMonotonicAcrossFullPipeline(t *testing.T) {
	last := 0
	for _, name := range Full {
		assert.Greater(t, name.Progress(), last, string(name))
		last = name.Progress()
	}
	assert.Equal(t, 100, last)
}

func TestAssetStatusMirrorsStage(t *testing.T) {
	assert.Equal(t, jobstore.AssetAnalyzing, VisionAnalyze.AssetStatus())
	assert.Equal(t, jobstore.AssetSynthesizing, AuthorshipFilter.AssetStatus())
	assert.Equal(t, jobstore.AssetEmbedding, UploadPersist.AssetStatus())
}
