package metadata_test

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"photopipe/internal/metadata"
)

func TestApplyProfileEnrichmentsOverridesModelOutput(t *testing.T) {
	doc := metadata.Document{
		Title:    "Street market",
		Creator:  "the model guessed this",
		City:     "Model City",
		Region:   "Model Region",
		Keywords: []string{"market", " Market ", "food"},
	}
	profile := metadata.Profile{
		CreatorName:     "Ada Lens",
		Organization:    "Lens Studio",
		ContactEmail:    "ada@example.com",
		UsageTerms:      "Editorial use only",
		City:            "Lisbon",
		ModelReleases:   true,
		DefaultKeywords: []string{"portfolio", "food"},
	}

	out := metadata.ApplyProfileEnrichments(doc, profile, true)
	assert.Equal(t, "Ada Lens", out.Creator)
	assert.Equal(t, "Ada Lens / Lens Studio", out.CreditLine)
	assert.Equal(t, "ada@example.com", out.CreatorContact.Email)
	assert.Equal(t, "© "+strconv.Itoa(time.Now().Year())+" Ada Lens", out.Copyright)
	assert.Equal(t, "Editorial use only", out.UsageTerms)
	assert.Equal(t, "Lisbon", out.City)
	assert.Equal(t, "Model Region", out.Region)
	assert.Equal(t, metadata.ReleaseUnlimited, out.ModelRelease)
	assert.Equal(t, metadata.ReleaseNone, out.PropertyRelease)
	assert.Equal(t, []string{"market", "food", "portfolio"}, out.Keywords)
}

func TestApplyProfileEnrichmentsWithoutPeople(t *testing.T) {
	out := metadata.ApplyProfileEnrichments(metadata.Document{}, metadata.Profile{CreatorName: "Ada"}, false)
	assert.Equal(t, metadata.ReleaseNotApplicable, out.ModelRelease)
}

func TestProfileCopyrightTemplate(t *testing.T) {
	p := metadata.Profile{CreatorName: "Ada Lens", CopyrightTemplate: "Copyright {year} {creator}. All rights reserved."}
	now := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, "Copyright 2025 Ada Lens. All rights reserved.", p.Copyright(now))
	assert.Empty(t, metadata.Profile{}.Copyright(now))
}
