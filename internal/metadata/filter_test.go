package metadata_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"photopipe/internal/metadata"
)

func creditedDocument() metadata.Document {
	return metadata.Document{
		Title:           "Harbour at dusk",
		Creator:         "Ada Lens",
		CreatorJobTitle: "Photographer",
		CreditLine:      "Ada Lens",
		CreatorContact:  metadata.Contact{Email: "ada@example.com"},
		Copyright:       "© 2026 Ada Lens",
		UsageTerms:      "All rights reserved",
		ModelRelease:    metadata.ReleaseNone,
		Keywords:        []string{"harbour"},
	}
}

func TestFilterOriginalKeepsEverything(t *testing.T) {
	result := metadata.FilterForAuthorship(creditedDocument(), metadata.AuthorshipOriginal)
	assert.Empty(t, result.Removed)
	assert.Equal(t, creditedDocument(), result.Document)
}

func TestFilterUncertainRemovesCredit(t *testing.T) {
	result := metadata.FilterForAuthorship(creditedDocument(), metadata.AuthorshipUncertain)
	assert.False(t, result.Document.HasCreatorCredit())
	assert.Equal(t, "© 2026 Ada Lens", result.Document.Copyright)
	assert.ElementsMatch(t, []string{
		metadata.FieldCreator, metadata.FieldCreatorJobTitle, metadata.FieldCreditLine, metadata.FieldCreatorContact,
	}, result.Removed)
}

func TestFilterMostRestrictiveNeverLeavesCredit(t *testing.T) {
	for _, status := range []metadata.AuthorshipStatus{metadata.AuthorshipThirdParty, "unknown"} {
		result := metadata.FilterForAuthorship(creditedDocument(), status)
		assert.False(t, result.Document.HasCreatorCredit(), "status %s", status)
		assert.Empty(t, result.Document.Copyright)
		assert.Empty(t, result.Document.UsageTerms)
		assert.Empty(t, result.Document.ModelRelease)
		assert.Contains(t, result.Removed, metadata.FieldCopyright)
		assert.Equal(t, "Harbour at dusk", result.Document.Title)
	}
}

func TestFilterDoesNotMutateInput(t *testing.T) {
	doc := creditedDocument()
	_ = metadata.FilterForAuthorship(doc, metadata.AuthorshipThirdParty)
	assert.Equal(t, "Ada Lens", doc.Creator)
}
