package metadata

// FilterResult is a filtered document plus the names of removed fields.
type FilterResult struct {
	Document Document `json:"document"`
	Removed  []string `json:"removed,omitempty"`
}

// FilterForAuthorship strips fields the classification does not permit.
// Uncertain images lose every first-person credit field; third-party images
// additionally lose rights and release statements. Unknown statuses are
// treated as third-party.
func FilterForAuthorship(doc Document, status AuthorshipStatus) FilterResult {
	out := doc.Clone()
	var removed []string
	drop := func(name string, present bool, clear func()) {
		if present {
			clear()
			removed = append(removed, name)
		}
	}

	level := status.restrictiveness()
	if level >= AuthorshipUncertain.restrictiveness() {
		drop(FieldCreator, out.Creator != "", func() { out.Creator = "" })
		drop(FieldCreatorJobTitle, out.CreatorJobTitle != "", func() { out.CreatorJobTitle = "" })
		drop(FieldCreditLine, out.CreditLine != "", func() { out.CreditLine = "" })
		drop(FieldCreatorContact, !out.CreatorContact.IsZero(), func() { out.CreatorContact = Contact{} })
	}
	if level >= AuthorshipThirdParty.restrictiveness() {
		drop(FieldCopyright, out.Copyright != "", func() { out.Copyright = "" })
		drop(FieldUsageTerms, out.UsageTerms != "", func() { out.UsageTerms = "" })
		drop(FieldWebStatement, out.WebStatement != "", func() { out.WebStatement = "" })
		drop(FieldModelRelease, out.ModelRelease != "", func() { out.ModelRelease = "" })
		drop(FieldPropertyRelease, out.PropertyRelease != "", func() { out.PropertyRelease = "" })
	}
	return FilterResult{Document: out, Removed: removed}
}
