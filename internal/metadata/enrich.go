package metadata

import (
	"strings"
	"time"
)

// ApplyProfileEnrichments force-populates attribution, rights, location and
// release fields from the profile, overriding whatever the model produced.
// Location fields are only overwritten when the profile supplies a value.
func ApplyProfileEnrichments(doc Document, profile Profile, hasPeopleDetected bool) Document {
	return applyProfileEnrichments(doc, profile, hasPeopleDetected, time.Now())
}

func applyProfileEnrichments(doc Document, profile Profile, hasPeopleDetected bool, now time.Time) Document {
	out := doc.Clone()

	if creator := strings.TrimSpace(profile.CreatorName); creator != "" {
		out.Creator = creator
		out.CreditLine = creator
		if org := strings.TrimSpace(profile.Organization); org != "" {
			out.CreditLine = creator + " / " + org
		}
		out.Copyright = profile.Copyright(now)
	}
	out.CreatorJobTitle = strings.TrimSpace(profile.JobTitle)
	out.CreatorContact = Contact{
		Email: strings.TrimSpace(profile.ContactEmail),
		URL:   strings.TrimSpace(profile.ContactURL),
	}
	out.UsageTerms = strings.TrimSpace(profile.UsageTerms)
	out.WebStatement = strings.TrimSpace(profile.WebStatement)

	if v := strings.TrimSpace(profile.City); v != "" {
		out.City = v
	}
	if v := strings.TrimSpace(profile.Region); v != "" {
		out.Region = v
	}
	if v := strings.TrimSpace(profile.Country); v != "" {
		out.Country = v
	}

	switch {
	case !hasPeopleDetected:
		out.ModelRelease = ReleaseNotApplicable
	case profile.ModelReleases:
		out.ModelRelease = ReleaseUnlimited
	default:
		out.ModelRelease = ReleaseNone
	}
	if profile.PropertyReleases {
		out.PropertyRelease = ReleaseUnlimited
	} else {
		out.PropertyRelease = ReleaseNone
	}

	out.Keywords = append(out.Keywords, profile.DefaultKeywords...)
	return out.Normalize()
}
