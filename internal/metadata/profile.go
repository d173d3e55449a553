package metadata

import (
	"strconv"
	"strings"
	"time"
)

// Profile carries the onboarding answers used to attribute and license images.
type Profile struct {
	CreatorName       string   `json:"creator_name"`
	CreatorAliases    []string `json:"creator_aliases,omitempty"`
	JobTitle          string   `json:"job_title,omitempty"`
	Organization      string   `json:"organization,omitempty"`
	ContactEmail      string   `json:"contact_email,omitempty"`
	ContactURL        string   `json:"contact_url,omitempty"`
	CopyrightTemplate string   `json:"copyright_template,omitempty"`
	UsageTerms        string   `json:"usage_terms,omitempty"`
	WebStatement      string   `json:"web_statement,omitempty"`
	City              string   `json:"city,omitempty"`
	Region            string   `json:"region,omitempty"`
	Country           string   `json:"country,omitempty"`
	ModelReleases     bool     `json:"model_releases,omitempty"`
	PropertyReleases  bool     `json:"property_releases,omitempty"`
	DefaultKeywords   []string `json:"default_keywords,omitempty"`
}

// KnownCreators returns the creator name plus aliases, lower-cased and trimmed.
func (p Profile) KnownCreators() []string {
	names := make([]string, 0, len(p.CreatorAliases)+1)
	for _, name := range append([]string{p.CreatorName}, p.CreatorAliases...) {
		if name = strings.ToLower(strings.TrimSpace(name)); name != "" {
			names = append(names, name)
		}
	}
	return names
}

// Copyright expands the copyright template. {year} and {creator} are substituted;
// an empty template yields "© <year> <creator>".
func (p Profile) Copyright(now time.Time) string {
	creator := strings.TrimSpace(p.CreatorName)
	if creator == "" {
		return ""
	}
	template := strings.TrimSpace(p.CopyrightTemplate)
	if template == "" {
		template = "© {year} {creator}"
	}
	replacer := strings.NewReplacer("{year}", strconv.Itoa(now.Year()), "{creator}", creator)
	return replacer.Replace(template)
}

// Release values written to the PLUS release status fields.
const (
	ReleaseUnlimited     = "unlimited"
	ReleaseNone          = "none"
	ReleaseNotApplicable = "not-applicable"
)
