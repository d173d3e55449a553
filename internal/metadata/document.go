package metadata

import (
	"slices"
	"strings"
)

// Contact holds creator contact details.
type Contact struct {
	Email string `json:"email,omitempty"`
	URL   string `json:"url,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// IsZero reports whether no contact detail is set.
func (c Contact) IsZero() bool {
	return c.Email == "" && c.URL == "" && c.Phone == ""
}

// Document is the metadata written into an image's XMP/IPTC/EXIF containers.
type Document struct {
	Title       string   `json:"title,omitempty"`
	Headline    string   `json:"headline,omitempty"`
	Description string   `json:"description,omitempty"`
	AltText     string   `json:"alt_text,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Event       string   `json:"event,omitempty"`

	Creator         string  `json:"creator,omitempty"`
	CreatorJobTitle string  `json:"creator_job_title,omitempty"`
	CreditLine      string  `json:"credit_line,omitempty"`
	CreatorContact  Contact `json:"creator_contact,omitzero"`

	Copyright    string `json:"copyright,omitempty"`
	UsageTerms   string `json:"usage_terms,omitempty"`
	WebStatement string `json:"web_statement,omitempty"`

	Sublocation string `json:"sublocation,omitempty"`
	City        string `json:"city,omitempty"`
	Region      string `json:"region,omitempty"`
	Country     string `json:"country,omitempty"`

	ModelRelease    string `json:"model_release,omitempty"`
	PropertyRelease string `json:"property_release,omitempty"`
}

// Field names used in filter reports and audit events.
const (
	FieldCreator         = "creator"
	FieldCreatorJobTitle = "creator_job_title"
	FieldCreditLine      = "credit_line"
	FieldCreatorContact  = "creator_contact"
	FieldCopyright       = "copyright"
	FieldUsageTerms      = "usage_terms"
	FieldWebStatement    = "web_statement"
	FieldModelRelease    = "model_release"
	FieldPropertyRelease = "property_release"
)

// Clone returns a deep copy of the document.
func (d Document) Clone() Document {
	d.Keywords = slices.Clone(d.Keywords)
	return d
}

// Normalize trims whitespace and removes duplicate keywords, keeping first occurrence order.
func (d Document) Normalize() Document {
	out := d.Clone()
	out.Title = strings.TrimSpace(out.Title)
	out.Headline = strings.TrimSpace(out.Headline)
	out.Description = strings.TrimSpace(out.Description)
	out.AltText = strings.TrimSpace(out.AltText)
	seen := make(map[string]struct{}, len(out.Keywords))
	keywords := out.Keywords[:0]
	for _, kw := range out.Keywords {
		kw = strings.TrimSpace(kw)
		key := strings.ToLower(kw)
		if kw == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		keywords = append(keywords, kw)
	}
	out.Keywords = keywords
	return out
}

// HasCreatorCredit reports whether any first-person credit field is populated.
func (d Document) HasCreatorCredit() bool {
	return d.Creator != "" || d.CreatorJobTitle != "" || d.CreditLine != "" || !d.CreatorContact.IsZero()
}
