package exiftool

import (
	"photopipe/internal/metadata"
)

type tagWrite struct {
	field string
	tags  []string
	value string
}

var releaseURIs = map[string]map[string]string{
	metadata.FieldModelRelease: {
		metadata.ReleaseUnlimited:     "http://ns.useplus.org/ldf/vocab/MR-UMR",
		metadata.ReleaseNone:          "http://ns.useplus.org/ldf/vocab/MR-NON",
		metadata.ReleaseNotApplicable: "http://ns.useplus.org/ldf/vocab/MR-NAP",
	},
	metadata.FieldPropertyRelease: {
		metadata.ReleaseUnlimited:     "http://ns.useplus.org/ldf/vocab/PR-UPR",
		metadata.ReleaseNone:          "http://ns.useplus.org/ldf/vocab/PR-NON",
		metadata.ReleaseNotApplicable: "http://ns.useplus.org/ldf/vocab/PR-NAP",
	},
}

// scalarWrites maps each populated scalar document field onto its tags.
func scalarWrites(doc metadata.Document) []tagWrite {
	all := []tagWrite{
		{"title", []string{"XMP-dc:Title", "IPTC:ObjectName"}, doc.Title},
		{"headline", []string{"XMP-photoshop:Headline", "IPTC:Headline"}, doc.Headline},
		{"description", []string{"XMP-dc:Description", "IPTC:Caption-Abstract", "EXIF:ImageDescription"}, doc.Description},
		{"alt_text", []string{"XMP-iptcCore:AltTextAccessibility"}, doc.AltText},
		{"event", []string{"XMP-iptcExt:Event"}, doc.Event},
		{metadata.FieldCreator, []string{"XMP-dc:Creator", "IPTC:By-line", "EXIF:Artist"}, doc.Creator},
		{metadata.FieldCreatorJobTitle, []string{"XMP-photoshop:AuthorsPosition", "IPTC:By-lineTitle"}, doc.CreatorJobTitle},
		{metadata.FieldCreditLine, []string{"XMP-photoshop:Credit", "IPTC:Credit"}, doc.CreditLine},
		{metadata.FieldCopyright, []string{"XMP-dc:Rights", "IPTC:CopyrightNotice", "EXIF:Copyright"}, doc.Copyright},
		{metadata.FieldUsageTerms, []string{"XMP-xmpRights:UsageTerms"}, doc.UsageTerms},
		{metadata.FieldWebStatement, []string{"XMP-xmpRights:WebStatement"}, doc.WebStatement},
		{"sublocation", []string{"XMP-iptcCore:Location", "IPTC:Sub-location"}, doc.Sublocation},
		{"city", []string{"XMP-photoshop:City", "IPTC:City"}, doc.City},
		{"region", []string{"XMP-photoshop:State", "IPTC:Province-State"}, doc.Region},
		{"country", []string{"XMP-photoshop:Country", "IPTC:Country-PrimaryLocationName"}, doc.Country},
	}
	out := all[:0]
	for _, w := range all {
		if w.value != "" {
			out = append(out, w)
		}
	}
	return out
}

// buildWriteArgs renders the exiftool arguments that embed doc and returns
// how many document fields they cover.
func buildWriteArgs(doc metadata.Document) ([]string, int) {
	args := []string{"-charset", "utf8", "-codedcharacterset=utf8"}
	fields := 0
	for _, w := range scalarWrites(doc) {
		for _, tag := range w.tags {
			args = append(args, "-"+tag+"="+w.value)
		}
		fields++
	}
	if len(doc.Keywords) > 0 {
		for _, kw := range doc.Keywords {
			args = append(args, "-XMP-dc:Subject+="+kw, "-IPTC:Keywords+="+kw)
		}
		fields++
	}
	contact := doc.CreatorContact
	if !contact.IsZero() {
		if contact.Email != "" {
			args = append(args, "-XMP-iptcCore:CreatorWorkEmail="+contact.Email)
		}
		if contact.URL != "" {
			args = append(args, "-XMP-iptcCore:CreatorWorkURL="+contact.URL)
		}
		if contact.Phone != "" {
			args = append(args, "-XMP-iptcCore:CreatorWorkTelephone="+contact.Phone)
		}
		fields++
	}
	releases := []struct{ field, tag, value string }{
		{metadata.FieldModelRelease, "XMP-plus:ModelReleaseStatus", doc.ModelRelease},
		{metadata.FieldPropertyRelease, "XMP-plus:PropertyReleaseStatus", doc.PropertyRelease},
	}
	for _, r := range releases {
		uri, ok := releaseURIs[r.field][r.value]
		if !ok {
			continue
		}
		args = append(args, "-"+r.tag+"#="+uri)
		fields++
	}
	return args, fields
}
