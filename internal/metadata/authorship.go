package metadata

import (
	"strings"
)

// AuthorshipStatus expresses how much attribution an image may legitimately carry.
type AuthorshipStatus string

// Ordered from most permissive to most restrictive.
const (
	AuthorshipOriginal       AuthorshipStatus = "original"
	AuthorshipLikelyOriginal AuthorshipStatus = "likely_original"
	AuthorshipUncertain      AuthorshipStatus = "uncertain"
	AuthorshipThirdParty     AuthorshipStatus = "third_party"
)

// restrictiveness ranks statuses; unknown values rank as the most restrictive.
func (s AuthorshipStatus) restrictiveness() int {
	switch s {
	case AuthorshipOriginal:
		return 0
	case AuthorshipLikelyOriginal:
		return 1
	case AuthorshipUncertain:
		return 2
	default:
		return 3
	}
}

// Valid reports whether s is a known status.
func (s AuthorshipStatus) Valid() bool {
	switch s {
	case AuthorshipOriginal, AuthorshipLikelyOriginal, AuthorshipUncertain, AuthorshipThirdParty:
		return true
	}
	return false
}

// MoreRestrictive returns whichever of a and b permits less attribution.
func MoreRestrictive(a, b AuthorshipStatus) AuthorshipStatus {
	if b.restrictiveness() > a.restrictiveness() {
		return b
	}
	return a
}

// Signals are the facts about an upload's origin gathered before any model call.
type Signals struct {
	ExistingCreator   string `json:"existing_creator,omitempty"`
	ExistingCopyright string `json:"existing_copyright,omitempty"`
	CameraMake        string `json:"camera_make,omitempty"`
	CameraModel       string `json:"camera_model,omitempty"`
	DigitalSourceType string `json:"digital_source_type,omitempty"`
	// Declared is the uploader's own statement, if any. It can only downgrade.
	Declared AuthorshipStatus `json:"declared,omitempty"`
}

// Evidence is one signal that influenced a classification.
type Evidence struct {
	Signal  string           `json:"signal"`
	Detail  string           `json:"detail,omitempty"`
	Implies AuthorshipStatus `json:"implies"`
}

// Classification is the outcome of ClassifyAuthorship.
type Classification struct {
	Status   AuthorshipStatus `json:"status"`
	Evidence []Evidence       `json:"evidence"`
}

// ClassifyAuthorship derives an authorship status from origin signals.
//
// Supporting evidence sets the starting point (the most permissive supported
// status, uncertain when nothing supports authorship). Conflicting evidence and
// the uploader's declaration are then applied as downgrades, so ambiguous
// combinations always settle on the more restrictive status.
func ClassifyAuthorship(signals Signals, profile Profile) Classification {
	known := profile.KnownCreators()
	var supports, conflicts []Evidence

	if creator := strings.TrimSpace(signals.ExistingCreator); creator != "" {
		if matchesKnown(creator, known) {
			supports = append(supports, Evidence{Signal: "existing_creator", Detail: creator, Implies: AuthorshipOriginal})
		} else {
			conflicts = append(conflicts, Evidence{Signal: "foreign_creator", Detail: creator, Implies: AuthorshipThirdParty})
		}
	}
	if copyright := strings.TrimSpace(signals.ExistingCopyright); copyright != "" {
		if mentionsKnown(copyright, known) {
			supports = append(supports, Evidence{Signal: "existing_copyright", Detail: copyright, Implies: AuthorshipOriginal})
		} else {
			conflicts = append(conflicts, Evidence{Signal: "foreign_copyright", Detail: copyright, Implies: AuthorshipThirdParty})
		}
	}
	if camera := strings.TrimSpace(signals.CameraMake + " " + signals.CameraModel); camera != "" {
		supports = append(supports, Evidence{Signal: "capture_data", Detail: camera, Implies: AuthorshipLikelyOriginal})
	}
	if source := strings.ToLower(signals.DigitalSourceType); strings.Contains(source, "algorithmicmedia") || strings.Contains(source, "composite") {
		conflicts = append(conflicts, Evidence{Signal: "synthetic_source", Detail: signals.DigitalSourceType, Implies: AuthorshipUncertain})
	}

	status := AuthorshipUncertain
	if len(supports) > 0 {
		status = AuthorshipThirdParty
		for _, ev := range supports {
			if ev.Implies.restrictiveness() < status.restrictiveness() {
				status = ev.Implies
			}
		}
	}
	for _, ev := range conflicts {
		status = MoreRestrictive(status, ev.Implies)
	}

	evidence := append(supports, conflicts...)
	if signals.Declared != "" {
		declared := signals.Declared
		if !declared.Valid() {
			declared = AuthorshipThirdParty
		}
		evidence = append(evidence, Evidence{Signal: "declared", Detail: string(signals.Declared), Implies: declared})
		status = MoreRestrictive(status, declared)
	}
	if len(evidence) == 0 {
		evidence = append(evidence, Evidence{Signal: "no_signals", Implies: AuthorshipUncertain})
	}
	return Classification{Status: status, Evidence: evidence}
}

func matchesKnown(name string, known []string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	for _, candidate := range known {
		if name == candidate {
			return true
		}
	}
	return false
}

func mentionsKnown(text string, known []string) bool {
	text = strings.ToLower(text)
	for _, candidate := range known {
		if strings.Contains(text, candidate) {
			return true
		}
	}
	return false
}
