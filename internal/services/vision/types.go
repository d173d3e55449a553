package vision

import (
	"photopipe/internal/metadata"
)

// Analysis is the structured scene description produced by Analyze.
type Analysis struct {
	Caption     string   `json:"caption"`
	Description string   `json:"description"`
	Subjects    []string `json:"subjects,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	Setting     string   `json:"setting,omitempty"`
	Mood        string   `json:"mood,omitempty"`
	Colors      []string `json:"colors,omitempty"`
	VisibleText string   `json:"visible_text,omitempty"`
	PeopleCount int      `json:"people_count"`
	HasPeople   bool     `json:"has_people"`
}

// PeopleDetected reports whether the analysis found any people.
func (a Analysis) PeopleDetected() bool {
	return a.HasPeople || a.PeopleCount > 0
}

// Usage captures reproducibility data for a model call.
type Usage struct {
	ModelID       string `json:"model_id"`
	PromptVersion string `json:"prompt_version"`
	TokensUsed    int    `json:"tokens_used"`
	ProcessingMS  int64  `json:"processing_ms"`
}

// AnalyzeRequest is the input to Analyze.
type AnalyzeRequest struct {
	Image       []byte
	MIMEType    string
	AssetID     string
	ContentHash string
}

// AnalyzeResult is the output of Analyze.
type AnalyzeResult struct {
	Analysis Analysis
	Raw      string
	Usage    Usage
}

// EventContext describes the shoot the asset belongs to.
type EventContext struct {
	Name     string `json:"name,omitempty"`
	Date     string `json:"date,omitempty"`
	Location string `json:"location,omitempty"`
}

// IsZero reports whether no event context is set.
func (e EventContext) IsZero() bool {
	return e.Name == "" && e.Date == "" && e.Location == ""
}

// SynthesizeRequest is the input to Synthesize.
type SynthesizeRequest struct {
	Analysis    Analysis
	Profile     metadata.Profile
	UserContext string
	Event       EventContext
}

// SynthesizeResult is the output of Synthesize.
type SynthesizeResult struct {
	Document metadata.Document
	Usage    Usage
}
