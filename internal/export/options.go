package export

import (
	"encoding/json"
	"strings"

	"photopipe/internal/services"
	"photopipe/internal/services/imaging"
)

// Naming selects how archive entries are named.
type Naming string

const (
	NamingOriginal Naming = "original"
	NamingAssetID  Naming = "asset_id"
	NamingSequence Naming = "sequence"
)

// Options is the per-export profile supplied at creation time.
type Options struct {
	Format  string `json:"format,omitempty" validate:"omitempty,oneof=original jpeg jpg png"`
	MaxEdge int    `json:"max_edge,omitempty" validate:"omitempty,min=64,max=12000"`
	Quality int    `json:"quality,omitempty" validate:"omitempty,min=1,max=100"`
	Naming  Naming `json:"naming,omitempty" validate:"omitempty,oneof=original asset_id sequence"`

	// ReembedMetadata writes the asset's metadata back after a transform,
	// which otherwise drops it.
	ReembedMetadata bool `json:"reembed_metadata,omitempty"`
}

// Imaging converts the options to transform settings.
func (o Options) Imaging() (imaging.Options, error) {
	format, err := imaging.ParseFormat(o.Format)
	if err != nil {
		return imaging.Options{}, err
	}
	return imaging.Options{MaxEdge: max(o.MaxEdge, 0), Format: format, Quality: o.Quality}, nil
}

// Normalize fills defaults and rejects unknown values.
func (o Options) Normalize() (Options, error) {
	o.Format = strings.ToLower(strings.TrimSpace(o.Format))
	o.Naming = Naming(strings.ToLower(strings.TrimSpace(string(o.Naming))))
	if o.Naming == "" {
		o.Naming = NamingOriginal
	}
	switch o.Naming {
	case NamingOriginal, NamingAssetID, NamingSequence:
	default:
		return o, services.Wrap(services.ErrValidation, "export", "options", "unknown naming "+string(o.Naming), nil)
	}
	if _, err := o.Imaging(); err != nil {
		return o, err
	}
	return o, nil
}

func (o Options) encode() (string, error) {
	if o == (Options{Naming: NamingOriginal}) {
		return "", nil
	}
	raw, err := json.Marshal(o)
	if err != nil {
		return "", services.Wrap(services.ErrValidation, "export", "encode options", "", err)
	}
	return string(raw), nil
}

func decodeOptions(raw string) (Options, error) {
	var o Options
	if strings.TrimSpace(raw) != "" {
		if err := json.Unmarshal([]byte(raw), &o); err != nil {
			return Options{}, services.Wrap(services.ErrValidation, "export", "decode options", "", err)
		}
	}
	return o.Normalize()
}
