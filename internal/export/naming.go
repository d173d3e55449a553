package export

import (
	"fmt"
	"path/filepath"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const maxEntryBase = 120

// entryNames hands out unique, archive-safe entry names.
type entryNames struct {
	naming Naming
	used   map[string]int
	seq    int
}

func newEntryNames(naming Naming) *entryNames {
	return &entryNames{naming: naming, used: make(map[string]int)}
}

// next returns the entry name for an asset whose file has extension ext.
func (n *entryNames) next(assetID, filename, ext string) string {
	n.seq++
	ext = strings.ToLower(ext)
	base := strings.TrimSuffix(filepath.Base(filename), filepath.Ext(filename))
	switch n.naming {
	case NamingAssetID:
		base = assetID
	case NamingSequence:
		base = fmt.Sprintf("%04d_%s", n.seq, safeName(base))
	default:
		base = safeName(base)
	}
	if base == "" {
		base = assetID
	}

	name := base + ext
	key := strings.ToLower(name)
	if count := n.used[key]; count > 0 {
		for suffix := count + 1; ; suffix++ {
			candidate := fmt.Sprintf("%s_%d%s", base, suffix, ext)
			if n.used[strings.ToLower(candidate)] == 0 {
				n.used[key] = suffix
				name = candidate
				break
			}
		}
		key = strings.ToLower(name)
	}
	n.used[key]++
	return name
}

// safeName folds a file name to portable ASCII: accents are stripped,
// separators and control characters become underscores.
func safeName(value string) string {
	folded, _, err := transform.String(transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC), value)
	if err != nil {
		folded = value
	}
	var b strings.Builder
	lastUnderscore := false
	for _, r := range folded {
		switch {
		case r < 128 && (unicode.IsLetter(r) || unicode.IsDigit(r) || r == '-' || r == '.'):
			b.WriteRune(r)
			lastUnderscore = false
		default:
			if !lastUnderscore && b.Len() > 0 {
				b.WriteByte('_')
				lastUnderscore = true
			}
		}
	}
	out := strings.Trim(b.String(), "._")
	if len(out) > maxEntryBase {
		out = out[:maxEntryBase]
	}
	return out
}
