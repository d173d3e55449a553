package export

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSafeName(t *testing.T) {
	cases := map[string]string{
		"Café Olé":         "Cafe_Ole",
		"../../etc/passwd": "etc_passwd",
		"  spaced  out  ":  "spaced_out",
		"IMG_0001":         "IMG_0001",
		"東京":               "",
	}
	for in, want := range cases {
		assert.Equal(t, want, safeName(in), in)
	}
	assert.Len(t, safeName(strings.Repeat("a", 300)), maxEntryBase)
}

func TestEntryNamesDeduplicate(t *testing.T) {
	names := newEntryNames(NamingOriginal)
	assert.Equal(t, "beach.jpg", names.next("a1", "beach.JPG", ".JPG"))
	assert.Equal(t, "beach_2.jpg", names.next("a2", "beach.jpg", ".jpg"))
	assert.Equal(t, "Beach_3.jpg", names.next("a3", "Beach.jpg", ".jpg"))
	assert.Equal(t, "a4.png", names.next("a4", "東京.png", ".png"), "unrepresentable names fall back to the asset id")
}

func TestEntryNamesSkipTakenSuffixes(t *testing.T) {
	names := newEntryNames(NamingOriginal)
	got := []string{
		names.next("a1", "a_2.jpg", ".jpg"),
		names.next("a2", "a.jpg", ".jpg"),
		names.next("a3", "a.jpg", ".jpg"),
		names.next("a4", "a.jpg", ".jpg"),
	}
	assert.Equal(t, []string{"a_2.jpg", "a.jpg", "a_3.jpg", "a_4.jpg"}, got)
}

func TestEntryNamesModes(t *testing.T) {
	byID := newEntryNames(NamingAssetID)
	assert.Equal(t, "asset-1.jpg", byID.next("asset-1", "beach.jpg", ".jpg"))

	seq := newEntryNames(NamingSequence)
	assert.Equal(t, "0001_beach.jpg", seq.next("a1", "beach.jpg", ".jpg"))
	assert.Equal(t, "0002_beach.jpg", seq.next("a2", "beach.jpg", ".jpg"))
}

func TestOptionsNormalize(t *testing.T) {
	opts, err := Options{Format: " PNG ", Naming: "Sequence"}.Normalize()
	assert.NoError(t, err)
	assert.Equal(t, "png", opts.Format)
	assert.Equal(t, NamingSequence, opts.Naming)

	_, err = Options{Naming: "random"}.Normalize()
	assert.Error(t, err)

	encoded, err := Options{Naming: NamingOriginal}.encode()
	assert.NoError(t, err)
	assert.Empty(t, encoded)

	decoded, err := decodeOptions("")
	assert.NoError(t, err)
	assert.Equal(t, NamingOriginal, decoded.Naming)
}
