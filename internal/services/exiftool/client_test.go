package exiftool

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"photopipe/internal/metadata"
	"photopipe/internal/services"
)

type stubExecutor struct {
	calls  [][]string
	stdout []string
	stderr []string
	err    error
	// onRun simulates side effects such as creating the output file.
	onRun func(args []string)
}

func (s *stubExecutor) Run(_ context.Context, _ string, args []string, onLine func(string, bool)) error {
	s.calls = append(s.calls, append([]string(nil), args...))
	if s.onRun != nil {
		s.onRun(args)
	}
	for _, line := range s.stdout {
		onLine(line, false)
	}
	for _, line := range s.stderr {
		onLine(line, true)
	}
	return s.err
}

func writeOutputArg(args []string) {
	for i, arg := range args {
		if arg == "-o" && i+1 < len(args) {
			_ = os.WriteFile(args[i+1], []byte("embedded"), 0o644)
		}
	}
}

func sampleDoc() metadata.Document {
	return metadata.Document{
		Title:           "First dance",
		Description:     "The couple dances.",
		Keywords:        []string{"wedding", "dance"},
		Creator:         "Ada Photo",
		Copyright:       "© 2026 Ada Photo",
		CreatorContact:  metadata.Contact{Email: "ada@example.com"},
		ModelRelease:    metadata.ReleaseUnlimited,
		PropertyRelease: metadata.ReleaseNone,
	}
}

func TestWriteBuildsArgsAndCountsFields(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "orig.jpg")
	require.NoError(t, os.WriteFile(source, []byte("jpeg"), 0o644))
	output := filepath.Join(dir, "embedded", "out.jpg")

	exec := &stubExecutor{onRun: writeOutputArg, stdout: []string{"    1 image files created"}}
	client, err := New("exiftool", 5, WithExecutor(exec))
	require.NoError(t, err)

	result, err := client.Write(context.Background(), source, output, sampleDoc())
	require.NoError(t, err)
	// title, description, creator, copyright, keywords, contact, model release, property release
	assert.Equal(t, 8, result.FieldsWritten)
	assert.Equal(t, []string{"1 image files created"}, result.Logs)

	require.Len(t, exec.calls, 1)
	args := exec.calls[0]
	assert.Equal(t, source, args[len(args)-1])
	assert.Equal(t, output, args[len(args)-2])
	assert.Contains(t, args, "-XMP-dc:Creator=Ada Photo")
	assert.Contains(t, args, "-XMP-dc:Subject+=dance")
	assert.Contains(t, args, "-XMP-plus:ModelReleaseStatus#=http://ns.useplus.org/ldf/vocab/MR-UMR")
	assert.Contains(t, args, "-XMP-plus:PropertyReleaseStatus#=http://ns.useplus.org/ldf/vocab/PR-NON")
	assert.Equal(t, 1, countPrefix(args, "-XMP-dc:Title="))
}

func TestWriteSkipsEmptyFields(t *testing.T) {
	args, fields := buildWriteArgs(metadata.Document{Title: "Only title"})
	assert.Equal(t, 1, fields)
	for _, arg := range args {
		assert.NotContains(t, arg, "Creator")
	}
}

func TestWriteFailsWhenToolFails(t *testing.T) {
	dir := t.TempDir()
	source := filepath.Join(dir, "orig.jpg")
	require.NoError(t, os.WriteFile(source, []byte("jpeg"), 0o644))

	exec := &stubExecutor{err: errors.New("exit status 1"), stderr: []string{"Error: Not a valid JPEG"}}
	client, err := New("exiftool", 5, WithExecutor(exec))
	require.NoError(t, err)

	_, err = client.Write(context.Background(), source, filepath.Join(dir, "out.jpg"), sampleDoc())
	require.ErrorIs(t, err, services.ErrExternalTool)
	assert.Contains(t, err.Error(), "Not a valid JPEG")
}

func TestWriteRejectsMissingSource(t *testing.T) {
	client, err := New("exiftool", 5, WithExecutor(&stubExecutor{}))
	require.NoError(t, err)
	_, err = client.Write(context.Background(), "/nonexistent/a.jpg", filepath.Join(t.TempDir(), "o.jpg"), sampleDoc())
	require.ErrorIs(t, err, services.ErrNotFound)
}

func TestVerifyComparesReadBack(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o644))

	exec := &stubExecutor{stdout: []string{
		`[{"SourceFile":"out.jpg","Title":"First dance","Description":"The couple dances.",`,
		`"Creator":["Ada Photo"],"Rights":"© 2026 Ada Photo","Subject":["wedding","dance"]}]`,
	}}
	client, err := New("exiftool", 5, WithExecutor(exec))
	require.NoError(t, err)

	result, err := client.Verify(context.Background(), path, sampleDoc())
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Empty(t, result.Mismatched)

	exec.stdout = []string{`[{"Title":"First dance","Subject":"wedding"}]`}
	result, err = client.Verify(context.Background(), path, sampleDoc())
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.ElementsMatch(t, []string{"description", "creator", "copyright", "keywords"}, result.Mismatched)
}

func TestReadExistingPrefersXMP(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "orig.jpg")
	require.NoError(t, os.WriteFile(path, []byte("jpeg"), 0o644))

	exec := &stubExecutor{stdout: []string{
		`[{"Artist":"EXIF Name","Creator":"XMP Name","Copyright":"(c) someone","Make":"Canon","Model":"EOS R5"}]`,
	}}
	client, err := New("exiftool", 5, WithExecutor(exec))
	require.NoError(t, err)

	existing, err := client.ReadExisting(context.Background(), path)
	require.NoError(t, err)
	assert.Equal(t, "XMP Name", existing.Creator)
	assert.Equal(t, "(c) someone", existing.Copyright)
	assert.Equal(t, "Canon", existing.CameraMake)

	signals := existing.Signals(metadata.AuthorshipOriginal)
	assert.Equal(t, "EOS R5", signals.CameraModel)
	assert.Equal(t, metadata.AuthorshipOriginal, signals.Declared)
}

func countPrefix(args []string, prefix string) int {
	n := 0
	for _, arg := range args {
		if strings.HasPrefix(arg, prefix) {
			n++
		}
	}
	return n
}
