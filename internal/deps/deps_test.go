package deps

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tool")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestCheckBinariesProbesVersion(t *testing.T) {
	tool := writeScript(t, "echo 13.10\necho extra")
	results := CheckBinaries(context.Background(), []Requirement{
		{Name: "exiftool", Command: tool, VersionArgs: []string{"-ver"}},
		{Name: "missing", Command: "clearly-not-present-binary"},
	})
	require.Len(t, results, 2)

	assert.True(t, results[0].Available)
	assert.Equal(t, "13.10", results[0].Version)
	assert.Equal(t, tool, results[0].Path)
	assert.Empty(t, results[0].Detail)

	assert.False(t, results[1].Available)
	assert.Equal(t, "clearly-not-present-binary", results[1].Command)
	assert.Contains(t, results[1].Detail, "not found")
}

func TestCheckBinariesFailingProbe(t *testing.T) {
	tool := writeScript(t, "exit 3")
	results := CheckBinaries(context.Background(), []Requirement{
		{Name: "exiftool", Command: tool, VersionArgs: []string{"-ver"}},
	})
	require.Len(t, results, 1)
	assert.False(t, results[0].Available)
	assert.Contains(t, results[0].Detail, "-ver failed")
}

func TestCheckBinariesUnconfigured(t *testing.T) {
	results := CheckBinaries(context.Background(), []Requirement{{Name: "exiftool", Command: "  ", Optional: true}})
	require.Len(t, results, 1)
	assert.False(t, results[0].Available)
	assert.Equal(t, "command not configured", results[0].Detail)
	assert.True(t, results[0].Optional)
}
