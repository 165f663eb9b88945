package sandbox

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResponseFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	args := []string{"--flag", "value with spaces", "plain"}

	ref, err := writeResponseFile(dir, "args", args)
	require.NoError(t, err)

	expanded, err := expandResponseFiles([]string{"command", ref})
	require.NoError(t, err)
	assert.Equal(t, append([]string{"command"}, args...), expanded)
}

func TestExpandResponseFilesLeavesPlainArgsAlone(t *testing.T) {
	expanded, err := expandResponseFiles([]string{"a", "b", "c"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, expanded)
}

func TestSpillToResponseFileLeavesShortArgvAlone(t *testing.T) {
	dir := t.TempDir()
	args := []string{"cmd", "--flag", "value"}
	spilled, err := spillToResponseFile(dir, "short", args)
	require.NoError(t, err)
	assert.Equal(t, args, spilled)
}

func TestSpillToResponseFileSpillsOversizedArgv(t *testing.T) {
	dir := t.TempDir()
	args := []string{"cmd"}
	for i := 0; i < 10; i++ {
		args = append(args, strings.Repeat("x", argMax))
	}

	spilled, err := spillToResponseFile(dir, "long", args)
	require.NoError(t, err)
	require.Len(t, spilled, 2)
	assert.Equal(t, "cmd", spilled[0])
	assert.True(t, strings.HasPrefix(spilled[1], "@"))

	expanded, err := expandResponseFiles(spilled)
	require.NoError(t, err)
	assert.Equal(t, args, expanded)
}
