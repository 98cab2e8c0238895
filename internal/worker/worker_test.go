package worker

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseBuildID(t *testing.T) {
	id, err := parseBuildID("42")
	require.NoError(t, err)
	require.Equal(t, 42, id)

	_, err = parseBuildID("not-a-number")
	require.Error(t, err)
}

func TestRealizeCommandPicksNixShellForShellDotNix(t *testing.T) {
	prog, args := realizeCommand("/worktree/shell.nix")
	require.Equal(t, "nix-shell", prog)
	require.Equal(t, []string{"/worktree/shell.nix", "--run", "echo $out"}, args)
}

func TestRealizeCommandPicksNixBuildOtherwise(t *testing.T) {
	prog, args := realizeCommand("/worktree/default.nix")
	require.Equal(t, "nix-build", prog)
	require.Equal(t, []string{"/worktree/default.nix"}, args)
}

func TestTruncateIfExistsCreatesAndEmptiesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "1.log")
	require.NoError(t, os.WriteFile(path, []byte("stale output"), 0o644))

	require.NoError(t, truncateIfExists(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Empty(t, data)
}
