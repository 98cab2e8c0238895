package scm

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// newUpstream creates a small real git repository with one commit on
// "main" and returns its filesystem path, usable as an origin URL.
func newUpstream(t *testing.T) (string, string) {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) string {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		cmd.Env = append(os.Environ(),
			"GIT_AUTHOR_NAME=t", "GIT_AUTHOR_EMAIL=t@t",
			"GIT_COMMITTER_NAME=t", "GIT_COMMITTER_EMAIL=t@t",
		)
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
		return strings.TrimSpace(string(out))
	}
	run("init", "-q", "-b", "main")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "default.nix"), []byte("{}"), 0o644))
	run("add", "default.nix")
	run("commit", "-q", "-m", "initial")
	rev := run("rev-parse", "HEAD")
	return dir, rev
}

func TestOriginDirIsStableHash(t *testing.T) {
	require.Equal(t, OriginDir("https://example.com/repo.git"), OriginDir("https://example.com/repo.git"))
	require.NotEqual(t, OriginDir("https://example.com/a.git"), OriginDir("https://example.com/b.git"))
	require.Len(t, OriginDir("x"), 40)
}

func TestIsCommitHash(t *testing.T) {
	require.True(t, IsCommitHash(strings.Repeat("a", 40)))
	require.False(t, IsCommitHash(strings.Repeat("a", 39)))
	require.False(t, IsCommitHash("main"))
}

func TestEnsureBareIsIdempotent(t *testing.T) {
	root := t.TempDir()
	origin, _ := newUpstream(t)
	c := New(root, "")
	ctx := context.Background()

	require.NoError(t, c.EnsureBare(ctx, nil, origin))
	_, err := os.Stat(filepath.Join(c.Path(origin), "HEAD"))
	require.NoError(t, err)

	require.NoError(t, c.EnsureBare(ctx, nil, origin))
}

func TestFetchAndResolveRev(t *testing.T) {
	root := t.TempDir()
	origin, rev := newUpstream(t)
	c := New(root, "")
	ctx := context.Background()

	require.NoError(t, c.EnsureBare(ctx, nil, origin))
	require.NoError(t, c.Fetch(ctx, nil, origin, ""))

	resolved, err := c.ResolveRev(ctx, nil, origin, "main")
	require.NoError(t, err)
	require.Equal(t, rev, resolved)
}

func TestResolveRevOfCommitHashFetchesDirectly(t *testing.T) {
	root := t.TempDir()
	origin, rev := newUpstream(t)
	c := New(root, "")
	ctx := context.Background()

	require.NoError(t, c.EnsureBare(ctx, nil, origin))
	require.NoError(t, c.Fetch(ctx, nil, origin, ""))

	resolved, err := c.ResolveRev(ctx, nil, origin, rev)
	require.NoError(t, err)
	require.Equal(t, strings.ToLower(rev), resolved)
}

func TestAddAndRemoveWorktree(t *testing.T) {
	root := t.TempDir()
	origin, rev := newUpstream(t)
	c := New(root, "")
	ctx := context.Background()

	require.NoError(t, c.EnsureBare(ctx, nil, origin))
	require.NoError(t, c.Fetch(ctx, nil, origin, ""))

	wt, err := c.AddWorktree(ctx, nil, origin, 42, rev)
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(wt, "default.nix"))
	require.NoError(t, err)
	require.Equal(t, WorktreeTag(42), filepath.Base(wt))

	// Re-adding the same build id force-replaces the stale worktree
	// rather than failing (spec section 4.1 step 8).
	_, err = c.AddWorktree(ctx, nil, origin, 42, rev)
	require.NoError(t, err)

	require.NoError(t, c.RemoveWorktree(ctx, nil, origin, 42))
	_, err = os.Stat(wt)
	require.True(t, os.IsNotExist(err))
}

func TestGitSSHCommandDefaultsToPlainSSH(t *testing.T) {
	c := New(t.TempDir(), "")
	require.Equal(t, "ssh", c.GitSSHCommand())

	c2 := New(t.TempDir(), "/home/build/.ssh/id_ed25519")
	require.Contains(t, c2.GitSSHCommand(), "-i /home/build/.ssh/id_ed25519")
}
