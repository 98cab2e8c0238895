// Package scm is the repository cache: one bare repository per origin,
// named by a stable hash of the origin URL, with per-build worktrees
// enabling concurrent builds of distinct revisions of the same origin.
package scm

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strings"
)

// Tee is the subset of internal/buildlog's Sink the cache needs to tee its
// git invocations to a build's log file. A nil Tee is valid wherever the
// caller has no per-build log to write to (tests, the canceled-build
// cleanup path); the cache then runs git silently.
type Tee interface {
	Exec(cmd *exec.Cmd) error
	Output(cmd *exec.Cmd) ([]byte, error)
}

// Cache owns the on-disk tree under root, the configured scm_path.
type Cache struct {
	root      string
	gitSSHKey string
}

// New returns a Cache rooted at root. If gitSSHKey is non-empty, every
// git invocation gets GIT_SSH_COMMAND pointed at it.
func New(root, gitSSHKey string) *Cache {
	return &Cache{root: root, gitSSHKey: gitSSHKey}
}

// OriginDir is the lowercase hex SHA-1 of the origin URL, giving every
// origin a stable, filesystem-safe directory name. The URL is hashed as
// given, so two spellings of the same origin (scheme, trailing slash,
// case of a host name) get two directories.
func OriginDir(origin string) string {
	sum := sha1.Sum([]byte(origin))
	return hex.EncodeToString(sum[:])
}

// Path returns the bare repository's directory for origin.
func (c *Cache) Path(origin string) string {
	return filepath.Join(c.root, OriginDir(origin))
}

var commitHashRe = regexp.MustCompile(`^[0-9a-fA-F]{40}$`)

// IsCommitHash reports whether rev looks like a 40-hex commit hash.
func IsCommitHash(rev string) bool {
	return commitHashRe.MatchString(rev)
}

// EnsureBare creates the bare repository for origin if it does not yet
// exist.
func (c *Cache) EnsureBare(ctx context.Context, tee Tee, origin string) error {
	dir := c.Path(origin)
	if _, err := os.Stat(filepath.Join(dir, "HEAD")); err == nil {
		return nil
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("scm: mkdir %s: %w", dir, err)
	}
	if err := c.run(ctx, tee, dir, "init", "--bare"); err != nil {
		return fmt.Errorf("scm: git init --bare: %w", err)
	}
	if err := c.run(ctx, tee, dir, "remote", "add", "origin", origin); err != nil {
		return fmt.Errorf("scm: git remote add: %w", err)
	}
	return nil
}

// Fetch runs `git fetch origin [rev]` in the bare repository for origin.
func (c *Cache) Fetch(ctx context.Context, tee Tee, origin string, rev string) error {
	dir := c.Path(origin)
	args := []string{"fetch", "origin"}
	if rev != "" {
		args = append(args, rev)
	}
	if err := c.run(ctx, tee, dir, args...); err != nil {
		return fmt.Errorf("scm: git fetch: %w", err)
	}
	return nil
}

// ResolveRev pins rev to a concrete commit hash: a 40-hex rev is fetched
// directly and kept, lowercased, so a moving branch name can't retroactively
// change a historical build's commit; anything else (a branch or tag
// name) is resolved via `git rev-parse remotes/origin/<rev>` after the
// caller has fetched it.
func (c *Cache) ResolveRev(ctx context.Context, tee Tee, origin, rev string) (string, error) {
	if IsCommitHash(rev) {
		if err := c.Fetch(ctx, tee, origin, rev); err != nil {
			return "", err
		}
		return strings.ToLower(rev), nil
	}

	dir := c.Path(origin)
	out, err := c.output(ctx, tee, dir, "rev-parse", "remotes/origin/"+rev)
	if err != nil {
		return "", fmt.Errorf("scm: rev-parse %s: %w", rev, err)
	}
	line := strings.TrimSpace(strings.SplitN(string(out), "\n", 2)[0])
	if !IsCommitHash(line) {
		return "", fmt.Errorf("scm: rev-parse %s: unexpected output %q", rev, line)
	}
	return strings.ToLower(line), nil
}

// WorktreeTag is the worktree name for a build id.
func WorktreeTag(buildID int) string {
	return fmt.Sprintf("__starfish_build_%d", buildID)
}

// AddWorktree creates (after force-removing any stale one with the same
// tag) a worktree checked out at rev, returning its path.
func (c *Cache) AddWorktree(ctx context.Context, tee Tee, origin string, buildID int, rev string) (string, error) {
	dir := c.Path(origin)
	tag := WorktreeTag(buildID)
	wtPath := filepath.Join(dir, tag)

	// A build id can be reused by a restart while an earlier worktree
	// with the same tag still lingers; clear it unconditionally first.
	_ = c.run(ctx, tee, dir, "worktree", "remove", "--force", tag)
	_ = os.RemoveAll(wtPath)

	if err := c.run(ctx, tee, dir, "worktree", "add", "--force", wtPath, rev); err != nil {
		return "", fmt.Errorf("scm: git worktree add: %w", err)
	}
	return wtPath, nil
}

// RemoveWorktree force-removes the build's worktree and, defensively,
// its directory, then garbage-collects the bare repository's object
// store with the worktree gone.
func (c *Cache) RemoveWorktree(ctx context.Context, tee Tee, origin string, buildID int) error {
	dir := c.Path(origin)
	tag := WorktreeTag(buildID)
	wtPath := filepath.Join(dir, tag)

	_ = c.run(ctx, tee, dir, "worktree", "remove", "--force", tag)
	_ = os.RemoveAll(wtPath)
	return c.Prune(ctx, tee, origin)
}

// Prune runs `git prune` in the bare repository for origin, collecting
// objects left unreachable once a build's worktree is gone.
func (c *Cache) Prune(ctx context.Context, tee Tee, origin string) error {
	return c.run(ctx, tee, c.Path(origin), "prune")
}

// GitSSHCommand is the value a realize subprocess's GIT_SSH_COMMAND should
// carry: plain "ssh" when no key is configured, else "ssh" pinned to the
// configured identity file.
func (c *Cache) GitSSHCommand() string {
	if c.gitSSHKey == "" {
		return "ssh"
	}
	return "ssh -i " + c.gitSSHKey + " -o IdentitiesOnly=yes"
}

func (c *Cache) cmd(ctx context.Context, dir string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, "git", append([]string{"-C", dir}, args...)...)
	cmd.Env = []string{"PATH=" + os.Getenv("PATH"), "GIT_SSH_COMMAND=" + c.GitSSHCommand()}
	return cmd
}

func (c *Cache) run(ctx context.Context, tee Tee, dir string, args ...string) error {
	cmd := c.cmd(ctx, dir, args...)
	if tee != nil {
		return tee.Exec(cmd)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%v: %s", err, stderr.String())
	}
	return nil
}

func (c *Cache) output(ctx context.Context, tee Tee, dir string, args ...string) ([]byte, error) {
	cmd := c.cmd(ctx, dir, args...)
	if tee != nil {
		return tee.Output(cmd)
	}
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%v: %s", err, stderr.String())
	}
	return out, nil
}
