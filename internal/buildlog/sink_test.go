package buildlog

import (
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestExecTeesStdoutAndStderr(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "1.log")

	s, err := Create(logPath)
	require.NoError(t, err)
	defer s.Close()

	cmd := exec.Command("sh", "-c", "echo out; echo err 1>&2")
	require.NoError(t, s.Exec(cmd))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "$ sh -c")
	require.Contains(t, string(data), "out")
	require.Contains(t, string(data), "err")
}

func TestOutputCapturesStdoutAndAppendsToLog(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "1.log")

	s, err := Create(logPath)
	require.NoError(t, err)
	defer s.Close()

	cmd := exec.Command("sh", "-c", "echo /nix/store/abc-foo; echo diagnostic 1>&2")
	out, err := s.Output(cmd)
	require.NoError(t, err)
	require.Equal(t, "/nix/store/abc-foo\n", string(out))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	require.Contains(t, string(data), "diagnostic")
	require.Contains(t, string(data), "/nix/store/abc-foo")
}

func TestOutputReturnsBytesOnNonZeroExit(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(filepath.Join(dir, "1.log"))
	require.NoError(t, err)
	defer s.Close()

	cmd := exec.Command("sh", "-c", "echo partial; exit 1")
	out, err := s.Output(cmd)
	require.Error(t, err)
	require.Equal(t, "partial\n", string(out))
}

func TestAuditLineIsSpaceSeparatedUnquoted(t *testing.T) {
	dir := t.TempDir()
	logPath := filepath.Join(dir, "1.log")
	s, err := Create(logPath)
	require.NoError(t, err)
	defer s.Close()

	cmd := exec.Command("echo", "one two", "three")
	require.NoError(t, s.Exec(cmd))

	data, err := os.ReadFile(logPath)
	require.NoError(t, err)
	first := strings.SplitN(string(data), "\n", 2)[0]
	require.True(t, strings.HasPrefix(first, "$ "))
	require.Contains(t, first, "one two three")
}
