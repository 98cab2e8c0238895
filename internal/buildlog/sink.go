// Package buildlog is the tee logger: it runs subprocesses with
// stdout/stderr duplicated to a per-build log file while still giving the
// caller programmatic access to a command's stdout.
package buildlog

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
)

// Sink wraps the single *os.File a build task owns exclusively for the
// duration of its run.
type Sink struct {
	f *os.File
}

// Create truncates (or creates) the log file at path, making its parent
// directory first.
func Create(path string) (*Sink, error) {
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return nil, fmt.Errorf("buildlog: mkdir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("buildlog: create: %w", err)
	}
	return &Sink{f: f}, nil
}

func dirOf(path string) string {
	i := strings.LastIndexByte(path, '/')
	if i < 0 {
		return "."
	}
	return path[:i]
}

// Close releases the underlying file handle.
func (s *Sink) Close() error {
	return s.f.Close()
}

// Logf writes a plain line to the log, for markers like a build's final
// success line.
func (s *Sink) Logf(format string, args ...any) error {
	_, err := fmt.Fprintf(s.f, format+"\n", args...)
	return err
}

func (s *Sink) audit(cmd *exec.Cmd) error {
	_, err := fmt.Fprintf(s.f, "$ %s\n", strings.Join(cmd.Args, " "))
	return err
}

func forwardedPath() (string, error) {
	p, ok := os.LookupEnv("PATH")
	if !ok {
		return "", fmt.Errorf("buildlog: PATH not set in worker environment")
	}
	return "PATH=" + p, nil
}

// Exec runs cmd to completion with stdout and stderr both duplicated to the
// log file. cmd.Env, if already set by the caller, is left untouched except
// that PATH is appended when absent.
func (s *Sink) Exec(cmd *exec.Cmd) error {
	if err := s.audit(cmd); err != nil {
		return err
	}
	if err := s.ensurePath(cmd); err != nil {
		return err
	}
	cmd.Stdout = s.f
	cmd.Stderr = s.f
	return cmd.Run()
}

// Output runs cmd to completion, capturing stdout into memory for commands
// like nix-build whose stdout is semantically meaningful, while duplicating
// stderr to the log file. After the child exits, the captured stdout is
// also appended to the log, and the raw bytes are returned to the caller
// regardless of exit status.
func (s *Sink) Output(cmd *exec.Cmd) ([]byte, error) {
	if err := s.audit(cmd); err != nil {
		return nil, err
	}
	if err := s.ensurePath(cmd); err != nil {
		return nil, err
	}

	var stdout bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = s.f

	runErr := cmd.Run()

	if _, err := io.Copy(s.f, bytes.NewReader(stdout.Bytes())); err != nil {
		return stdout.Bytes(), err
	}
	return stdout.Bytes(), runErr
}

func (s *Sink) ensurePath(cmd *exec.Cmd) error {
	if cmd.Env != nil {
		for _, kv := range cmd.Env {
			if strings.HasPrefix(kv, "PATH=") {
				return nil
			}
		}
	}
	p, err := forwardedPath()
	if err != nil {
		return err
	}
	cmd.Env = append(cmd.Env, p)
	return nil
}
