// Package pidlock provides the single-worker exclusive startup lock (spec
// section 5, "Isolation"): a second worker against the same database is
// undefined behavior, so the worker acquires an exclusive flock on a
// config-named path right after loading its config, before opening the
// database, and releases it on orderly shutdown.
package pidlock

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Lock is a held exclusive lock on a file.
type Lock struct {
	f *os.File
}

// Acquire opens (creating if necessary) the file at path and takes a
// non-blocking exclusive flock on it, replacing the original's FreeBSD
// libbsd pidfile FFI (original_source/src/pidfile.rs) with the portable
// advisory-lock idiom smidr's internal/source/fetcher.go uses for
// per-source locking, generalized here to a whole-process lock.
func Acquire(path string) (*Lock, error) {
	if err := os.MkdirAll(dirOf(path), 0o755); err != nil {
		return nil, fmt.Errorf("pidlock: mkdir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("pidlock: open %s: %w", path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("pidlock: another worker already holds %s: %w", path, err)
	}
	if err := f.Truncate(0); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, err
	}
	return &Lock{f: f}, nil
}

// Release unlocks and closes the lock file, leaving it on disk (like the
// teacher's acquireLock/releaseLock pair, which also does not remove the
// lockfile).
func (l *Lock) Release() error {
	if err := unix.Flock(int(l.f.Fd()), unix.LOCK_UN); err != nil {
		l.f.Close()
		return err
	}
	return l.f.Close()
}

func dirOf(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[:i]
		}
	}
	return "."
}
