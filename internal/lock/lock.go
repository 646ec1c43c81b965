// Package lock enforces the single-writer execution model with a
// PID-bearing lock file. A held lock means another reconciliation process
// may be mid-flight; the only safe response is to fail fast. Stale locks
// are never auto-broken; an operator removes them after confirming the
// holder is gone.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrHeld is returned when the lock file already exists. Callers map it to
// the lock-contention exit code.
var ErrHeld = errors.New("pipeline lock held")

// Lock is an acquired file lock.
type Lock struct {
	path string
}

// Acquire creates the lock file exclusively, writing this process's pid
// into it. If the file already exists the error wraps ErrHeld and names
// the holding pid.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			holder := readHolder(path)
			return nil, fmt.Errorf("%w by pid %s (lock file %s; remove it only after confirming the process is gone)", ErrHeld, holder, path)
		}
		return nil, fmt.Errorf("create lock file: %w", err)
	}

	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("close lock file: %w", err)
	}

	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once per acquired lock.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// readHolder best-effort reads the pid recorded in an existing lock file.
func readHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil {
		return "unknown"
	}
	pid := strings.TrimSpace(string(data))
	if _, err := strconv.Atoi(pid); err != nil {
		return "unknown"
	}
	return pid
}
