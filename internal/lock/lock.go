// Package lock provides an advisory, process-exclusive lock on a file path,
// used to keep a single writer per event recording.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrHeld is returned by TryLock when another process holds the lock.
var ErrHeld = errors.New("lock held by another process")

type FileLock struct {
	path string
	file *os.File
}

func NewFileLock(path string) *FileLock {
	return &FileLock{path: path}
}

func (fl *FileLock) Path() string { return fl.path }

// TryLock takes the lock without blocking and writes our PID into the file.
func (fl *FileLock) TryLock() error {
	if fl.file != nil {
		return nil
	}
	f, err := os.OpenFile(fl.path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, syscall.EWOULDBLOCK) {
			if pid, perr := Holder(fl.path); perr == nil {
				return fmt.Errorf("%w (pid %d): %s", ErrHeld, pid, fl.path)
			}
			return fmt.Errorf("%w: %s", ErrHeld, fl.path)
		}
		return fmt.Errorf("acquire lock %s: %w", fl.path, err)
	}

	release := func(cause error) error {
		syscall.Flock(int(f.Fd()), syscall.LOCK_UN) //nolint:errcheck
		f.Close()
		return cause
	}
	if err := f.Truncate(0); err != nil {
		return release(fmt.Errorf("truncate lock file: %w", err))
	}
	if _, err := f.Seek(0, 0); err != nil {
		return release(fmt.Errorf("seek lock file: %w", err))
	}
	if _, err := fmt.Fprintf(f, "%d\n", os.Getpid()); err != nil {
		return release(fmt.Errorf("write PID to lock file: %w", err))
	}
	if err := f.Sync(); err != nil {
		return release(fmt.Errorf("sync lock file: %w", err))
	}

	fl.file = f
	return nil
}

// Unlock releases the lock and removes the file. It is safe to call twice.
func (fl *FileLock) Unlock() error {
	if fl.file == nil {
		return nil
	}
	defer func() { fl.file = nil }()

	if err := syscall.Flock(int(fl.file.Fd()), syscall.LOCK_UN); err != nil {
		fl.file.Close()
		return fmt.Errorf("release lock: %w", err)
	}
	os.Remove(fl.path)
	if err := fl.file.Close(); err != nil {
		return fmt.Errorf("close lock file: %w", err)
	}
	return nil
}

// Holder returns the PID recorded in a lock file.
func Holder(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse lock holder: %w", err)
	}
	return pid, nil
}
