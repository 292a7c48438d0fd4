// Package lockfile provides a single-instance guard backed by an OS file lock.
package lockfile

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
)

// ErrLocked is returned when another process holds the lock.
var ErrLocked = errors.New("another facelock instance is running")

// Lock is an acquired instance lock.
type Lock struct {
	f    *os.File
	once sync.Once
	err  error
}

// Acquire takes a non-blocking exclusive lock on path and writes the current
// pid into it.
func Acquire(path string) (*Lock, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := tryLock(f.Fd()); err != nil {
		_ = f.Close()
		if errors.Is(err, errWouldBlock) {
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire file lock: %w", err)
	}
	if err := f.Truncate(0); err == nil {
		_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	}
	return &Lock{f: f}, nil
}

// Release unlocks and removes the lock file. Safe to call multiple times.
func (l *Lock) Release() error {
	l.once.Do(func() {
		path := l.f.Name()
		if err := unlock(l.f.Fd()); err != nil {
			l.err = fmt.Errorf("release file lock: %w", err)
		}
		_ = l.f.Close()
		_ = os.Remove(path)
	})
	return l.err
}

// ReadPID returns the pid recorded in the lock file at path, or 0 if the
// file is missing or holds no pid.
func ReadPID(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, nil
	}
	return pid, nil
}
