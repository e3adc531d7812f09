package state

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

const lockFileName = "state.lock"

// ErrLocked is returned when another agent already owns the state directory
var ErrLocked = errors.New("state directory is locked by another instance")

// Lock is an exclusive advisory lock on a state directory
type Lock struct {
	file *os.File
}

// AcquireLock takes the lock for dir without blocking
func AcquireLock(dir string) (*Lock, error) {
	path := filepath.Join(dir, lockFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%w: %s", ErrLocked, dir)
		}
		return nil, fmt.Errorf("failed to lock state directory: %w", err)
	}

	f.Truncate(0)
	fmt.Fprintf(f, "%d\n", os.Getpid())

	return &Lock{file: f}, nil
}

// Release drops the lock
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	unix.Flock(int(l.file.Fd()), unix.LOCK_UN)
	err := l.file.Close()
	l.file = nil
	return err
}
