package store

import (
	"fmt"

	"github.com/gofrs/flock"
)

// DrainLock is an advisory file lock next to the database file. Every
// process that replays the queue holds it for the whole drain, so at most
// one drain runs per database regardless of how many processes opened it.
type DrainLock struct {
	fl *flock.Flock
}

// NewDrainLock returns the drain lock of the database at dbPath
func NewDrainLock(dbPath string) *DrainLock {
	return &DrainLock{fl: flock.New(dbPath + ".drain.lock")}
}

// TryLock takes the lock without blocking. It reports false when another
// holder, in this or any other process, owns it.
func (l *DrainLock) TryLock() (bool, error) {
	ok, err := l.fl.TryLock()
	if err != nil {
		return false, fmt.Errorf("%w: drain lock: %v", ErrUnavailable, err)
	}
	return ok, nil
}

// Unlock releases the lock
func (l *DrainLock) Unlock() error {
	return l.fl.Unlock()
}

// Path returns the lock file path
func (l *DrainLock) Path() string {
	return l.fl.Path()
}
