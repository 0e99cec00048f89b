// Package lockfile provides advisory file locks used in two places: the
// Daemon's single-instance pid lock (spec §4.11) and the Tier Manager's
// per-frame lock guarding a storage item mid-migration (spec §4.6 "a frame
// actively being migrated is locked against concurrent close_frame
// mutation"). Built on gofrs/flock rather than the teacher's hand-rolled
// per-OS syscall shims (unix/windows/wasm build-tag variants) — flock
// already covers all three platforms behind one API, so there is nothing
// left for the OS-specific files to do.
package lockfile

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"time"

	"github.com/gofrs/flock"
)

// ErrLocked is returned when a non-blocking acquire finds the lock already
// held by another process or goroutine.
var ErrLocked = errors.New("lockfile: already locked")

// Lock wraps an advisory exclusive file lock.
type Lock struct {
	path string
	fl   *flock.Flock
}

// New returns a Lock bound to path. The lock file is created on first
// acquire if it doesn't already exist.
func New(path string) *Lock {
	return &Lock{path: path, fl: flock.New(path)}
}

// TryLock attempts a non-blocking acquire. Returns ErrLocked if another
// holder has it.
func (l *Lock) TryLock() error {
	ok, err := l.fl.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return ErrLocked
	}
	return nil
}

// Lock blocks, polling at the given interval, until it acquires the lock or
// ctx is cancelled.
func (l *Lock) Lock(ctx context.Context, pollEvery time.Duration) error {
	if pollEvery <= 0 {
		pollEvery = 50 * time.Millisecond
	}
	ok, err := l.fl.TryLockContext(ctx, pollEvery)
	if err != nil {
		return err
	}
	if !ok {
		return ctx.Err()
	}
	return nil
}

// Unlock releases the lock.
func (l *Lock) Unlock() error {
	return l.fl.Unlock()
}

// Path returns the filesystem path this Lock guards.
func (l *Lock) Path() string {
	return l.path
}

// IsLocked reports whether err indicates the lock is held elsewhere.
func IsLocked(err error) bool {
	return errors.Is(err, ErrLocked)
}

// Info is the metadata recorded alongside a daemon pid lock, read by `sm`
// CLI commands to report whether a daemon is running and where.
type Info struct {
	PID       int       `json:"pid"`
	Database  string    `json:"database"`
	Version   string    `json:"version"`
	StartedAt time.Time `json:"started_at"`
}

// WriteInfo serializes info as JSON next to the lock file (same path with
// ".json" appended), for diagnostic tooling.
func WriteInfo(lockPath string, info Info) error {
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return os.WriteFile(lockPath+".json", data, 0o644)
}

// ReadInfo reads back what WriteInfo wrote.
func ReadInfo(lockPath string) (Info, error) {
	data, err := os.ReadFile(lockPath + ".json")
	if err != nil {
		return Info{}, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return Info{}, err
	}
	return info, nil
}
