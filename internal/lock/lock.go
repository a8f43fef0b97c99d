// Package lock provides a single-instance guard for the orchestration
// core: an advisory file lock plus a JSON sidecar recording which
// process holds it, so a second invocation in the same project
// directory fails fast instead of opening a second handle onto the
// same SQLite task store.
package lock

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// Info is the sidecar written alongside the lock file, identifying the
// process that holds it.
type Info struct {
	PID       int       `json:"pid"`
	Hostname  string    `json:"hostname"`
	StartedAt time.Time `json:"started_at"`
}

// Guard holds an acquired instance lock. Release must be called to
// drop it; an abandoned process (crash, kill -9) releases it for free
// when the OS closes the file descriptor.
type Guard struct {
	path string
	file *os.File
}

// Acquire takes the single-instance lock at path, writing an Info
// sidecar at path+".json". It returns apperr-free; callers should
// treat EWOULDBLOCK as "another instance is running" and report the
// existing Info if present.
func Acquire(path string) (*Guard, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if existing, readErr := ReadInfo(path); readErr == nil {
			return nil, fmt.Errorf("instance already running (pid %d, started %s): %w", existing.PID, existing.StartedAt.Format(time.RFC3339), err)
		}
		return nil, fmt.Errorf("another instance holds the lock: %w", err)
	}

	hostname, _ := os.Hostname()
	info := Info{PID: os.Getpid(), Hostname: hostname, StartedAt: time.Now().UTC()}
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("marshal lock info: %w", err)
	}
	if err := os.WriteFile(sidecarPath(path), data, 0o644); err != nil {
		unix.Flock(int(f.Fd()), unix.LOCK_UN)
		f.Close()
		return nil, fmt.Errorf("write lock sidecar: %w", err)
	}

	return &Guard{path: path, file: f}, nil
}

// Release drops the lock and removes the sidecar.
func (g *Guard) Release() error {
	if g == nil || g.file == nil {
		return nil
	}
	unix.Flock(int(g.file.Fd()), unix.LOCK_UN)
	err := g.file.Close()
	os.Remove(sidecarPath(g.path))
	return err
}

// ReadInfo reads the Info sidecar for path without acquiring the lock,
// used to report who currently holds it.
func ReadInfo(path string) (*Info, error) {
	data, err := os.ReadFile(sidecarPath(path))
	if err != nil {
		return nil, err
	}
	var info Info
	if err := json.Unmarshal(data, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// IsProcessRunning reports whether pid identifies a live process,
// mirroring the liveness probe instance managers use to detect a stale
// lock left behind by a crashed process.
func IsProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	return unix.Kill(pid, 0) == nil
}

func sidecarPath(path string) string {
	return path + ".json"
}
