// Package terminal abstracts the multiplexer verbs the rest of the core
// depends on: create session, send keystrokes, capture pane contents,
// kill, list, rename. One adapter per backend.
package terminal

import (
	"context"
	"time"

	"github.com/orchestra/squadcore/internal/apperr"
)

// SessionInfo is the backend-neutral description of a live session.
type SessionInfo struct {
	Name    string
	Created time.Time
}

// Key is a fixed vocabulary of keystrokes SendKey accepts.
type Key string

const (
	KeyEnter  Key = "Enter"
	KeyEscape Key = "Escape"
	KeyUp     Key = "Up"
	KeyDown   Key = "Down"
	KeyTab    Key = "Tab"
	KeyCtrlC  Key = "Ctrl+C"
)

// Backend is the platform-neutral multiplexer driver contract. Every
// method is idempotent-by-name where the design calls for it; callers
// treat a failed operation by marking the session dead.
type Backend interface {
	CreateSession(ctx context.Context, name, workingDir, initialCommand string) error
	SendText(ctx context.Context, name, text string) error
	SendKey(ctx context.Context, name string, key Key) error
	CaptureTail(ctx context.Context, name string, lines int) (string, error)
	Rename(ctx context.Context, name, newName string) error
	Kill(ctx context.Context, name string) error
	List(ctx context.Context) ([]SessionInfo, error)
	Exists(ctx context.Context, name string) (bool, error)
}

// ErrNoBackend is returned by every NoBackend method, and by a real
// backend constructor when its executable is not on PATH.
var ErrNoBackend = apperr.New(apperr.KindBackendUnavailable, "terminal backend unavailable")

// NoBackend is a Backend that fails every call; used when no multiplexer
// executable was found on PATH (degrade per the failure model: callers
// refuse to spawn / return 503).
type NoBackend struct{}

func (NoBackend) CreateSession(context.Context, string, string, string) error { return ErrNoBackend }
func (NoBackend) SendText(context.Context, string, string) error              { return ErrNoBackend }
func (NoBackend) SendKey(context.Context, string, Key) error                  { return ErrNoBackend }
func (NoBackend) CaptureTail(context.Context, string, int) (string, error) {
	return "", ErrNoBackend
}
func (NoBackend) Rename(context.Context, string, string) error  { return ErrNoBackend }
func (NoBackend) Kill(context.Context, string) error            { return ErrNoBackend }
func (NoBackend) List(context.Context) ([]SessionInfo, error)   { return nil, ErrNoBackend }
func (NoBackend) Exists(context.Context, string) (bool, error)  { return false, ErrNoBackend }
