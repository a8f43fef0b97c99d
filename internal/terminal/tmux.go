package terminal

import (
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// TmuxBackend drives tmux sessions addressed by name (rather than the
// numeric pane-ID addressing of a single-window multiplexer), matching
// the orchestration core's name-based session contract. Operations are
// serialized; all but the read-only CaptureTail, List and Exists are also
// rate-limited the way a single-window driver rate-limits its CLI, to
// avoid hammering the multiplexer when several sessions spawn in quick
// succession.
type TmuxBackend struct {
	mu             sync.Mutex
	lastOp         time.Time
	minOpInterval  time.Duration
	commandTimeout time.Duration
	bin            string
}

// NewTmuxBackend returns a TmuxBackend, or ErrNoBackend if tmux is not on
// PATH or not actually executable by this process.
func NewTmuxBackend() (*TmuxBackend, error) {
	bin, err := exec.LookPath("tmux")
	if err != nil {
		return nil, ErrNoBackend
	}
	// LookPath already checked the executable bit on most platforms, but
	// a stale PATH entry (binary since removed, permissions since
	// tightened) can slip through on some filesystems; probe directly.
	if unix.Access(bin, unix.X_OK) != nil {
		return nil, ErrNoBackend
	}
	return &TmuxBackend{
		bin:            bin,
		minOpInterval:  200 * time.Millisecond,
		commandTimeout: 10 * time.Second,
	}, nil
}

func (t *TmuxBackend) waitForInterval() {
	elapsed := time.Since(t.lastOp)
	if elapsed < t.minOpInterval {
		time.Sleep(t.minOpInterval - elapsed)
	}
	t.lastOp = time.Now()
}

func (t *TmuxBackend) run(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, t.commandTimeout)
	defer cancel()
	cmd := exec.CommandContext(ctx, t.bin, args...)
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, fmt.Errorf("tmux command timed out after %v", t.commandTimeout)
	}
	return out, err
}

// CreateSession is idempotent by name: if the session already exists,
// it is left alone and no error is returned.
func (t *TmuxBackend) CreateSession(ctx context.Context, name, workingDir, initialCommand string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitForInterval()

	exists, err := t.existsLocked(ctx, name)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}

	args := []string{"new-session", "-d", "-s", name}
	if workingDir != "" {
		args = append(args, "-c", workingDir)
	}
	if initialCommand != "" {
		args = append(args, initialCommand)
	}
	if out, err := t.run(ctx, args...); err != nil {
		return fmt.Errorf("create session %s: %w (output: %s)", name, err, string(out))
	}
	return nil
}

func (t *TmuxBackend) SendText(ctx context.Context, name, text string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitForInterval()

	if out, err := t.run(ctx, "send-keys", "-t", name, "-l", text); err != nil {
		return fmt.Errorf("send text to %s: %w (output: %s)", name, err, string(out))
	}
	if out, err := t.run(ctx, "send-keys", "-t", name, "Enter"); err != nil {
		return fmt.Errorf("send enter to %s: %w (output: %s)", name, err, string(out))
	}
	return nil
}

var keyMap = map[Key]string{
	KeyEnter:  "Enter",
	KeyEscape: "Escape",
	KeyUp:     "Up",
	KeyDown:   "Down",
	KeyTab:    "Tab",
	KeyCtrlC:  "C-c",
}

func (t *TmuxBackend) SendKey(ctx context.Context, name string, key Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitForInterval()

	tmuxKey, ok := keyMap[key]
	if !ok {
		tmuxKey = string(key)
	}
	if out, err := t.run(ctx, "send-keys", "-t", name, tmuxKey); err != nil {
		return fmt.Errorf("send key %s to %s: %w (output: %s)", key, name, err, string(out))
	}
	return nil
}

func (t *TmuxBackend) CaptureTail(ctx context.Context, name string, lines int) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if lines <= 0 {
		lines = 200
	}
	out, err := t.run(ctx, "capture-pane", "-t", name, "-p", "-S", "-"+strconv.Itoa(lines))
	if err != nil {
		return "", fmt.Errorf("capture pane %s: %w (output: %s)", name, err, string(out))
	}
	return string(out), nil
}

func (t *TmuxBackend) Rename(ctx context.Context, name, newName string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitForInterval()

	if out, err := t.run(ctx, "rename-session", "-t", name, newName); err != nil {
		return fmt.Errorf("rename session %s -> %s: %w (output: %s)", name, newName, err, string(out))
	}
	return nil
}

func (t *TmuxBackend) Kill(ctx context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.waitForInterval()

	out, err := t.run(ctx, "kill-session", "-t", name)
	if err != nil && !strings.Contains(string(out), "session not found") {
		return fmt.Errorf("kill session %s: %w (output: %s)", name, err, string(out))
	}
	return nil
}

func (t *TmuxBackend) List(ctx context.Context) ([]SessionInfo, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	out, err := t.run(ctx, "list-sessions", "-F", "#{session_name}\t#{session_created}")
	if err != nil {
		if strings.Contains(string(out), "no server running") || strings.Contains(string(out), "No such file") {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w (output: %s)", err, string(out))
	}

	var sessions []SessionInfo
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		info := SessionInfo{Name: parts[0]}
		if len(parts) == 2 {
			if epoch, err := strconv.ParseInt(parts[1], 10, 64); err == nil {
				info.Created = time.Unix(epoch, 0)
			}
		}
		sessions = append(sessions, info)
	}
	return sessions, nil
}

func (t *TmuxBackend) Exists(ctx context.Context, name string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.existsLocked(ctx, name)
}

func (t *TmuxBackend) existsLocked(ctx context.Context, name string) (bool, error) {
	_, err := t.run(ctx, "has-session", "-t", name)
	if err != nil {
		var exitErr *exec.ExitError
		if ok := asExitError(err, &exitErr); ok {
			return false, nil
		}
		return false, fmt.Errorf("has-session %s: %w", name, err)
	}
	return true, nil
}

func asExitError(err error, target **exec.ExitError) bool {
	if ee, ok := err.(*exec.ExitError); ok {
		*target = ee
		return true
	}
	return false
}
