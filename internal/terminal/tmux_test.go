package terminal

import (
	"context"
	"os/exec"
	"testing"
	"time"
)

func requireTmux(t *testing.T) *TmuxBackend {
	t.Helper()
	if _, err := exec.LookPath("tmux"); err != nil {
		t.Skip("tmux not on PATH")
	}
	backend, err := NewTmuxBackend()
	if err != nil {
		t.Fatalf("NewTmuxBackend: %v", err)
	}
	return backend
}

func TestNewTmuxBackendNoBinary(t *testing.T) {
	t.Setenv("PATH", "")
	if _, err := NewTmuxBackend(); err != ErrNoBackend {
		t.Fatalf("expected ErrNoBackend with empty PATH, got %v", err)
	}
}

func TestTmuxSessionLifecycle(t *testing.T) {
	backend := requireTmux(t)
	ctx := context.Background()
	name := "orchestrad-test-session"
	defer backend.Kill(ctx, name)

	if err := backend.CreateSession(ctx, name, "", ""); err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	// Idempotent: creating again should not error.
	if err := backend.CreateSession(ctx, name, "", ""); err != nil {
		t.Fatalf("CreateSession (repeat): %v", err)
	}

	exists, err := backend.Exists(ctx, name)
	if err != nil || !exists {
		t.Fatalf("expected session to exist, got exists=%v err=%v", exists, err)
	}

	if err := backend.SendText(ctx, name, "echo hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	time.Sleep(200 * time.Millisecond)
	tail, err := backend.CaptureTail(ctx, name, 50)
	if err != nil {
		t.Fatalf("CaptureTail: %v", err)
	}
	if tail == "" {
		t.Error("expected non-empty pane capture")
	}

	if err := backend.Rename(ctx, name, name+"-renamed"); err != nil {
		t.Fatalf("Rename: %v", err)
	}
	name += "-renamed"

	if err := backend.Kill(ctx, name); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	exists, err = backend.Exists(ctx, name)
	if err != nil {
		t.Fatalf("Exists after kill: %v", err)
	}
	if exists {
		t.Error("expected session to be gone after Kill")
	}
}

func TestTmuxKillMissingSessionIsNotError(t *testing.T) {
	backend := requireTmux(t)
	if err := backend.Kill(context.Background(), "orchestrad-never-existed"); err != nil {
		t.Fatalf("Kill on missing session should not error, got %v", err)
	}
}

func TestNoBackendReturnsErrNoBackend(t *testing.T) {
	var b Backend = NoBackend{}
	ctx := context.Background()

	if err := b.CreateSession(ctx, "x", "", ""); err != ErrNoBackend {
		t.Errorf("CreateSession: expected ErrNoBackend, got %v", err)
	}
	if _, err := b.List(ctx); err != ErrNoBackend {
		t.Errorf("List: expected ErrNoBackend, got %v", err)
	}
	if _, err := b.Exists(ctx, "x"); err != ErrNoBackend {
		t.Errorf("Exists: expected ErrNoBackend, got %v", err)
	}
}
