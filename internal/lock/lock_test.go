package lock

import (
	"os"
	"path/filepath"
	"testing"
)

func TestAcquireReleaseRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrad.lock")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	info, err := ReadInfo(path)
	if err != nil {
		t.Fatalf("read info: %v", err)
	}
	if info.PID != os.Getpid() {
		t.Fatalf("expected pid %d, got %d", os.Getpid(), info.PID)
	}

	if err := g.Release(); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := os.Stat(sidecarPath(path)); !os.IsNotExist(err) {
		t.Fatalf("expected sidecar removed after release")
	}
}

func TestAcquireFailsWhenAlreadyHeld(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchestrad.lock")

	g, err := Acquire(path)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	defer g.Release()

	if _, err := Acquire(path); err == nil {
		t.Fatal("expected second acquire to fail while first holds the lock")
	}
}

func TestIsProcessRunning(t *testing.T) {
	if !IsProcessRunning(os.Getpid()) {
		t.Fatal("expected current process to report as running")
	}
	if IsProcessRunning(0) {
		t.Fatal("expected pid 0 to report not running")
	}
}
