package backup

import (
	"database/sql"
	"os"
	"path/filepath"
	"testing"

	"github.com/orchestra/squadcore/internal/orchestration/tasks"
	"github.com/orchestra/squadcore/internal/orchestration/types"

	_ "modernc.org/sqlite"
)

type fakeSessions struct{ sessions []*types.Session }

func (f *fakeSessions) List() []*types.Session { return f.sessions }

func setup(t *testing.T) (*Manager, *tasks.Store, string) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "tasks.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	ts := tasks.NewStore(db)
	if err := ts.Init(); err != nil {
		t.Fatal(err)
	}

	if err := os.MkdirAll(filepath.Join(dir, "memory"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "memory", "note.md"), []byte("writeup"), 0o644); err != nil {
		t.Fatal(err)
	}

	mgr := New(db, dbPath, dir, &fakeSessions{})
	return mgr, ts, dir
}

func TestBackupVerifyRoundTrip(t *testing.T) {
	mgr, ts, _ := setup(t)

	if _, err := ts.Create(tasks.Spec{Title: "write the launch doc", Project: "p"}); err != nil {
		t.Fatalf("create: %v", err)
	}

	dir, err := mgr.Backup("nightly")
	if err != nil {
		t.Fatalf("backup: %v", err)
	}
	for _, f := range []string{dbFile, sumFile, metadataFile} {
		if _, err := os.Stat(filepath.Join(dir, f)); err != nil {
			t.Fatalf("expected %s in backup, got %v", f, err)
		}
	}
	if _, err := os.Stat(filepath.Join(dir, memoryDirName, "note.md")); err != nil {
		t.Fatalf("expected memory directory snapshotted: %v", err)
	}

	ok, err := mgr.Verify(dir)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if !ok {
		t.Fatal("expected checksum to match")
	}
}

func TestVerifyDetectsTamper(t *testing.T) {
	mgr, ts, _ := setup(t)
	if _, err := ts.Create(tasks.Spec{Title: "a task", Project: "p"}); err != nil {
		t.Fatal(err)
	}
	dir, err := mgr.Backup("")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, dbFile), []byte("corrupted"), 0o644); err != nil {
		t.Fatal(err)
	}
	ok, err := mgr.Verify(dir)
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatal("expected mismatch after tampering with backup file")
	}
}

func TestRestoreRefusesWithActiveSession(t *testing.T) {
	mgr, ts, _ := setup(t)
	if _, err := ts.Create(tasks.Spec{Title: "a task", Project: "p"}); err != nil {
		t.Fatal(err)
	}
	dir, err := mgr.Backup("")
	if err != nil {
		t.Fatal(err)
	}

	mgr.sessions = &fakeSessions{sessions: []*types.Session{{Name: "squad-alpha", State: types.SessionWorking}}}
	if err := mgr.Restore(dir, false); err == nil {
		t.Fatal("expected restore to refuse while a session is active")
	}
}

func TestPurgeKeepsMinimum(t *testing.T) {
	mgr, ts, _ := setup(t)
	for i := 0; i < 3; i++ {
		if _, err := ts.Create(tasks.Spec{Title: "t", Project: "p"}); err != nil {
			t.Fatal(err)
		}
		if _, err := mgr.Backup(""); err != nil {
			t.Fatal(err)
		}
	}

	removed, err := mgr.PurgeOlderThan(0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(removed) != 1 {
		t.Fatalf("expected 1 backup purged, got %d", len(removed))
	}
	remaining, err := mgr.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(remaining) != 2 {
		t.Fatalf("expected 2 backups remaining, got %d", len(remaining))
	}
}
