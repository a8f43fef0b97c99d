package supervisor

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/orchestra/squadcore/internal/orchestration/agents"
	"github.com/orchestra/squadcore/internal/orchestration/reservations"
	"github.com/orchestra/squadcore/internal/orchestration/scheduler"
	"github.com/orchestra/squadcore/internal/orchestration/signals"
	"github.com/orchestra/squadcore/internal/orchestration/tasks"
	"github.com/orchestra/squadcore/internal/orchestration/types"
	"github.com/orchestra/squadcore/internal/terminal"

	_ "modernc.org/sqlite"
)

// fakeBackend is an in-memory stand-in for terminal.Backend in tests.
type fakeBackend struct {
	sessions map[string]bool
}

func newFakeBackend() *fakeBackend { return &fakeBackend{sessions: map[string]bool{}} }

func (f *fakeBackend) CreateSession(ctx context.Context, name, workingDir, initialCommand string) error {
	f.sessions[name] = true
	return nil
}
func (f *fakeBackend) SendText(ctx context.Context, name, text string) error { return nil }
func (f *fakeBackend) SendKey(ctx context.Context, name string, key terminal.Key) error {
	return nil
}
func (f *fakeBackend) CaptureTail(ctx context.Context, name string, lines int) (string, error) {
	return "", nil
}
func (f *fakeBackend) Rename(ctx context.Context, name, newName string) error { return nil }
func (f *fakeBackend) Kill(ctx context.Context, name string) error {
	delete(f.sessions, name)
	return nil
}
func (f *fakeBackend) List(ctx context.Context) ([]terminal.SessionInfo, error) {
	var out []terminal.SessionInfo
	for n := range f.sessions {
		out = append(out, terminal.SessionInfo{Name: n})
	}
	return out, nil
}
func (f *fakeBackend) Exists(ctx context.Context, name string) (bool, error) {
	return f.sessions[name], nil
}

func setupSupervisor(t *testing.T) (*Supervisor, *fakeBackend, func()) {
	f, err := os.CreateTemp("", "sup-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()
	db, err := sql.Open("sqlite", f.Name())
	if err != nil {
		t.Fatal(err)
	}

	ts := tasks.NewStore(db)
	if err := ts.Init(); err != nil {
		t.Fatal(err)
	}
	reg := agents.NewRegistry(db)
	if err := reg.Init(); err != nil {
		t.Fatal(err)
	}
	ledger := reservations.NewLedger(db)
	if err := ledger.Init(); err != nil {
		t.Fatal(err)
	}
	sigStore, err := signals.NewSQLiteStore(db)
	if err != nil {
		t.Fatal(err)
	}
	bus := signals.NewBus(sigStore)
	sched := scheduler.New(ts, ledger)

	backend := newFakeBackend()
	cfg := DefaultConfig()
	cfg.StaleTimeout = 100 * time.Millisecond
	cfg.HeartbeatTick = 20 * time.Millisecond

	sup := New(cfg, backend, ts, reg, ledger, bus, sched, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)

	cleanup := func() {
		cancel()
		sup.Close()
		db.Close()
		os.Remove(f.Name())
	}
	return sup, backend, cleanup
}

func TestSpawnAndSignalLifecycle(t *testing.T) {
	sup, _, cleanup := setupSupervisor(t)
	defer cleanup()

	sess, err := sup.Spawn(context.Background(), SpawnRequest{Agent: "AlphaGlade", Mode: types.ModeChat, Program: "claude-code", Model: "opus"})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if sess.State != types.SessionStarting {
		t.Fatalf("expected starting state right after spawn, got %s", sess.State)
	}

	sup.bus.Publish(types.Signal{Session: sess.Name, Kind: types.SignalWorking, Payload: map[string]interface{}{}})
	waitForState(t, sup, sess.Name, types.SessionWorking)

	sup.bus.Publish(types.Signal{Session: sess.Name, Kind: types.SignalReview, Payload: map[string]interface{}{}})
	waitForState(t, sup, sess.Name, types.SessionReview)
}

func TestPauseResumePreservesTask(t *testing.T) {
	sup, backend, cleanup := setupSupervisor(t)
	defer cleanup()

	task, err := sup.taskSt.Create(tasks.Spec{Title: "do the thing", Project: "p"})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}

	sess, err := sup.Spawn(context.Background(), SpawnRequest{Agent: "AlphaGlade", Task: task.ID, Mode: types.ModeWork})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	sup.bus.Publish(types.Signal{Session: sess.Name, Kind: types.SignalWorking})
	waitForState(t, sup, sess.Name, types.SessionWorking)

	if err := sup.PauseSession(context.Background(), sess.Name); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	paused, _ := sup.Get(sess.Name)
	if paused.State != types.SessionPaused {
		t.Fatalf("expected paused, got %s", paused.State)
	}
	if backend.sessions[sess.Name] {
		t.Fatalf("expected terminal to be killed on pause")
	}

	if err := sup.ResumeSession(context.Background(), sess.Name, "please continue"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	resumed, _ := sup.Get(sess.Name)
	if resumed.State != types.SessionWorking {
		t.Fatalf("expected working after resume, got %s", resumed.State)
	}
	if resumed.Task != task.ID {
		t.Fatalf("expected task assignment preserved, got %s", resumed.Task)
	}
}

func waitForState(t *testing.T, sup *Supervisor, name string, want types.SessionState) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sess, err := sup.Get(name)
		if err == nil && sess.State == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for session %s to reach state %s", name, want)
}
