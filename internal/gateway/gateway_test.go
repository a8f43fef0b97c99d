package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/orchestra/squadcore/internal/orchestration/agents"
	"github.com/orchestra/squadcore/internal/orchestration/bridge"
	"github.com/orchestra/squadcore/internal/orchestration/reservations"
	"github.com/orchestra/squadcore/internal/orchestration/scheduler"
	"github.com/orchestra/squadcore/internal/orchestration/signals"
	"github.com/orchestra/squadcore/internal/orchestration/supervisor"
	"github.com/orchestra/squadcore/internal/orchestration/tasks"
	"github.com/orchestra/squadcore/internal/orchestration/types"
	"github.com/orchestra/squadcore/internal/terminal"

	_ "modernc.org/sqlite"
)

type fakeBackend struct{ sessions map[string]bool }

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
func (f *fakeBackend) List(ctx context.Context) ([]terminal.SessionInfo, error) { return nil, nil }
func (f *fakeBackend) Exists(ctx context.Context, name string) (bool, error) {
	return f.sessions[name], nil
}

func setup(t *testing.T) (*Gateway, func()) {
	f, err := os.CreateTemp("", "gw-test-*.db")
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

	sup := supervisor.New(supervisor.DefaultConfig(), newFakeBackend(), ts, reg, ledger, bus, sched, nil)
	ctx, cancel := context.WithCancel(context.Background())
	sup.Start(ctx)

	br := bridge.New(ts, sup, bus, time.Hour)

	gw := New(ts, sup, bus, br, ledger)

	cleanup := func() {
		cancel()
		sup.Close()
		db.Close()
		os.Remove(f.Name())
	}
	return gw, cleanup
}

func TestCreateAndShowTask(t *testing.T) {
	gw, cleanup := setup(t)
	defer cleanup()

	body, _ := json.Marshal(tasks.Spec{Title: "fix the thing", Project: "p"})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}
	var task types.Task
	if err := json.Unmarshal(rec.Body.Bytes(), &task); err != nil {
		t.Fatal(err)
	}

	req2 := httptest.NewRequest(http.MethodGet, "/tasks/"+task.ID, nil)
	rec2 := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec2, req2)
	if rec2.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec2.Code)
	}
}

func TestShowMissingTaskReturns404(t *testing.T) {
	gw, cleanup := setup(t)
	defer cleanup()

	req := httptest.NewRequest(http.MethodGet, "/tasks/nope-xyz", nil)
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestReadyQueue(t *testing.T) {
	gw, cleanup := setup(t)
	defer cleanup()

	body, _ := json.Marshal(tasks.Spec{Title: "a ready task", Project: "p"})
	req := httptest.NewRequest(http.MethodPost, "/tasks", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec, req)

	req2 := httptest.NewRequest(http.MethodGet, "/tasks/ready", nil)
	rec2 := httptest.NewRecorder()
	gw.Router().ServeHTTP(rec2, req2)
	var out []*types.Task
	if err := json.Unmarshal(rec2.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 {
		t.Fatalf("expected 1 ready task, got %d", len(out))
	}
}

func TestReservationConflict(t *testing.T) {
	gw, cleanup := setup(t)
	defer cleanup()

	acquire := func(agent string) *httptest.ResponseRecorder {
		body, _ := json.Marshal(map[string]string{"path": "/p/src/a.ts", "agent": agent, "task": "p-abc"})
		req := httptest.NewRequest(http.MethodPost, "/reservations", bytes.NewReader(body))
		rec := httptest.NewRecorder()
		gw.Router().ServeHTTP(rec, req)
		return rec
	}

	rec := acquire("AlphaGlade")
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec2 := acquire("BetaRidge")
	if rec2.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", rec2.Code, rec2.Body.String())
	}
	var out map[string]string
	if err := json.Unmarshal(rec2.Body.Bytes(), &out); err != nil {
		t.Fatal(err)
	}
	if out["existingAgent"] != "AlphaGlade" {
		t.Fatalf("expected existingAgent AlphaGlade, got %v", out)
	}
}
