package tasks

import (
	"database/sql"
	"os"
	"testing"

	"github.com/orchestra/squadcore/internal/apperr"
	"github.com/orchestra/squadcore/internal/orchestration/types"

	_ "modernc.org/sqlite"
)

func setupTestDB(t *testing.T) (*Store, func()) {
	f, err := os.CreateTemp("", "tasks-test-*.db")
	if err != nil {
		t.Fatal(err)
	}
	f.Close()

	db, err := sql.Open("sqlite", f.Name())
	if err != nil {
		t.Fatal(err)
	}

	store := NewStore(db)
	if err := store.Init(); err != nil {
		t.Fatal(err)
	}

	cleanup := func() {
		db.Close()
		os.Remove(f.Name())
	}
	return store, cleanup
}

func TestCreateRootAndShow(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	task, err := store.Create(Spec{Title: "fix login bug", Project: "p", IssueType: types.IssueBug, Priority: 1})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !idPattern.MatchString(task.ID) {
		t.Fatalf("id %q does not match task id syntax", task.ID)
	}

	got, err := store.Show(task.ID)
	if err != nil {
		t.Fatalf("Show: %v", err)
	}
	if got.Title != task.Title || got.Status != types.StatusOpen {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestEpicChildWiring(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	epic, err := store.Create(Spec{Title: "epic", Project: "p", IssueType: types.IssueEpic})
	if err != nil {
		t.Fatalf("Create epic: %v", err)
	}
	c1, err := store.Create(Spec{Title: "child 1", Parent: epic.ID})
	if err != nil {
		t.Fatalf("Create child1: %v", err)
	}
	c2, err := store.Create(Spec{Title: "child 2", Parent: epic.ID})
	if err != nil {
		t.Fatalf("Create child2: %v", err)
	}
	if c1.ID != epic.ID+".1" || c2.ID != epic.ID+".2" {
		t.Fatalf("unexpected child ids: %s %s", c1.ID, c2.ID)
	}

	epicAfter, _ := store.Show(epic.ID)
	if len(epicAfter.DependsOn) != 2 {
		t.Fatalf("expected epic to depend on both children, got %v", epicAfter.DependsOn)
	}

	ready := store.Ready()
	readyIDs := map[string]bool{}
	for _, r := range ready {
		readyIDs[r.ID] = true
	}
	if !readyIDs[c1.ID] || !readyIDs[c2.ID] || readyIDs[epic.ID] {
		t.Fatalf("unexpected ready set: %v", readyIDs)
	}

	if err := store.Close(c1.ID, false); err != nil {
		t.Fatalf("close c1: %v", err)
	}
	ready = store.Ready()
	if len(ready) != 1 || ready[0].ID != c2.ID {
		t.Fatalf("expected only c2 ready, got %v", ready)
	}

	closeable, err := store.CloseEligibleEpics()
	if err != nil {
		t.Fatalf("CloseEligibleEpics: %v", err)
	}
	if len(closeable) != 0 {
		t.Fatalf("epic should not be eligible yet: %v", closeable)
	}

	if err := store.Close(c2.ID, false); err != nil {
		t.Fatalf("close c2: %v", err)
	}
	closeable, err = store.CloseEligibleEpics()
	if err != nil {
		t.Fatalf("CloseEligibleEpics: %v", err)
	}
	if len(closeable) != 1 || closeable[0] != epic.ID {
		t.Fatalf("expected epic %s closeable, got %v", epic.ID, closeable)
	}

	epicAfter, _ = store.Show(epic.ID)
	if epicAfter.Status != types.StatusClosed {
		t.Fatalf("epic should be closed, got %s", epicAfter.Status)
	}

	done, total, err := store.EpicProgress(epic.ID)
	if err != nil || done != 2 || total != 2 {
		t.Fatalf("EpicProgress = %d/%d err=%v", done, total, err)
	}
}

func TestCycleRejected(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	a, _ := store.Create(Spec{Title: "a", Project: "p"})
	b, _ := store.Create(Spec{Title: "b", Project: "p"})

	if err := store.AddDep(a.ID, b.ID); err != nil {
		t.Fatalf("AddDep a->b: %v", err)
	}
	err := store.AddDep(b.ID, a.ID)
	if !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected ValidationError for cycle, got %v", err)
	}
}

func TestInProgressRequiresAssignee(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	task, _ := store.Create(Spec{Title: "a", Project: "p"})
	status := types.StatusInProgress
	_, err := store.Update(task.ID, Patch{Status: &status})
	if !apperr.Is(err, apperr.KindInvariantViolation) {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}

	assignee := "AlphaGlade"
	_, err = store.Update(task.ID, Patch{Assignee: &assignee, Status: &status})
	if err != nil {
		t.Fatalf("Update with assignee: %v", err)
	}
}

func TestParentClosedRejectsNewChild(t *testing.T) {
	store, cleanup := setupTestDB(t)
	defer cleanup()

	epic, _ := store.Create(Spec{Title: "epic", Project: "p", IssueType: types.IssueEpic})
	if err := store.Close(epic.ID, true); err != nil {
		t.Fatalf("close with override: %v", err)
	}
	_, err := store.Create(Spec{Title: "late child", Parent: epic.ID})
	if !apperr.Is(err, apperr.KindInvariantViolation) {
		t.Fatalf("expected ParentClosed InvariantViolation, got %v", err)
	}
}
