package scheduler

import (
	"database/sql"
	"os"
	"testing"

	"github.com/orchestra/squadcore/internal/orchestration/reservations"
	"github.com/orchestra/squadcore/internal/orchestration/tasks"
	"github.com/orchestra/squadcore/internal/orchestration/types"

	_ "modernc.org/sqlite"
)

func setup(t *testing.T) (*Scheduler, func()) {
	f, err := os.CreateTemp("", "sched-test-*.db")
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
	ledger := reservations.NewLedger(db)
	if err := ledger.Init(); err != nil {
		t.Fatal(err)
	}
	return New(ts, ledger), func() {
		db.Close()
		os.Remove(f.Name())
	}
}

func TestSelectPrefersLowerPriority(t *testing.T) {
	sched, cleanup := setup(t)
	defer cleanup()

	sched.Tasks.Create(tasks.Spec{Title: "low prio", Project: "p", Priority: 3})
	high, _ := sched.Tasks.Create(tasks.Spec{Title: "high prio", Project: "p", Priority: 0})

	got, ok := sched.SelectForAgent("AlphaGlade")
	if !ok || got.ID != high.ID {
		t.Fatalf("expected highest-priority task %s, got %v", high.ID, got)
	}
}

func TestAutoProceedPrecedence(t *testing.T) {
	sched, cleanup := setup(t)
	defer cleanup()

	task, _ := sched.Tasks.Create(tasks.Spec{
		Title: "chore", Project: "p", IssueType: types.IssueChore, Priority: 3,
	})

	rules := &RulesFile{
		Version:       1,
		DefaultAction: "review",
		Rules:         []Rule{{Type: "chore", MaxAutoPriority: 4}},
	}
	mode := sched.AutoProceedDecision(task, nil, rules)
	if mode != types.CompletionAutoProceed {
		t.Fatalf("expected auto_proceed for chore priority 3 (max 4), got %s", mode)
	}

	bug, _ := sched.Tasks.Create(tasks.Spec{
		Title: "bug", Project: "p", IssueType: types.IssueBug, Priority: 2,
	})
	rulesBug := &RulesFile{
		Version:       1,
		DefaultAction: "review",
		Rules:         []Rule{{Type: "bug", MaxAutoPriority: 1}},
	}
	mode = sched.AutoProceedDecision(bug, nil, rulesBug)
	if mode != types.CompletionReviewRequired {
		t.Fatalf("expected review_required for bug priority 2 (max 1), got %s", mode)
	}

	task.Notes = "auto-proceed:always_auto"
	mode = sched.AutoProceedDecision(task, nil, rulesBug)
	if mode != types.CompletionAutoProceed {
		t.Fatalf("per-task note override should win, got %s", mode)
	}
}
