// Package scheduler selects the next ready task for an agent and decides
// whether a completed task auto-proceeds or waits for review. Readiness
// comes from the Task Store's Ready, reservations only break ties, and
// closing eligible epics is done by the Task Store. It is pure: given a
// snapshot of the Task Store + Ledger + rules, identical inputs yield
// identical outputs.
package scheduler

import (
	"strings"

	"github.com/orchestra/squadcore/internal/orchestration/reservations"
	"github.com/orchestra/squadcore/internal/orchestration/tasks"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

// Scheduler holds read-only handles to the Task Store and Ledger.
type Scheduler struct {
	Tasks   *tasks.Store
	Ledger  *reservations.Ledger
	Default RulesFile
}

// New creates a Scheduler over the given Task Store and Ledger.
func New(store *tasks.Store, ledger *reservations.Ledger) *Scheduler {
	return &Scheduler{
		Tasks:  store,
		Ledger: ledger,
		Default: RulesFile{
			Version:       1,
			DefaultAction: "review",
		},
	}
}

// SelectForAgent returns one ready task for agentName, preferring (a)
// tasks already assigned to this agent, (b) lowest priority number, (c)
// tasks whose assignee is not contested (see contestedAgents), (d)
// earliest created_at. This is a coarse pre-flight only: the Ledger does
// not record per-task file lists, so no file-level conflict is checked.
func (s *Scheduler) SelectForAgent(agentName string) (*types.Task, bool) {
	ready := s.Tasks.Ready()
	if len(ready) == 0 {
		return nil, false
	}

	contested := s.contestedAgents()

	best := -1
	for i, t := range ready {
		if best < 0 {
			best = i
			continue
		}
		if better(t, ready[best], agentName, contested) {
			best = i
		}
	}
	if best < 0 {
		return nil, false
	}
	return ready[best], true
}

// contestedAgents returns the set of agent names holding a reservation
// whose task id is also on a reservation held by a different agent.
func (s *Scheduler) contestedAgents() map[string]bool {
	contested := make(map[string]bool)
	seen := make(map[string]string) // task -> agent
	for _, r := range s.Ledger.List("") {
		if prior, ok := seen[r.Task]; ok && prior != r.Agent {
			contested[r.Agent] = true
			contested[prior] = true
		} else {
			seen[r.Task] = r.Agent
		}
	}
	return contested
}

func better(candidate, current *types.Task, agentName string, contested map[string]bool) bool {
	cAssigned := candidate.Assignee == agentName
	curAssigned := current.Assignee == agentName
	if cAssigned != curAssigned {
		return cAssigned
	}
	if candidate.Priority != current.Priority {
		return candidate.Priority < current.Priority
	}
	cContested := contested[candidate.Assignee]
	curContested := contested[current.Assignee]
	if cContested != curContested {
		return !cContested
	}
	return candidate.CreatedAt.Before(current.CreatedAt)
}

// AutoProceedDecision resolves the completion mode for task using the
// precedence order: per-task override in notes, per-epic override in
// session context, project-wide rules file, global default
// (review_required). epicOverride carries the session-context override,
// if any; rules may be nil to use only the built-in default.
func (s *Scheduler) AutoProceedDecision(task *types.Task, epicOverride *string, rules *RulesFile) types.CompletionMode {
	if mode, ok := noteOverride(task.Notes); ok {
		return mode
	}
	if epicOverride != nil {
		if mode, ok := actionToMode(*epicOverride); ok {
			return mode
		}
	}
	if rules != nil {
		if ov := rules.overrideFor(task.ID); ov != nil {
			if mode, ok := actionToMode(ov.Action); ok {
				return mode
			}
		}
		if rule := rules.ruleFor(string(task.IssueType)); rule != nil {
			if task.Priority <= rule.MaxAutoPriority {
				return types.CompletionAutoProceed
			}
			return types.CompletionReviewRequired
		}
		if rules.DefaultAction == "auto" {
			return types.CompletionAutoProceed
		}
	}
	return types.CompletionReviewRequired
}

func noteOverride(notes string) (types.CompletionMode, bool) {
	action, ok := overrideActionIn(notes)
	if !ok {
		return "", false
	}
	mode, _ := actionToMode(action)
	return mode, true
}

// EpicOverrideAction extracts the "per-epic override in session
// context" leg of the auto-proceed precedence order from an epic
// task's notes, using the same auto-proceed:<action> convention as a
// per-task note override. Returns nil if the epic carries none.
func EpicOverrideAction(notes string) *string {
	action, ok := overrideActionIn(notes)
	if !ok {
		return nil
	}
	return &action
}

func overrideActionIn(notes string) (string, bool) {
	lower := strings.ToLower(notes)
	switch {
	case strings.Contains(lower, "auto-proceed:always_auto"), strings.Contains(lower, "auto-proceed: always_auto"):
		return "always_auto", true
	case strings.Contains(lower, "auto-proceed:always_review"), strings.Contains(lower, "auto-proceed: always_review"):
		return "always_review", true
	default:
		return "", false
	}
}

func actionToMode(action string) (types.CompletionMode, bool) {
	switch action {
	case "always_auto":
		return types.CompletionAutoProceed, true
	case "always_review":
		return types.CompletionReviewRequired, true
	default:
		return "", false
	}
}
