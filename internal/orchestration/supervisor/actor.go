package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/orchestra/squadcore/internal/orchestration/agents"
	"github.com/orchestra/squadcore/internal/orchestration/scheduler"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

// actor owns a single session's state machine from its own goroutine;
// every external interaction enqueues a command rather than touching
// state directly.
type actor struct {
	sup *Supervisor

	mu    sync.RWMutex
	state types.Session

	cmdCh chan interface{}
}

func newActor(name, agent, task string, mode types.SpawnMode, sup *Supervisor) *actor {
	now := time.Now().UTC()
	return &actor{
		sup: sup,
		state: types.Session{
			Name:         name,
			Agent:        agent,
			Task:         task,
			Mode:         mode,
			State:        types.SessionPending,
			CreatedAt:    now,
			LastSignalAt: now,
		},
		cmdCh: make(chan interface{}, 64),
	}
}

func (a *actor) snapshot() *types.Session {
	a.mu.RLock()
	defer a.mu.RUnlock()
	cp := a.state
	cp.OutputTail = append([]string{}, a.state.OutputTail...)
	return &cp
}

type cmdDriverCreated struct{ done chan struct{} }
type cmdSignal struct{ sig types.Signal }
type cmdMarkDead struct{ reason string }
type cmdPause struct {
	ctx   context.Context
	reply chan error
}
type cmdResume struct {
	ctx       context.Context
	replyText string
	reply     chan error
}
type cmdKill struct {
	ctx   context.Context
	reply chan error
}

func (a *actor) run() {
	for cmd := range a.cmdCh {
		switch c := cmd.(type) {
		case cmdDriverCreated:
			a.setState(types.SessionStarting)
			close(c.done)
		case cmdSignal:
			a.onSignal(c.sig)
		case cmdMarkDead:
			a.markDead(c.reason)
		case cmdPause:
			c.reply <- a.onPause(c.ctx)
		case cmdResume:
			c.reply <- a.onResume(c.ctx, c.replyText)
		case cmdKill:
			c.reply <- a.onKill(c.ctx)
		}
	}
}

func (a *actor) setState(s types.SessionState) {
	a.mu.Lock()
	a.state.State = s
	a.mu.Unlock()
}

func (a *actor) onSignal(sig types.Signal) {
	a.mu.Lock()
	a.state.LastSignalAt = sig.ReceivedAt
	if len(a.state.OutputTail) >= 200 {
		a.state.OutputTail = a.state.OutputTail[1:]
	}
	current := a.state.State
	agent := a.state.Agent
	taskID := a.state.Task
	a.mu.Unlock()

	if agent != "" {
		_ = a.sup.reg.Touch(agent)
	}

	next, advance := nextState(current, sig.Kind)
	if !advance {
		return
	}

	a.mu.Lock()
	a.state.State = next
	a.mu.Unlock()

	switch sig.Kind {
	case types.SignalPaused:
		_ = a.onPause(context.Background())
	case types.SignalDead:
		a.markDead("dead signal received")
	case types.SignalComplete:
		a.onComplete(sig, taskID)
	}
}

// nextState implements the state diagram in the session lifecycle
// design: unhandled (state, kind) pairs are absorbed without transition.
func nextState(current types.SessionState, kind types.SignalKind) (types.SessionState, bool) {
	switch current {
	case types.SessionStarting:
		switch kind {
		case types.SignalStarting:
			return types.SessionStarting, true
		case types.SignalWorking:
			return types.SessionWorking, true
		}
	case types.SessionWorking:
		switch kind {
		case types.SignalReview:
			return types.SessionReview, true
		case types.SignalCompleting:
			return types.SessionCompleting, true
		case types.SignalPaused:
			return types.SessionPaused, true
		case types.SignalDead:
			return types.SessionDead, true
		}
	case types.SessionReview:
		if kind == types.SignalComplete {
			return types.SessionComplete, true
		}
	case types.SessionCompleting:
		if kind == types.SignalComplete {
			return types.SessionComplete, true
		}
	}
	return current, false
}

func (a *actor) onComplete(sig types.Signal, taskID string) {
	if taskID == "" {
		taskID = sig.Task
	}

	mode := types.CompletionReviewRequired
	if m, ok := sig.Payload["completionMode"].(string); ok {
		mode = types.CompletionMode(m)
	}

	if taskID != "" {
		if task, err := a.sup.taskSt.Show(taskID); err == nil {
			mode = a.sup.sched.AutoProceedDecision(task, a.epicOverride(task), a.sup.rules)
		}
		_ = a.sup.taskSt.Close(taskID, false)
	}
	_ = a.sup.ledger.Release(a.currentAgent())

	go a.sup.handleCompletion(context.Background(), a.currentAgent(), taskID, mode)
}

// epicOverride resolves the "per-epic override in session context" leg
// of the auto-proceed precedence order: a task's parent epic can carry
// the same auto-proceed:<action> convention as a per-task note.
func (a *actor) epicOverride(task *types.Task) *string {
	if task.Parent == "" {
		return nil
	}
	parent, err := a.sup.taskSt.Show(task.Parent)
	if err != nil {
		return nil
	}
	return scheduler.EpicOverrideAction(parent.Notes)
}

func (a *actor) currentAgent() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state.Agent
}

func (a *actor) onPause(ctx context.Context) error {
	a.mu.Lock()
	name := a.state.Name
	a.mu.Unlock()

	if err := a.sup.backend.Kill(ctx, name); err != nil {
		log.Printf("[supervisor] pause: kill terminal %s failed: %v", name, err)
	}
	a.setState(types.SessionPaused)
	return nil
}

func (a *actor) onResume(ctx context.Context, replyText string) error {
	a.mu.RLock()
	name, agent, taskID := a.state.Name, a.state.Agent, a.state.Task
	a.mu.RUnlock()

	initialCmd := agents.BannerCommand(agent, "resume", taskID)
	if err := a.sup.backend.CreateSession(ctx, name, "", initialCmd); err != nil {
		return err
	}
	if replyText != "" {
		preamble := "the user replied: " + replyText
		if err := a.sup.backend.SendText(ctx, name, preamble); err != nil {
			log.Printf("[supervisor] resume: inject reply to %s failed: %v", name, err)
		}
	}
	a.setState(types.SessionWorking)
	_ = a.sup.reg.Touch(agent)

	a.sup.bus.Publish(types.Signal{
		Session:    name,
		Kind:       types.SignalWorking,
		ReceivedAt: time.Now().UTC(),
		Payload:    map[string]interface{}{"reason": "resume"},
	})
	return nil
}

func (a *actor) onKill(ctx context.Context) error {
	a.mu.RLock()
	name, agent, already := a.state.Name, a.state.Agent, a.state.State == types.SessionDead
	a.mu.RUnlock()
	if already {
		return nil
	}
	if err := a.sup.backend.Kill(ctx, name); err != nil {
		log.Printf("[supervisor] kill: terminal %s failed: %v", name, err)
	}
	_ = a.sup.ledger.Release(agent)
	a.setState(types.SessionDead)
	return nil
}

func (a *actor) markDead(reason string) {
	a.mu.RLock()
	agent, already := a.state.Agent, a.state.State == types.SessionDead
	a.mu.RUnlock()
	if already {
		return
	}
	log.Printf("[supervisor] session %s marked dead: %s", a.snapshot().Name, reason)
	_ = a.sup.ledger.Release(agent)
	a.setState(types.SessionDead)
}
