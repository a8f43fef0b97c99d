// Package supervisor implements the per-session lifecycle state machine:
// spawn → starting → working → review/completing → complete/paused/dead,
// with crash detection and resume.
package supervisor

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/orchestra/squadcore/internal/apperr"
	"github.com/orchestra/squadcore/internal/orchestration/agents"
	"github.com/orchestra/squadcore/internal/orchestration/reservations"
	"github.com/orchestra/squadcore/internal/orchestration/scheduler"
	"github.com/orchestra/squadcore/internal/orchestration/signals"
	"github.com/orchestra/squadcore/internal/orchestration/tasks"
	"github.com/orchestra/squadcore/internal/orchestration/types"
	"github.com/orchestra/squadcore/internal/terminal"
)

// Config holds the supervisor's tunables, overridable by environment
// variables at the composition root.
type Config struct {
	SessionPrefix string
	StaleTimeout  time.Duration
	HeartbeatTick time.Duration
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{
		SessionPrefix: "squad-",
		StaleTimeout:  10 * time.Minute,
		HeartbeatTick: 30 * time.Second,
	}
}

// SpawnRequest carries a spawn RPC's parameters.
type SpawnRequest struct {
	Agent   string
	Task    string
	Mode    types.SpawnMode
	Program string
	Model   string
	Cwd     string
}

// Supervisor owns every session's state machine. Each session is owned
// by one goroutine (an actor); external calls enqueue commands to it,
// mirroring the hub's single-owner select loop.
type Supervisor struct {
	cfg     Config
	backend terminal.Backend
	taskSt  *tasks.Store
	reg     *agents.Registry
	ledger  *reservations.Ledger
	bus     *signals.Bus
	sched   *scheduler.Scheduler
	rules   *scheduler.RulesFile

	mu       sync.RWMutex
	sessions map[string]*actor

	stop chan struct{}
}

// New constructs a Supervisor wired to its dependencies.
func New(cfg Config, backend terminal.Backend, taskSt *tasks.Store, reg *agents.Registry,
	ledger *reservations.Ledger, bus *signals.Bus, sched *scheduler.Scheduler, rules *scheduler.RulesFile) *Supervisor {
	return &Supervisor{
		cfg:      cfg,
		backend:  backend,
		taskSt:   taskSt,
		reg:      reg,
		ledger:   ledger,
		bus:      bus,
		sched:    sched,
		rules:    rules,
		sessions: make(map[string]*actor),
		stop:     make(chan struct{}),
	}
}

// Start subscribes to the Signal Bus and begins the heartbeat sweep.
// Signals flow Gateway → Bus → Supervisor (this subscription advances
// state) → other subscribers (live view), all fed from the same Publish
// call so ordering is preserved for every observer.
func (s *Supervisor) Start(ctx context.Context) {
	ch, unsubscribe := s.bus.Subscribe("")
	go func() {
		defer unsubscribe()
		for {
			select {
			case d, ok := <-ch:
				if !ok {
					return
				}
				s.dispatchSignal(d.Signal)
			case <-s.stop:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	go s.heartbeatLoop(ctx)
}

// Close stops the heartbeat sweep and signal subscription.
func (s *Supervisor) Close() {
	close(s.stop)
}

func (s *Supervisor) dispatchSignal(sig types.Signal) {
	s.mu.RLock()
	a, ok := s.sessions[sig.Session]
	s.mu.RUnlock()
	if !ok {
		return
	}
	a.cmdCh <- cmdSignal{sig: sig}
}

// Spawn accepts a spawn request, reserving a ready task atomically when
// the caller omits one, then creates the underlying terminal session.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*types.Session, error) {
	agent, err := s.reg.Register(req.Agent, req.Program, req.Model)
	if err != nil {
		return nil, err
	}

	taskID := req.Task
	if taskID == "" && req.Mode == types.ModeWork {
		if t, ok := s.sched.SelectForAgent(agent.Name); ok {
			assignee := agent.Name
			status := types.StatusInProgress
			if _, err := s.taskSt.Update(t.ID, tasks.Patch{Assignee: &assignee, Status: &status}); err != nil {
				return nil, err
			}
			taskID = t.ID
		}
	}

	name := s.cfg.SessionPrefix + agent.Name

	s.mu.Lock()
	if existing, ok := s.sessions[name]; ok {
		s.mu.Unlock()
		return existing.snapshot(), nil
	}
	a := newActor(name, agent.Name, taskID, req.Mode, s)
	s.sessions[name] = a
	s.mu.Unlock()

	go a.run()

	initialCmd := agents.BannerCommand(agent.Name, string(req.Mode), taskID)
	if err := s.backend.CreateSession(ctx, name, req.Cwd, initialCmd); err != nil {
		a.cmdCh <- cmdMarkDead{reason: err.Error()}
		if taskID != "" {
			_ = s.ledger.Release(agent.Name)
		}
		return nil, apperr.Wrap(apperr.KindBackendUnavailable, "create terminal session", err)
	}
	created := make(chan struct{})
	a.cmdCh <- cmdDriverCreated{done: created}
	<-created

	_ = s.reg.Touch(agent.Name)
	return a.snapshot(), nil
}

// PauseSession kills the underlying terminal and marks the session
// paused, preserving its task assignment.
func (s *Supervisor) PauseSession(ctx context.Context, name string) error {
	a, err := s.get(name)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	a.cmdCh <- cmdPause{ctx: ctx, reply: reply}
	return <-reply
}

// ResumeSession recreates a terminal for a paused session, seeded with
// its recorded context, and injects replyText as keystrokes.
func (s *Supervisor) ResumeSession(ctx context.Context, name, replyText string) error {
	a, err := s.get(name)
	if err != nil {
		return err
	}

	snap := a.snapshot()
	if snap.Task != "" {
		task, err := s.taskSt.Show(snap.Task)
		if err == nil && task.Status == types.StatusClosed {
			return apperr.New(apperr.KindInvariantViolation, "TaskClosed")
		}
	}

	reply := make(chan error, 1)
	a.cmdCh <- cmdResume{ctx: ctx, replyText: replyText, reply: reply}
	return <-reply
}

// KillSession kills a session's terminal and releases its reservations.
// Idempotent.
func (s *Supervisor) KillSession(ctx context.Context, name string) error {
	a, err := s.get(name)
	if err != nil {
		return err
	}
	reply := make(chan error, 1)
	a.cmdCh <- cmdKill{ctx: ctx, reply: reply}
	return <-reply
}

func (s *Supervisor) get(name string) (*actor, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	a, ok := s.sessions[name]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "session not found: "+name)
	}
	return a, nil
}

// List returns a snapshot of every known session.
func (s *Supervisor) List() []*types.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*types.Session, 0, len(s.sessions))
	for _, a := range s.sessions {
		out = append(out, a.snapshot())
	}
	return out
}

// Get returns a snapshot of a single session.
func (s *Supervisor) Get(name string) (*types.Session, error) {
	a, err := s.get(name)
	if err != nil {
		return nil, err
	}
	return a.snapshot(), nil
}

// Recover enumerates live terminals via the Terminal Driver and marks
// dead every session this Supervisor already holds in starting/working/
// review that has no matching terminal (S6). It creates no session
// records: live terminals it does not already hold are left untracked.
func (s *Supervisor) Recover(ctx context.Context) error {
	live, err := s.backend.List(ctx)
	if err != nil {
		log.Printf("[supervisor] recover: terminal driver list failed: %v", err)
		return nil
	}
	liveNames := make(map[string]bool, len(live))
	for _, l := range live {
		liveNames[l.Name] = true
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for name, a := range s.sessions {
		snap := a.snapshot()
		if isActive(snap.State) && !liveNames[name] {
			a.cmdCh <- cmdMarkDead{reason: "no matching terminal found on recovery"}
		}
	}
	return nil
}

func isActive(state types.SessionState) bool {
	switch state {
	case types.SessionStarting, types.SessionWorking, types.SessionReview:
		return true
	default:
		return false
	}
}

func (s *Supervisor) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.HeartbeatTick)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.sweepStale(ctx)
		case <-s.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *Supervisor) sweepStale(ctx context.Context) {
	s.mu.RLock()
	actorsSnapshot := make([]*actor, 0, len(s.sessions))
	for _, a := range s.sessions {
		actorsSnapshot = append(actorsSnapshot, a)
	}
	s.mu.RUnlock()

	for _, a := range actorsSnapshot {
		snap := a.snapshot()
		if !isActive(snap.State) {
			continue
		}
		if time.Since(snap.LastSignalAt) <= s.cfg.StaleTimeout {
			continue
		}
		exists, err := s.backend.Exists(ctx, snap.Name)
		if err != nil || !exists {
			a.cmdCh <- cmdMarkDead{reason: "stale timeout elapsed with no underlying terminal"}
		}
	}
}

// handleCompletion is invoked by an actor when it reaches complete, to
// decide whether to auto-spawn a successor for the same agent.
func (s *Supervisor) handleCompletion(ctx context.Context, agentName, taskID string, mode types.CompletionMode) {
	if mode != types.CompletionAutoProceed {
		return
	}
	next, ok := s.sched.SelectForAgent(agentName)
	if !ok {
		return
	}
	if _, err := s.Spawn(ctx, SpawnRequest{Agent: agentName, Task: next.ID, Mode: types.ModeWork}); err != nil {
		log.Printf("[supervisor] auto-proceed spawn failed for agent=%s task=%s: %v", agentName, next.ID, err)
	}
}
