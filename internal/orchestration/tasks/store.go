// Package tasks is the durable, dependency-aware repository of tasks:
// parent/child links, status transitions, and assignee tracking.
package tasks

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/orchestra/squadcore/internal/apperr"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

var idPattern = regexp.MustCompile(`^[a-z][a-z0-9_-]*-[a-z0-9]{3,6}(\.[0-9]+)*$`)

// validTransitions mirrors the status table in the component design.
var validTransitions = map[types.Status][]types.Status{
	types.StatusOpen:       {types.StatusInProgress, types.StatusBlocked, types.StatusClosed},
	types.StatusInProgress: {types.StatusOpen, types.StatusBlocked, types.StatusClosed},
	types.StatusBlocked:    {types.StatusOpen, types.StatusInProgress},
	types.StatusClosed:     {},
}

// Store persists tasks and their dependency graph to SQLite.
type Store struct {
	db *sql.DB

	mu       sync.RWMutex
	byID     map[string]*types.Task
	children map[string]int // parent id -> next child sequence number
}

// NewStore creates a new task store backed by db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:       db,
		byID:     make(map[string]*types.Task),
		children: make(map[string]int),
	}
}

// Init creates the schema and loads the in-memory snapshot.
func (s *Store) Init() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			title TEXT NOT NULL,
			description TEXT,
			notes TEXT,
			issue_type TEXT NOT NULL DEFAULT 'task',
			priority INTEGER NOT NULL DEFAULT 2,
			status TEXT NOT NULL DEFAULT 'open',
			assignee TEXT,
			parent TEXT,
			labels TEXT,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS task_deps (
			task_id TEXT NOT NULL,
			depends_on TEXT NOT NULL,
			PRIMARY KEY (task_id, depends_on)
		)`,
		`CREATE TABLE IF NOT EXISTS task_history (
			task_id TEXT NOT NULL,
			from_status TEXT,
			to_status TEXT NOT NULL,
			reason TEXT,
			changed_at TIMESTAMP NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("task store init: %w", err)
		}
	}
	return s.reload()
}

// reload rebuilds the in-memory snapshot from the database.
func (s *Store) reload() error {
	rows, err := s.db.Query(`SELECT id, title, description, notes, issue_type, priority, status, assignee, parent, labels, created_at, updated_at FROM tasks`)
	if err != nil {
		return fmt.Errorf("reload tasks: %w", err)
	}
	defer rows.Close()

	byID := make(map[string]*types.Task)
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return err
		}
		byID[t.ID] = t
	}

	depRows, err := s.db.Query(`SELECT task_id, depends_on FROM task_deps`)
	if err != nil {
		return fmt.Errorf("reload deps: %w", err)
	}
	defer depRows.Close()
	for depRows.Next() {
		var taskID, dep string
		if err := depRows.Scan(&taskID, &dep); err != nil {
			return err
		}
		if t, ok := byID[taskID]; ok {
			t.DependsOn = append(t.DependsOn, dep)
		}
	}

	children := make(map[string]int)
	for id, t := range byID {
		if t.Parent == "" {
			continue
		}
		if n, ok := childSeq(id); ok && n > children[t.Parent] {
			children[t.Parent] = n
		}
	}

	s.mu.Lock()
	s.byID = byID
	s.children = children
	s.mu.Unlock()
	return nil
}

func childSeq(id string) (int, bool) {
	i := strings.LastIndexByte(id, '.')
	if i < 0 {
		return 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil {
		return 0, false
	}
	return n, true
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scannable) (*types.Task, error) {
	var t types.Task
	var description, notes, assignee, parent, labels sql.NullString
	if err := row.Scan(&t.ID, &t.Title, &description, &notes, &t.IssueType, &t.Priority,
		&t.Status, &assignee, &parent, &labels, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.Description = description.String
	t.Notes = notes.String
	t.Assignee = assignee.String
	t.Parent = parent.String
	if labels.Valid && labels.String != "" {
		_ = json.Unmarshal([]byte(labels.String), &t.Labels)
	}
	return &t, nil
}

// Spec describes the fields needed to create a task.
type Spec struct {
	Title       string
	Description string
	Notes       string
	IssueType   types.IssueType
	Priority    int
	Parent      string
	Project     string // required for root tasks, used to build the id
	Labels      []string
	DependsOn   []string
}

// Create inserts a new task, generating its id from Project (for a root
// task) or Parent (for a child). A child auto-wires a bidirectional
// dependency: the parent epic depends on the child.
func (s *Store) Create(spec Spec) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	var id string
	var parent *types.Task

	if spec.Parent != "" {
		p, ok := s.byID[spec.Parent]
		if !ok {
			return nil, apperr.New(apperr.KindNotFound, "parent task not found: "+spec.Parent)
		}
		if p.Status == types.StatusClosed {
			return nil, apperr.New(apperr.KindInvariantViolation, "ParentClosed")
		}
		parent = p
		next := s.children[spec.Parent] + 1
		s.children[spec.Parent] = next
		id = fmt.Sprintf("%s.%d", spec.Parent, next)
	} else {
		if spec.Project == "" {
			return nil, apperr.New(apperr.KindValidation, "project required for root task")
		}
		id = fmt.Sprintf("%s-%s", spec.Project, slug(spec.Title, now))
	}

	if !idPattern.MatchString(id) {
		return nil, apperr.New(apperr.KindValidation, "generated id does not match task id syntax: "+id)
	}

	issueType := spec.IssueType
	if issueType == "" {
		issueType = types.IssueTask
	}

	t := &types.Task{
		ID:          id,
		Title:       spec.Title,
		Description: spec.Description,
		Notes:       spec.Notes,
		IssueType:   issueType,
		Priority:    spec.Priority,
		Status:      types.StatusOpen,
		Parent:      spec.Parent,
		Labels:      spec.Labels,
		DependsOn:   append([]string{}, spec.DependsOn...),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if err := s.persist(t); err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "persist task", err)
	}
	s.byID[id] = t

	for _, dep := range spec.DependsOn {
		if err := s.addDepLocked(id, dep); err != nil {
			return nil, err
		}
	}

	if parent != nil {
		if err := s.addDepLocked(spec.Parent, id); err != nil {
			return nil, err
		}
	}

	return cloneTask(t), nil
}

// slug builds the base36 part of a root task id: up to three leading
// letters or digits of the title followed by three base36 digits taken
// from now, so it is always 3-6 characters of [a-z0-9].
func slug(title string, now time.Time) string {
	var b strings.Builder
	for _, r := range strings.ToLower(title) {
		if b.Len() == 3 {
			break
		}
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	suffix := strconv.FormatInt(now.UnixNano()/1000%46656, 36)
	for len(suffix) < 3 {
		suffix = "0" + suffix
	}
	return b.String() + suffix
}

func (s *Store) persist(t *types.Task) error {
	labels, _ := json.Marshal(t.Labels)
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, title, description, notes, issue_type, priority, status, assignee, parent, labels, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			title=excluded.title, description=excluded.description, notes=excluded.notes,
			issue_type=excluded.issue_type, priority=excluded.priority, status=excluded.status,
			assignee=excluded.assignee, parent=excluded.parent, labels=excluded.labels,
			updated_at=excluded.updated_at
	`, t.ID, t.Title, t.Description, t.Notes, t.IssueType, t.Priority, t.Status,
		nullIfEmpty(t.Assignee), nullIfEmpty(t.Parent), string(labels), t.CreatedAt, t.UpdatedAt)
	return err
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func cloneTask(t *types.Task) *types.Task {
	cp := *t
	cp.DependsOn = append([]string{}, t.DependsOn...)
	cp.Labels = append([]string{}, t.Labels...)
	return &cp
}

// Show returns a single task by id.
func (s *Store) Show(id string) (*types.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.byID[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "task not found: "+id)
	}
	return cloneTask(t), nil
}

// Filter narrows List results.
type Filter struct {
	Status    types.Status
	Assignee  string
	IssueType types.IssueType
}

// List returns tasks matching filter, sorted by (priority asc, created_at asc).
func (s *Store) List(f Filter) []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Task
	for _, t := range s.byID {
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		if f.Assignee != "" && t.Assignee != f.Assignee {
			continue
		}
		if f.IssueType != "" && t.IssueType != f.IssueType {
			continue
		}
		out = append(out, cloneTask(t))
	}
	sortTasks(out)
	return out
}

func sortTasks(ts []*types.Task) {
	sort.Slice(ts, func(i, j int) bool {
		if ts[i].Priority != ts[j].Priority {
			return ts[i].Priority < ts[j].Priority
		}
		return ts[i].CreatedAt.Before(ts[j].CreatedAt)
	})
}

// Ready returns tasks with status=open and every dependency closed,
// sorted by (priority asc, created_at asc). Implements invariant I2.
func (s *Store) Ready() []*types.Task {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*types.Task
	for _, t := range s.byID {
		if t.Status != types.StatusOpen {
			continue
		}
		if s.allDepsClosedLocked(t.DependsOn) {
			out = append(out, cloneTask(t))
		}
	}
	sortTasks(out)
	return out
}

func (s *Store) allDepsClosedLocked(deps []string) bool {
	for _, d := range deps {
		dep, ok := s.byID[d]
		if !ok || dep.Status != types.StatusClosed {
			return false
		}
	}
	return true
}

// Patch is a set of optional field updates for Update.
type Patch struct {
	Title       *string
	Description *string
	Notes       *string
	Priority    *int
	Status      *types.Status
	Assignee    *string
	Labels      *[]string
}

// Update applies patch to task id, validating status transitions and the
// assignee invariant (I1).
func (s *Store) Update(id string, p Patch) (*types.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "task not found: "+id)
	}

	from := t.Status
	if p.Status != nil && *p.Status != from {
		allowed := validTransitions[from]
		ok := false
		for _, a := range allowed {
			if a == *p.Status {
				ok = true
				break
			}
		}
		if !ok {
			return nil, apperr.New(apperr.KindInvariantViolation,
				fmt.Sprintf("invalid status transition %s -> %s", from, *p.Status))
		}
	}

	newStatus, newAssignee := t.Status, t.Assignee
	if p.Status != nil {
		newStatus = *p.Status
	}
	if p.Assignee != nil {
		newAssignee = *p.Assignee
	}
	if newStatus == types.StatusInProgress && newAssignee == "" {
		return nil, apperr.New(apperr.KindInvariantViolation, "in_progress task requires an assignee")
	}

	if p.Title != nil {
		t.Title = *p.Title
	}
	if p.Description != nil {
		t.Description = *p.Description
	}
	if p.Notes != nil {
		t.Notes = *p.Notes
	}
	if p.Priority != nil {
		t.Priority = *p.Priority
	}
	if p.Labels != nil {
		t.Labels = *p.Labels
	}
	if p.Assignee != nil {
		t.Assignee = *p.Assignee
	}
	if p.Status != nil {
		t.Status = *p.Status
	}

	t.UpdatedAt = time.Now().UTC()
	if err := s.persist(t); err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "persist task", err)
	}
	if p.Status != nil && *p.Status != from {
		_, _ = s.db.Exec(`INSERT INTO task_history (task_id, from_status, to_status, reason, changed_at) VALUES (?, ?, ?, ?, ?)`,
			id, from, *p.Status, "update", t.UpdatedAt)
	}
	return cloneTask(t), nil
}

// Close closes a task. Unless override is set, every dependency of the
// task must already be closed.
func (s *Store) Close(id string, override bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.byID[id]
	if !ok {
		return apperr.New(apperr.KindNotFound, "task not found: "+id)
	}
	if t.Status == types.StatusClosed {
		return nil
	}
	if !override && !s.allDepsClosedLocked(t.DependsOn) {
		return apperr.New(apperr.KindInvariantViolation, "dependencies not all closed")
	}
	from := t.Status
	t.Status = types.StatusClosed
	t.UpdatedAt = time.Now().UTC()
	if err := s.persist(t); err != nil {
		return apperr.Wrap(apperr.KindIntegrity, "persist task", err)
	}
	_, _ = s.db.Exec(`INSERT INTO task_history (task_id, from_status, to_status, reason, changed_at) VALUES (?, ?, ?, ?, ?)`,
		id, from, types.StatusClosed, "close", t.UpdatedAt)
	return nil
}

// AddDep adds a dependency a->b (a depends on b), rejecting duplicates
// (no-op) and cycles (ValidationError).
func (s *Store) AddDep(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addDepLocked(a, b)
}

func (s *Store) addDepLocked(a, b string) error {
	ta, ok := s.byID[a]
	if !ok {
		return apperr.New(apperr.KindNotFound, "task not found: "+a)
	}
	if _, ok := s.byID[b]; !ok {
		return apperr.New(apperr.KindNotFound, "task not found: "+b)
	}
	for _, d := range ta.DependsOn {
		if d == b {
			return nil // duplicate add is a no-op
		}
	}
	if s.reachesLocked(b, a) {
		return apperr.New(apperr.KindValidation, "adding dependency would create a cycle")
	}
	ta.DependsOn = append(ta.DependsOn, b)
	if _, err := s.db.Exec(`INSERT OR IGNORE INTO task_deps (task_id, depends_on) VALUES (?, ?)`, a, b); err != nil {
		return apperr.Wrap(apperr.KindIntegrity, "persist dep", err)
	}
	return nil
}

// reachesLocked reports whether from can reach to via depends_on edges
// (DFS), used to detect the cycle a new edge to->from would create.
func (s *Store) reachesLocked(from, to string) bool {
	seen := map[string]bool{}
	var dfs func(n string) bool
	dfs = func(n string) bool {
		if n == to {
			return true
		}
		if seen[n] {
			return false
		}
		seen[n] = true
		t, ok := s.byID[n]
		if !ok {
			return false
		}
		for _, d := range t.DependsOn {
			if dfs(d) {
				return true
			}
		}
		return false
	}
	return dfs(from)
}

// RemoveDep removes a dependency a->b. Removing a non-existent dep is a no-op.
func (s *Store) RemoveDep(a, b string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.byID[a]
	if !ok {
		return apperr.New(apperr.KindNotFound, "task not found: "+a)
	}
	idx := -1
	for i, d := range t.DependsOn {
		if d == b {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	t.DependsOn = append(t.DependsOn[:idx], t.DependsOn[idx+1:]...)
	if _, err := s.db.Exec(`DELETE FROM task_deps WHERE task_id = ? AND depends_on = ?`, a, b); err != nil {
		return apperr.Wrap(apperr.KindIntegrity, "remove dep", err)
	}
	return nil
}

// EpicProgress returns the done/total count of an epic's children.
func (s *Store) EpicProgress(id string) (done, total int, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.byID[id]; !ok {
		return 0, 0, apperr.New(apperr.KindNotFound, "task not found: "+id)
	}
	for _, t := range s.byID {
		if t.Parent != id {
			continue
		}
		total++
		if t.Status == types.StatusClosed {
			done++
		}
	}
	return done, total, nil
}

// CloseEligibleEpics scans open epics whose children are all closed and
// closes each, returning the ids closed.
func (s *Store) CloseEligibleEpics() ([]string, error) {
	s.mu.Lock()
	var candidates []string
	for id, t := range s.byID {
		if t.IssueType != types.IssueEpic || t.Status != types.StatusOpen {
			continue
		}
		done, total := 0, 0
		for _, c := range s.byID {
			if c.Parent != id {
				continue
			}
			total++
			if c.Status == types.StatusClosed {
				done++
			}
		}
		if total > 0 && done == total {
			candidates = append(candidates, id)
		}
	}
	s.mu.Unlock()

	for _, id := range candidates {
		if err := s.Close(id, false); err != nil {
			return nil, err
		}
	}
	sort.Strings(candidates)
	return candidates, nil
}

// History returns the recorded status transitions for a task.
func (s *Store) History(id string) ([]types.StatusChange, error) {
	rows, err := s.db.Query(`SELECT task_id, from_status, to_status, reason, changed_at FROM task_history WHERE task_id = ? ORDER BY changed_at`, id)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "history query", err)
	}
	defer rows.Close()
	var out []types.StatusChange
	for rows.Next() {
		var c types.StatusChange
		var from sql.NullString
		if err := rows.Scan(&c.TaskID, &from, &c.To, &c.Reason, &c.At); err != nil {
			return nil, err
		}
		c.From = types.Status(from.String)
		out = append(out, c)
	}
	return out, nil
}
