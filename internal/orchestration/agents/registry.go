// Package agents is the durable catalogue of agents: stable name,
// program, model, first/last seen, with recent-agent lookup.
package agents

import (
	"database/sql"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/orchestra/squadcore/internal/apperr"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

// Registry is the SQLite-backed agent catalogue.
type Registry struct {
	db *sql.DB

	mu   sync.RWMutex
	byName map[string]*types.Agent

	rand *rand.Rand
}

// NewRegistry creates a registry backed by db.
func NewRegistry(db *sql.DB) *Registry {
	return &Registry{
		db:     db,
		byName: make(map[string]*types.Agent),
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Init creates the schema and loads the in-memory snapshot.
func (r *Registry) Init() error {
	_, err := r.db.Exec(`
		CREATE TABLE IF NOT EXISTS agents (
			name TEXT PRIMARY KEY,
			program TEXT NOT NULL,
			model TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_active_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("agent registry init: %w", err)
	}
	return r.reload()
}

func (r *Registry) reload() error {
	rows, err := r.db.Query(`SELECT name, program, model, created_at, last_active_at FROM agents`)
	if err != nil {
		return fmt.Errorf("reload agents: %w", err)
	}
	defer rows.Close()

	byName := make(map[string]*types.Agent)
	for rows.Next() {
		var a types.Agent
		if err := rows.Scan(&a.Name, &a.Program, &a.Model, &a.CreatedAt, &a.LastActiveAt); err != nil {
			return err
		}
		a.Color = ColorFor(a.Name)
		byName[a.Name] = &a
	}

	r.mu.Lock()
	r.byName = byName
	r.mu.Unlock()
	return nil
}

func (r *Registry) persist(a *types.Agent) error {
	_, err := r.db.Exec(`
		INSERT INTO agents (name, program, model, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			program=excluded.program, model=excluded.model, last_active_at=excluded.last_active_at
	`, a.Name, a.Program, a.Model, a.CreatedAt, a.LastActiveAt)
	return err
}

// Register creates or idempotently returns an agent. If name is empty, a
// random unused two-word name is picked. If name is already known, the
// existing record is returned unchanged (round-trip R3).
func (r *Registry) Register(name, program, model string) (*types.Agent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if name != "" {
		if existing, ok := r.byName[name]; ok {
			cp := *existing
			return &cp, nil
		}
	} else {
		var err error
		name, err = r.pickUnusedNameLocked()
		if err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	a := &types.Agent{
		Name:         name,
		Program:      program,
		Model:        model,
		Color:        ColorFor(name),
		CreatedAt:    now,
		LastActiveAt: now,
	}
	if err := r.persist(a); err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "persist agent", err)
	}
	r.byName[name] = a
	cp := *a
	return &cp, nil
}

func (r *Registry) pickUnusedNameLocked() (string, error) {
	for attempt := 0; attempt < 10*len(adjectives)*len(nouns); attempt++ {
		name := adjectives[r.rand.Intn(len(adjectives))] + nouns[r.rand.Intn(len(nouns))]
		if _, taken := r.byName[name]; !taken {
			return name, nil
		}
	}
	return "", apperr.New(apperr.KindIntegrity, "agent name dictionary exhausted")
}

// Touch updates an agent's last_active_at, called on any signal.
func (r *Registry) Touch(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.byName[name]
	if !ok {
		return apperr.New(apperr.KindNotFound, "agent not found: "+name)
	}
	a.LastActiveAt = time.Now().UTC()
	if err := r.persist(a); err != nil {
		return apperr.Wrap(apperr.KindIntegrity, "persist agent", err)
	}
	return nil
}

// Recent returns agents active within the last withinMinutes, sorted by
// last_active_at desc.
func (r *Registry) Recent(withinMinutes int) []*types.Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cutoff := time.Now().UTC().Add(-time.Duration(withinMinutes) * time.Minute)
	var out []*types.Agent
	for _, a := range r.byName {
		if a.LastActiveAt.After(cutoff) {
			cp := *a
			out = append(out, &cp)
		}
	}
	for i := 0; i < len(out); i++ {
		for j := i + 1; j < len(out); j++ {
			if out[j].LastActiveAt.After(out[i].LastActiveAt) {
				out[i], out[j] = out[j], out[i]
			}
		}
	}
	return out
}

// Get returns a single agent by name.
func (r *Registry) Get(name string) (*types.Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.byName[name]
	if !ok {
		return nil, apperr.New(apperr.KindNotFound, "agent not found: "+name)
	}
	cp := *a
	return &cp, nil
}

// Purge removes agents not seen within olderThanDays.
func (r *Registry) Purge(olderThanDays int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().UTC().AddDate(0, 0, -olderThanDays)
	var stale []string
	for name, a := range r.byName {
		if a.LastActiveAt.Before(cutoff) {
			stale = append(stale, name)
		}
	}
	for _, name := range stale {
		if _, err := r.db.Exec(`DELETE FROM agents WHERE name = ?`, name); err != nil {
			return 0, apperr.Wrap(apperr.KindIntegrity, "purge agent", err)
		}
		delete(r.byName, name)
	}
	return len(stale), nil
}
