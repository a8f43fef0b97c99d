// Package reservations is the in-memory, durably-mirrored set of
// (path -> agentName) reservations preventing concurrent edits.
package reservations

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/orchestra/squadcore/internal/apperr"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

const bucketCount = 32

// Ledger is the file reservation table, bucketed by canonical path hash
// so that most unrelated paths do not contend on the same lock.
type Ledger struct {
	db      *sql.DB
	buckets [bucketCount]*bucket
}

type bucket struct {
	mu    sync.Mutex
	byPath map[string]*types.FileReservation
}

// NewLedger creates a ledger backed by db.
func NewLedger(db *sql.DB) *Ledger {
	l := &Ledger{db: db}
	for i := range l.buckets {
		l.buckets[i] = &bucket{byPath: make(map[string]*types.FileReservation)}
	}
	return l
}

// Init creates the durable mirror table and reloads any reservations
// left over from a prior crash (I5, S6).
func (l *Ledger) Init() error {
	_, err := l.db.Exec(`
		CREATE TABLE IF NOT EXISTS reservations (
			path TEXT PRIMARY KEY,
			agent TEXT NOT NULL,
			task TEXT,
			acquired_at TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return fmt.Errorf("ledger init: %w", err)
	}

	rows, err := l.db.Query(`SELECT path, agent, task, acquired_at FROM reservations`)
	if err != nil {
		return fmt.Errorf("reload reservations: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var r types.FileReservation
		var task sql.NullString
		if err := rows.Scan(&r.Path, &r.Agent, &task, &r.AcquiredAt); err != nil {
			return err
		}
		r.Task = task.String
		l.bucketFor(r.Path).byPath[r.Path] = &r
	}
	return nil
}

func canonicalize(path string) string {
	abs := filepath.Clean(path)
	if !filepath.IsAbs(abs) {
		abs, _ = filepath.Abs(abs)
	}
	return strings.ToLower(abs)
}

func (l *Ledger) bucketFor(canonPath string) *bucket {
	h := fnv32(canonPath)
	return l.buckets[h%bucketCount]
}

func fnv32(s string) uint32 {
	const prime = 16777619
	var h uint32 = 2166136261
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// ConflictError is returned by Acquire when the path is already held.
type ConflictError struct {
	ExistingAgent string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("reservation held by %s", e.ExistingAgent)
}

// Acquire reserves path for agent/task, or returns a *ConflictError
// naming the existing holder (I5: at most one reservation per path).
func (l *Ledger) Acquire(path, agent, task string) (*types.FileReservation, error) {
	canon := canonicalize(path)
	b := l.bucketFor(canon)

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.byPath[canon]; ok {
		return nil, &ConflictError{ExistingAgent: existing.Agent}
	}

	r := &types.FileReservation{Path: canon, Agent: agent, Task: task, AcquiredAt: time.Now().UTC()}
	if _, err := l.db.Exec(`INSERT INTO reservations (path, agent, task, acquired_at) VALUES (?, ?, ?, ?)`,
		r.Path, r.Agent, nullIfEmpty(r.Task), r.AcquiredAt); err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "persist reservation", err)
	}
	b.byPath[canon] = r
	cp := *r
	return &cp, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

// Release releases every reservation held by agent.
func (l *Ledger) Release(agent string) error {
	for _, b := range l.buckets {
		b.mu.Lock()
		for path, r := range b.byPath {
			if r.Agent == agent {
				delete(b.byPath, path)
				if _, err := l.db.Exec(`DELETE FROM reservations WHERE path = ?`, path); err != nil {
					b.mu.Unlock()
					return apperr.Wrap(apperr.KindIntegrity, "release reservation", err)
				}
			}
		}
		b.mu.Unlock()
	}
	return nil
}

// ReleasePath releases a single path's reservation, if any.
func (l *Ledger) ReleasePath(path string) error {
	canon := canonicalize(path)
	b := l.bucketFor(canon)
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.byPath[canon]; !ok {
		return nil
	}
	delete(b.byPath, canon)
	if _, err := l.db.Exec(`DELETE FROM reservations WHERE path = ?`, canon); err != nil {
		return apperr.Wrap(apperr.KindIntegrity, "release reservation", err)
	}
	return nil
}

// List returns reservations, optionally filtered to a single agent.
func (l *Ledger) List(agent string) []*types.FileReservation {
	var out []*types.FileReservation
	for _, b := range l.buckets {
		b.mu.Lock()
		for _, r := range b.byPath {
			if agent != "" && r.Agent != agent {
				continue
			}
			cp := *r
			out = append(out, &cp)
		}
		b.mu.Unlock()
	}
	return out
}
