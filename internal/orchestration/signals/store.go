package signals

import (
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/orchestra/squadcore/internal/apperr"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

// SQLiteStore implements Store using SQLite, holding exactly the latest
// signal per (session, kind) — the durable half of the split called for
// between transient stream and durable latest-state (I6).
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a signal store and initializes its schema.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	schema := `
	CREATE TABLE IF NOT EXISTS signals_latest (
		session TEXT NOT NULL,
		kind TEXT NOT NULL,
		task TEXT,
		payload TEXT NOT NULL,
		received_at TIMESTAMP NOT NULL,
		sequence INTEGER NOT NULL,
		PRIMARY KEY (session, kind)
	);
	CREATE INDEX IF NOT EXISTS idx_signals_latest_session ON signals_latest(session);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return nil, fmt.Errorf("signal store init: %w", err)
	}
	return s, nil
}

// SaveLatest overwrites the durable record for (session, kind).
func (s *SQLiteStore) SaveLatest(sig *types.Signal) error {
	payload, err := json.Marshal(sig.Payload)
	if err != nil {
		return fmt.Errorf("marshal signal payload: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO signals_latest (session, kind, task, payload, received_at, sequence)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session, kind) DO UPDATE SET
			task=excluded.task, payload=excluded.payload, received_at=excluded.received_at, sequence=excluded.sequence
	`, sig.Session, sig.Kind, sig.Task, string(payload), sig.ReceivedAt, sig.Sequence)
	if err != nil {
		return apperr.Wrap(apperr.KindIntegrity, "save latest signal", err)
	}
	return nil
}

// Latest returns the durable latest signal of kind for session.
func (s *SQLiteStore) Latest(session string, kind types.SignalKind) (*types.Signal, error) {
	row := s.db.QueryRow(`SELECT session, kind, task, payload, received_at, sequence FROM signals_latest WHERE session = ? AND kind = ?`, session, kind)
	return scanSignal(row)
}

// LatestAll returns every durable latest-per-kind signal for session.
func (s *SQLiteStore) LatestAll(session string) ([]*types.Signal, error) {
	rows, err := s.db.Query(`SELECT session, kind, task, payload, received_at, sequence FROM signals_latest WHERE session = ?`, session)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "query latest signals", err)
	}
	defer rows.Close()

	var out []*types.Signal
	for rows.Next() {
		sig, err := scanSignal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sig)
	}
	return out, nil
}

type scannable interface {
	Scan(dest ...interface{}) error
}

func scanSignal(row scannable) (*types.Signal, error) {
	var sig types.Signal
	var task sql.NullString
	var payload string
	if err := row.Scan(&sig.Session, &sig.Kind, &task, &payload, &sig.ReceivedAt, &sig.Sequence); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, apperr.Wrap(apperr.KindIntegrity, "scan signal", err)
	}
	sig.Task = task.String
	if payload != "" {
		_ = json.Unmarshal([]byte(payload), &sig.Payload)
	}
	return &sig, nil
}
