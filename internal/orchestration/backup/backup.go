// Package backup implements timestamped snapshots of the Task Store and
// the post-completion memory writeups directory, with a SHA-256 digest
// per snapshot and a verified restore path.
package backup

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/orchestra/squadcore/internal/apperr"
	"github.com/orchestra/squadcore/internal/orchestration/types"
)

// dbFile and memoryDirName name the two things a snapshot captures,
// matching the persisted layout's tasks.db and memory/ entries.
const (
	dbFile        = "tasks.db.backup"
	sumFile       = "tasks.db.sha256"
	metadataFile  = "metadata.txt"
	memoryDirName = "memory"
)

// SessionLister reports the sessions currently known to the supervisor,
// so Restore can refuse to run against a core that isn't quiesced.
type SessionLister interface {
	List() []*types.Session
}

// Manager snapshots and restores a project's persisted state: the
// SQLite task store at dbPath and the memory/ writeups directory under
// projectDir.
type Manager struct {
	db         *sql.DB
	dbPath     string
	projectDir string
	sessions   SessionLister
}

// New builds a Manager. db and dbPath must refer to the same live
// SQLite task store; projectDir is the "." <prefix> directory whose
// memory/ subdirectory is snapshotted alongside it.
func New(db *sql.DB, dbPath, projectDir string, sessions SessionLister) *Manager {
	return &Manager{db: db, dbPath: dbPath, projectDir: projectDir, sessions: sessions}
}

func (m *Manager) backupsDir() string {
	return filepath.Join(m.projectDir, "backups")
}

// Backup snapshots the task store and memory directory into a fresh
// backups/backup_<ts>_<label?>/ directory and returns its path.
func (m *Manager) Backup(label string) (string, error) {
	ts := time.Now().UTC().Format("20060102T150405.000000000Z")
	name := "backup_" + ts
	if label != "" {
		name += "_" + sanitizeLabel(label)
	}
	dir := filepath.Join(m.backupsDir(), name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", apperr.Wrap(apperr.KindIntegrity, "create backup dir", err)
	}

	snapshotPath := filepath.Join(dir, dbFile)
	if _, err := m.db.Exec(fmt.Sprintf("VACUUM INTO %s", quoteSQLiteString(snapshotPath))); err != nil {
		return "", apperr.Wrap(apperr.KindIntegrity, "snapshot task store", err)
	}

	sum, err := sha256File(snapshotPath)
	if err != nil {
		return "", apperr.Wrap(apperr.KindIntegrity, "checksum snapshot", err)
	}
	if err := os.WriteFile(filepath.Join(dir, sumFile), []byte(sum+"\n"), 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindIntegrity, "write checksum", err)
	}

	memorySrc := filepath.Join(m.projectDir, memoryDirName)
	if info, statErr := os.Stat(memorySrc); statErr == nil && info.IsDir() {
		if err := copyDir(memorySrc, filepath.Join(dir, memoryDirName)); err != nil {
			return "", apperr.Wrap(apperr.KindIntegrity, "snapshot memory directory", err)
		}
	}

	meta := fmt.Sprintf("id: %s\ncreated_at: %s\nlabel: %s\nsource_db: %s\ntask_db_sha256: %s\n",
		uuid.NewString(), time.Now().UTC().Format(time.RFC3339), label, m.dbPath, sum)
	if err := os.WriteFile(filepath.Join(dir, metadataFile), []byte(meta), 0o644); err != nil {
		return "", apperr.Wrap(apperr.KindIntegrity, "write metadata", err)
	}

	return dir, nil
}

// Verify recomputes the snapshot's digest and compares it against the
// recorded one, reporting whether the backup is intact.
func (m *Manager) Verify(dir string) (bool, error) {
	recorded, err := os.ReadFile(filepath.Join(dir, sumFile))
	if err != nil {
		return false, apperr.Wrap(apperr.KindIntegrity, "read recorded checksum", err)
	}
	actual, err := sha256File(filepath.Join(dir, dbFile))
	if err != nil {
		return false, apperr.Wrap(apperr.KindIntegrity, "checksum backup", err)
	}
	return strings.TrimSpace(string(recorded)) == actual, nil
}

// Restore replaces the live task store with the snapshot at dir, after
// first taking a pre-rollback safety backup of the current state.
// Unless force is set, Restore refuses to run while any session is
// still alive, since swapping the database file out from under a
// running session would desync its view of task state.
func (m *Manager) Restore(dir string, force bool) error {
	if !force && m.sessions != nil {
		for _, sess := range m.sessions.List() {
			if sess.State != types.SessionComplete && sess.State != types.SessionDead {
				return apperr.New(apperr.KindInvariantViolation,
					fmt.Sprintf("session %s is still active; pause or kill it, or pass force", sess.Name))
			}
		}
	}

	ok, err := m.Verify(dir)
	if err != nil {
		return err
	}
	if !ok {
		return apperr.New(apperr.KindIntegrity, "backup checksum mismatch, refusing restore: "+dir)
	}

	if _, err := m.Backup("pre-rollback"); err != nil {
		return apperr.Wrap(apperr.KindIntegrity, "pre-rollback safety backup", err)
	}

	if err := m.db.Close(); err != nil {
		return apperr.Wrap(apperr.KindIntegrity, "close live store before restore", err)
	}

	if err := copyFile(filepath.Join(dir, dbFile), m.dbPath); err != nil {
		return apperr.Wrap(apperr.KindIntegrity, "replace task store", err)
	}

	memorySrc := filepath.Join(dir, memoryDirName)
	if info, statErr := os.Stat(memorySrc); statErr == nil && info.IsDir() {
		memoryDst := filepath.Join(m.projectDir, memoryDirName)
		if err := os.RemoveAll(memoryDst); err != nil {
			return apperr.Wrap(apperr.KindIntegrity, "clear memory directory", err)
		}
		if err := copyDir(memorySrc, memoryDst); err != nil {
			return apperr.Wrap(apperr.KindIntegrity, "restore memory directory", err)
		}
	}

	return nil
}

// List returns every backup directory under the project's backups/
// directory, most recent first.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.backupsDir())
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, apperr.Wrap(apperr.KindIntegrity, "list backups", err)
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), "backup_") {
			out = append(out, filepath.Join(m.backupsDir(), e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(out)))
	return out, nil
}

// PurgeOlderThan removes backup directories older than age, keeping at
// least keepMin of the most recent regardless of age.
func (m *Manager) PurgeOlderThan(age time.Duration, keepMin int) ([]string, error) {
	dirs, err := m.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	cutoff := time.Now().Add(-age)
	for i, dir := range dirs {
		if i < keepMin {
			continue
		}
		info, err := os.Stat(dir)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			if err := os.RemoveAll(dir); err != nil {
				return removed, apperr.Wrap(apperr.KindIntegrity, "purge backup "+dir, err)
			}
			removed = append(removed, dir)
		}
	}
	return removed, nil
}

func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()
	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

func copyDir(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target)
	})
}

func sanitizeLabel(label string) string {
	var b strings.Builder
	for _, r := range label {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}

// quoteSQLiteString quotes a path as a SQLite string literal for use in
// VACUUM INTO, which does not accept bound parameters.
func quoteSQLiteString(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
