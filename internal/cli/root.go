// Package cli is the orchestration core's single entry point: the task
// verbs (create, list, show, update, close, ready, dep, epic
// close-eligible), reserve/release/reservations, backup/rollback, and
// the long-running serve command, all dispatched through one cobra
// command tree.
package cli

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/orchestra/squadcore/internal/apperr"
	"github.com/orchestra/squadcore/internal/orchestration/reservations"
	"github.com/orchestra/squadcore/internal/orchestration/tasks"

	_ "modernc.org/sqlite"
)

var (
	projectDir string
	dbPath     string
)

var rootCmd = &cobra.Command{
	Use:   "orchestrad",
	Short: "Agent orchestration core: task store, supervisor, channel bridge, and gateway",
}

// Execute runs the command tree.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&projectDir, "project-dir", ".squad", "project directory (tasks.db, memory/, backups/ live here)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "path to the task store SQLite file (default <project-dir>/tasks.db)")
}

func resolveDBPath() string {
	if dbPath != "" {
		return dbPath
	}
	return filepath.Join(projectDir, "tasks.db")
}

// openTaskStore opens the task store SQLite file, creating the
// project directory if needed.
func openTaskStore() (*sql.DB, *tasks.Store, error) {
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create project dir: %w", err)
	}
	db, err := sql.Open("sqlite", resolveDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}
	ts := tasks.NewStore(db)
	if err := ts.Init(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init task store: %w", err)
	}
	return db, ts, nil
}

// openLedger opens the file reservation ledger, backed by the same
// SQLite file as the task store.
func openLedger() (*sql.DB, *reservations.Ledger, error) {
	if err := os.MkdirAll(projectDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create project dir: %w", err)
	}
	db, err := sql.Open("sqlite", resolveDBPath())
	if err != nil {
		return nil, nil, fmt.Errorf("open task store: %w", err)
	}
	ledger := reservations.NewLedger(db)
	if err := ledger.Init(); err != nil {
		db.Close()
		return nil, nil, fmt.Errorf("init reservation ledger: %w", err)
	}
	return db, ledger, nil
}

// ExitCodeFor maps an error to the core's documented exit codes:
// 0 success, 1 user error, 2 invalid state, 3 integrity failure.
func ExitCodeFor(err error) int {
	if err == nil {
		return 0
	}
	switch apperr.KindOf(err) {
	case apperr.KindValidation, apperr.KindNotFound:
		return 1
	case apperr.KindConflict, apperr.KindInvariantViolation, apperr.KindBackendUnavailable:
		return 2
	case apperr.KindIntegrity:
		return 3
	default:
		return 1
	}
}
