// Command orchestrad-dbctl is a flag-driven maintenance tool for the
// task store and its backups, run outside the main server process.
package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/orchestra/squadcore/internal/orchestration/backup"

	_ "modernc.org/sqlite"
)

func main() {
	dbPath := flag.String("db", ".squad/tasks.db", "path to the task store SQLite file")
	projectDir := flag.String("project-dir", ".squad", "project directory containing backups/ and memory/")
	action := flag.String("action", "", "verify, compact, or purge-old-backups")
	backupDir := flag.String("backup-dir", "", "backup directory, required for verify")
	maxAge := flag.Duration("max-age", 30*24*time.Hour, "purge-old-backups: age threshold")
	keepMin := flag.Int("keep-min", 5, "purge-old-backups: minimum backups to retain regardless of age")

	flag.Parse()

	if *action == "" {
		fmt.Fprintln(os.Stderr, "Usage: orchestrad-dbctl -db <path> -project-dir <dir> -action <verify|compact|purge-old-backups>")
		os.Exit(1)
	}

	db, err := sql.Open("sqlite", *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open db: %v\n", err)
		os.Exit(1)
	}
	defer db.Close()

	mgr := backup.New(db, *dbPath, *projectDir, nil)

	switch *action {
	case "verify":
		if *backupDir == "" {
			fmt.Fprintln(os.Stderr, "verify requires -backup-dir")
			os.Exit(1)
		}
		ok, err := mgr.Verify(*backupDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "verify: %v\n", err)
			os.Exit(3)
		}
		if !ok {
			fmt.Println("MISMATCH")
			os.Exit(3)
		}
		fmt.Println("OK")

	case "compact":
		if err := compact(db); err != nil {
			fmt.Fprintf(os.Stderr, "compact: %v\n", err)
			os.Exit(3)
		}
		fmt.Println("compacted", *dbPath)

	case "purge-old-backups":
		removed, err := mgr.PurgeOlderThan(*maxAge, *keepMin)
		if err != nil {
			fmt.Fprintf(os.Stderr, "purge-old-backups: %v\n", err)
			os.Exit(3)
		}
		for _, dir := range removed {
			fmt.Println("removed", filepath.Base(dir))
		}
		fmt.Printf("removed %d backup(s)\n", len(removed))

	default:
		fmt.Fprintf(os.Stderr, "unknown action: %s\n", *action)
		os.Exit(1)
	}
}

func compact(db *sql.DB) error {
	_, err := db.Exec("VACUUM")
	return err
}
