package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/orchestra/squadcore/internal/orchestration/backup"
)

var backupLabel string

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Snapshot the task store and memory directory",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openTaskStore()
		if err != nil {
			return err
		}
		defer db.Close()

		mgr := backup.New(db, resolveDBPath(), projectDir, nil)
		dir, err := mgr.Backup(backupLabel)
		if err != nil {
			return err
		}
		fmt.Println(dir)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(backupCmd)
	backupCmd.Flags().StringVar(&backupLabel, "label", "", "optional label appended to the backup directory name")
}

var rollbackForce bool

var rollbackCmd = &cobra.Command{
	Use:   "rollback <backup-dir>",
	Short: "Restore the task store and memory directory from a backup",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, _, err := openTaskStore()
		if err != nil {
			return err
		}
		defer db.Close()

		mgr := backup.New(db, resolveDBPath(), projectDir, nil)
		if err := mgr.Restore(args[0], rollbackForce); err != nil {
			return err
		}
		fmt.Println("restored from", args[0])
		return nil
	},
}

func init() {
	rootCmd.AddCommand(rollbackCmd)
	rollbackCmd.Flags().BoolVar(&rollbackForce, "force", false, "restore even if sessions are active")
}
