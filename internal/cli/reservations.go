package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/orchestra/squadcore/internal/orchestration/reservations"
)

var reserveCmd = &cobra.Command{
	Use:   "reserve <path> <agent> <task>",
	Short: "Acquire a file reservation, or report the existing holder on conflict",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ledger, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()

		res, err := ledger.Acquire(args[0], args[1], args[2])
		if err != nil {
			var conflict *reservations.ConflictError
			if errors.As(err, &conflict) {
				return printJSON(map[string]string{"conflict": conflict.ExistingAgent})
			}
			return err
		}
		return printJSON(res)
	},
}

func init() { rootCmd.AddCommand(reserveCmd) }

var reservationsFlags struct {
	agent string
}

var releaseCmd = &cobra.Command{
	Use:   "release <path>",
	Short: "Release a single path's reservation",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ledger, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()
		return ledger.ReleasePath(args[0])
	},
}

func init() { rootCmd.AddCommand(releaseCmd) }

var reservationsCmd = &cobra.Command{
	Use:   "reservations",
	Short: "List file reservations",
	RunE: func(cmd *cobra.Command, args []string) error {
		db, ledger, err := openLedger()
		if err != nil {
			return err
		}
		defer db.Close()
		return printJSON(ledger.List(reservationsFlags.agent))
	},
}

func init() {
	reservationsCmd.Flags().StringVar(&reservationsFlags.agent, "agent", "", "filter by agent")
	rootCmd.AddCommand(reservationsCmd)
}
