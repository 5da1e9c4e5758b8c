package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var backfillCodes []string

var backfillCMD = &cobra.Command{
	Use:   "backfill <start> <end>",
	Short: "Fill missing cells over a date range",
	Long: `Detect and fetch every missing (date, code) cell in [start, end].
Already-synced cells are skipped, so re-running after a partial failure only
fetches what is still missing.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := time.Parse("2006-01-02", args[0])
		if err != nil {
			return fmt.Errorf("invalid start date %q, use YYYY-MM-DD", args[0])
		}
		end, err := time.Parse("2006-01-02", args[1])
		if err != nil {
			return fmt.Errorf("invalid end date %q, use YYYY-MM-DD", args[1])
		}

		orch, client, err := newSyncStack()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := orch.RunRangeSync(ctx, start, end, backfillCodes)
		if err != nil {
			return err
		}
		return finishRun(report)
	},
}

func init() {
	backfillCMD.Flags().StringSliceVar(&backfillCodes, "codes", nil,
		"restrict to these entity codes (comma separated)")
	rootCMD.AddCommand(backfillCMD)
}
