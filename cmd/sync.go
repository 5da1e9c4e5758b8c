package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var syncCMD = &cobra.Command{
	Use:   "sync [date]",
	Short: "Sync the latest (or a given) trading day",
	Long: `Fill the missing quote and dragon-tiger cells for one trading day.
Without an argument the latest trading day on or before today is used; a
weekend or holiday resolves to the previous session.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var date time.Time
		if len(args) == 1 {
			var err error
			date, err = time.Parse("2006-01-02", args[0])
			if err != nil {
				return fmt.Errorf("invalid date %q, use YYYY-MM-DD", args[0])
			}
		}

		orch, client, err := newSyncStack()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		report, err := orch.RunDailySync(ctx, date)
		if err != nil {
			return err
		}
		return finishRun(report)
	},
}

func init() {
	rootCMD.AddCommand(syncCMD)
}
