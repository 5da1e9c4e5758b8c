package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/lhquant/dtsync/database"
	"github.com/lhquant/dtsync/names"
)

var namesCMD = &cobra.Command{
	Use:   "names",
	Short: "Manage the entity name history",
}

var namesImportDate string

var namesImportCMD = &cobra.Command{
	Use:   "import <csv>",
	Short: "Import a code,name snapshot",
	Long: `Apply a snapshot of current display names. Renamed codes get their
open interval closed at the effective date and a new one opened; unchanged
codes are untouched.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		effective := time.Now()
		if namesImportDate != "" {
			var err error
			effective, err = time.Parse("2006-01-02", namesImportDate)
			if err != nil {
				return fmt.Errorf("invalid --date %q, use YYYY-MM-DD", namesImportDate)
			}
		}

		if err := database.InitDB(cfg.Database); err != nil {
			return err
		}
		rows, err := names.LoadSnapshotFile(args[0])
		if err != nil {
			return err
		}

		stats, err := names.NewManager(database.DB).ImportSnapshot(cmd.Context(), effective, rows, "snapshot")
		if err != nil {
			return err
		}
		fmt.Printf("imported %d rows: %d opened, %d renamed, %d corrected, %d unchanged, %d rejected\n",
			len(rows), stats.Opened, stats.Renamed, stats.Corrected, stats.Unchanged, stats.Rejected)
		return nil
	},
}

var namesAtCMD = &cobra.Command{
	Use:   "at <code> <date>",
	Short: "Resolve a code's name on a date",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		date, err := time.Parse("2006-01-02", args[1])
		if err != nil {
			return fmt.Errorf("invalid date %q, use YYYY-MM-DD", args[1])
		}
		if err := database.InitDB(cfg.Database); err != nil {
			return err
		}

		name, err := names.NewManager(database.DB).NameAt(cmd.Context(), args[0], date)
		if err != nil {
			return err
		}
		fmt.Println(name)
		return nil
	},
}

func init() {
	namesImportCMD.Flags().StringVar(&namesImportDate, "date", "",
		"effective date YYYY-MM-DD (default today)")
	namesCMD.AddCommand(namesImportCMD, namesAtCMD)
	rootCMD.AddCommand(namesCMD)
}
