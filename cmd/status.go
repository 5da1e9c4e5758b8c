package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lhquant/dtsync/database"
	"github.com/lhquant/dtsync/models"
)

var (
	statusCode  string
	statusLimit int
)

var statusCMD = &cobra.Command{
	Use:   "status",
	Short: "Show sync coverage and recent executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.InitDB(cfg.Database); err != nil {
			return err
		}
		ctx := cmd.Context()

		q := database.DB.WithContext(ctx).
			Model(&models.CoreQuote{}).
			Select("code", "MAX(trade_date) AS last_date").
			Group("code").
			Order("code")
		if statusCode != "" {
			q = q.Where("code = ?", statusCode)
		}
		var last []models.EntityLastSync
		if err := q.Scan(&last).Error; err != nil {
			return err
		}

		var recent []models.SyncExecutionRecord
		err := database.DB.WithContext(ctx).
			Order("started_at DESC").
			Limit(statusLimit).
			Find(&recent).Error
		if err != nil {
			return err
		}

		fmt.Printf("synced entities: %d\n", len(last))
		if statusCode != "" {
			for _, e := range last {
				fmt.Printf("  %-10s last synced %s\n", e.Code, e.LastDate.Format("2006-01-02"))
			}
		}

		fmt.Printf("recent executions (%d):\n", len(recent))
		for _, r := range recent {
			line := fmt.Sprintf("  %s  %-5s %s  %-16s rows=%-6d attempts=%d",
				r.StartedAt.Format("2006-01-02 15:04:05"),
				r.Kind,
				r.TradeDate.Format("2006-01-02"),
				r.Outcome,
				r.RowsWritten,
				r.Attempts)
			if r.ErrorKind != "" {
				line += "  error=" + r.ErrorKind
			}
			fmt.Println(line)
		}
		return nil
	},
}

func init() {
	statusCMD.Flags().StringVar(&statusCode, "code", "", "show only this entity code")
	statusCMD.Flags().IntVar(&statusLimit, "limit", 20, "number of execution records to show")
	rootCMD.AddCommand(statusCMD)
}
