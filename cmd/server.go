package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lhquant/dtsync/api"
	"github.com/lhquant/dtsync/database"
	"github.com/lhquant/dtsync/logger"
)

var serverCMD = &cobra.Command{
	Use:   "server",
	Short: "Start the status API server",
	Long:  `Serve sync coverage, execution history and Prometheus metrics over HTTP.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := database.InitDB(cfg.Database); err != nil {
			return err
		}

		r := api.SetupRoutes()
		addr := fmt.Sprintf(":%d", cfg.Server.Port)
		logger.L().Info("api server listening", zap.String("addr", addr))
		return r.Run(addr)
	},
}

func init() {
	rootCMD.AddCommand(serverCMD)
}
