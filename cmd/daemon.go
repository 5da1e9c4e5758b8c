package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/lhquant/dtsync/api"
	"github.com/lhquant/dtsync/calendar"
	"github.com/lhquant/dtsync/logger"
	"github.com/lhquant/dtsync/scheduler"
)

var daemonCMD = &cobra.Command{
	Use:   "daemon",
	Short: "Run the daily scheduler and the status API until stopped",
	RunE: func(cmd *cobra.Command, args []string) error {
		orch, client, err := newSyncStack()
		if err != nil {
			return err
		}
		defer client.Close()

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
			Handler: api.SetupRoutes(),
		}
		go func() {
			logger.L().Info("api server listening", zap.String("addr", srv.Addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.L().Error("api server failed", zap.Error(err))
			}
		}()

		sched := scheduler.New(cfg.Sync, calendar.New(cfg.Calendar.ExtraHolidays), orch)
		err = sched.Start(ctx)

		shctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := srv.Shutdown(shctx); serr != nil {
			logger.L().Warn("api server shutdown", zap.Error(serr))
		}

		if errors.Is(err, context.Canceled) {
			// Normal signal-driven shutdown.
			return nil
		}
		return err
	},
}

func init() {
	rootCMD.AddCommand(daemonCMD)
}
