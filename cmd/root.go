package cmd

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/lhquant/dtsync/calendar"
	"github.com/lhquant/dtsync/config"
	"github.com/lhquant/dtsync/database"
	"github.com/lhquant/dtsync/ingest"
	"github.com/lhquant/dtsync/logger"
	"github.com/lhquant/dtsync/metrics"
	"github.com/lhquant/dtsync/provider/ths"
	"github.com/lhquant/dtsync/ratelimit"
	"github.com/lhquant/dtsync/retry"
)

var (
	cfgPath  string
	cfg      *config.Config
	exitCode int
)

var rootCMD = &cobra.Command{
	Use:   "dtsync",
	Short: "Incremental A-share market data synchronizer",
	Long: `dtsync reconciles daily quotes and dragon-tiger seat/flow data from a
rate-limited provider into Postgres. It detects which (date, code) cells are
missing, fetches them without exceeding the provider's call budget, and
upserts idempotently so an interrupted run can simply be run again.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional; real deployments use the environment directly.
		if os.Getenv("NO_DOTENV") == "" {
			_ = godotenv.Load()
		}

		var err error
		cfg, err = config.LoadAndWatch(cfgPath, func(*config.Config) {
			logger.L().Info("config reloaded")
		})
		if err != nil {
			return err
		}
		if err := logger.Init(cfg.Log.Level, cfg.Log.File); err != nil {
			return err
		}
		metrics.MustRegister()
		return nil
	},
}

// Execute runs the CLI. Exit codes: 0 all gaps filled, 2 partial failure,
// 1 fatal (auth, config, store).
func Execute() {
	code := 0
	if err := rootCMD.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		code = 1
	} else {
		code = exitCode
	}
	logger.Sync()
	if code != 0 {
		os.Exit(code)
	}
}

func init() {
	rootCMD.PersistentFlags().StringVar(&cfgPath, "config", "",
		"path to config file (default ./dtsync.yaml)")
}

// newSyncStack wires the full fetch pipeline. The caller owns closing the
// returned client.
func newSyncStack() (*ingest.Orchestrator, *ths.Client, error) {
	if err := database.InitDB(cfg.Database); err != nil {
		return nil, nil, fmt.Errorf("init database: %w", err)
	}

	client := ths.New(cfg.Provider.BaseURL, cfg.Provider.User, cfg.Provider.Password,
		ths.WithTimeout(cfg.Provider.Timeout()),
		ths.WithLogger(logger.L()))

	policy := retry.New(cfg.Retry.MaxAttempts, cfg.Retry.Interval())
	policy.OnAuth = client.Relogin

	cal := calendar.New(cfg.Calendar.ExtraHolidays)

	orch := ingest.NewOrchestrator(ingest.Options{
		Sync:     cfg.Sync,
		Fetcher:  client,
		Gate:     ratelimit.New(cfg.RateLimit.MaxCalls, cfg.RateLimit.Window(), cfg.RateLimit.MinInterval()),
		Retry:    policy,
		Gaps:     ingest.NewDetector(database.DB, cal, cfg.Sync.BatchSize),
		Sink:     ingest.NewWriter(database.DB, cfg.Sync.ChunkSize),
		Leases:   ingest.NewLeaseStore(database.DB),
		Journal:  ingest.NewExecutionLog(database.DB),
		Calendar: cal,
	})
	return orch, client, nil
}

// finishRun prints the run summary and records the process exit code.
func finishRun(report *ingest.RunReport) error {
	fmt.Printf("run %s %s: %d/%d batches completed, %d rows written",
		report.RunID, report.Outcome, report.Completed, report.Batches, report.RowsWritten)
	if report.Unresolved > 0 {
		fmt.Printf(", %d cells unresolved", report.Unresolved)
	}
	fmt.Println()

	switch report.Outcome {
	case ingest.OutcomeCompleted:
	case ingest.OutcomePartiallyFailed:
		exitCode = 2
	default:
		exitCode = 1
	}
	return nil
}
