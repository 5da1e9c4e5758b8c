// Package scheduler fires the daily sync at a configured wall-clock time.
// Quotes publish after the close, so the trigger runs once per evening and
// sweeps a few trading days back to pick up anything a failed run left behind.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lhquant/dtsync/calendar"
	"github.com/lhquant/dtsync/config"
	"github.com/lhquant/dtsync/ingest"
	"github.com/lhquant/dtsync/logger"
)

// Runner starts one sync run. Satisfied by ingest.Orchestrator.
type Runner interface {
	RunRangeSync(ctx context.Context, start, end time.Time, codes []string) (*ingest.RunReport, error)
}

type Scheduler struct {
	cfg     config.Sync
	cal     *calendar.Calendar
	run     Runner
	now     func() time.Time
	tick    time.Duration
	firedOn string
}

func New(cfg config.Sync, cal *calendar.Calendar, run Runner) *Scheduler {
	return &Scheduler{
		cfg:  cfg,
		cal:  cal,
		run:  run,
		now:  time.Now,
		tick: time.Minute,
	}
}

// Start blocks until ctx is cancelled, firing at the configured minute once
// per day.
func (s *Scheduler) Start(ctx context.Context) error {
	hh, mm, err := parseDailyTime(s.cfg.DailyTime)
	if err != nil {
		return err
	}
	logger.L().Info("scheduler started",
		zap.String("daily_time", s.cfg.DailyTime),
		zap.Int("days_back", s.cfg.DaysBack),
		zap.Bool("weekend_sync", s.cfg.WeekendSync))

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.L().Info("scheduler stopped")
			return ctx.Err()
		case now := <-ticker.C:
			s.maybeFire(ctx, now, hh, mm)
		}
	}
}

func (s *Scheduler) maybeFire(ctx context.Context, now time.Time, hh, mm int) {
	if now.Hour() != hh || now.Minute() != mm {
		return
	}
	today := now.Format("2006-01-02")
	if s.firedOn == today {
		return
	}
	if !s.cfg.WeekendSync {
		switch now.Weekday() {
		case time.Saturday, time.Sunday:
			return
		}
	}
	s.firedOn = today
	s.fire(ctx, now)
}

// fire syncs [end-daysBack+1, end] where end is the latest trading day. On a
// weekend or holiday trigger that resolves to the last session, so weekend
// runs catch up Friday rather than doing nothing.
func (s *Scheduler) fire(ctx context.Context, now time.Time) {
	end := s.cal.LatestTradingDay(now)
	start := end
	if s.cfg.DaysBack > 1 {
		start = s.cal.BackTradingDays(end, s.cfg.DaysBack)
	}

	report, err := s.run.RunRangeSync(ctx, start, end, nil)
	switch {
	case errors.Is(err, ingest.ErrLeaseHeld):
		logger.L().Warn("scheduled sync skipped, scope already leased")
	case err != nil && ctx.Err() != nil:
		// Shutdown mid-run; Start's select reports it.
	case err != nil:
		logger.L().Error("scheduled sync failed", zap.Error(err))
	default:
		logger.L().Info("scheduled sync finished",
			zap.String("run_id", report.RunID),
			zap.String("outcome", report.Outcome),
			zap.Int("completed", report.Completed),
			zap.Int("failed", report.Failed),
			zap.Int("unresolved_cells", report.Unresolved))
	}
}

func parseDailyTime(s string) (int, int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid daily_time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
