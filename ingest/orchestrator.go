package ingest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lhquant/dtsync/calendar"
	"github.com/lhquant/dtsync/config"
	"github.com/lhquant/dtsync/logger"
	"github.com/lhquant/dtsync/metrics"
	"github.com/lhquant/dtsync/models"
	"github.com/lhquant/dtsync/provider"
	"github.com/lhquant/dtsync/retry"
)

const (
	OutcomeCompleted       = "completed"
	OutcomeFailed          = "failed"
	OutcomeCancelled       = "cancelled"
	OutcomePartiallyFailed = "partially_failed"
)

// errorKindWrite marks store-side failures in the execution log, as opposed
// to the provider-side kinds produced by provider.Classify.
const errorKindWrite = "write"

const leaseKindSync = "sync"

// maxWorkers caps in-flight provider calls. The session is serialized
// provider-side anyway, so more buys nothing.
const maxWorkers = 4

// Gate admits one provider call per Acquire, blocking until the rate budget
// allows it.
type Gate interface {
	Acquire(ctx context.Context) error
}

// GapSource plans the fetch work still missing from the store.
type GapSource interface {
	QuoteBatches(ctx context.Context, codes []string, start, end time.Time) ([]Batch, error)
	EventBatches(ctx context.Context, start, end time.Time) ([]Batch, error)
}

// Sink persists fetched payloads.
type Sink interface {
	WriteQuotes(ctx context.Context, payloads []provider.RawPayload) (WriteOutcome, error)
	WriteEvents(ctx context.Context, payloads []provider.RawPayload) (WriteOutcome, error)
}

// LeaseKeeper grants and releases scope leases.
type LeaseKeeper interface {
	Acquire(ctx context.Context, lease *models.SyncLease) error
	Release(ctx context.Context, runID string) error
}

// ExecutionLog appends batch audit records.
type ExecutionLog interface {
	Append(ctx context.Context, rec *models.SyncExecutionRecord) error
}

type Options struct {
	Sync     config.Sync
	Fetcher  provider.FetchClient
	Gate     Gate
	Retry    *retry.Policy
	Gaps     GapSource
	Sink     Sink
	Leases   LeaseKeeper
	Journal  ExecutionLog
	Calendar *calendar.Calendar
}

// Orchestrator drives one sync run: acquire the scope lease, plan batches
// from missing coverage, execute them oldest-first, and record every batch
// in the execution log.
type Orchestrator struct {
	fetch   provider.FetchClient
	gate    Gate
	retry   *retry.Policy
	gaps    GapSource
	sink    Sink
	leases  LeaseKeeper
	journal ExecutionLog
	cal     *calendar.Calendar
	workers int
	now     func() time.Time
}

func NewOrchestrator(opts Options) *Orchestrator {
	workers := opts.Sync.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > maxWorkers {
		workers = maxWorkers
	}
	return &Orchestrator{
		fetch:   opts.Fetcher,
		gate:    opts.Gate,
		retry:   opts.Retry,
		gaps:    opts.Gaps,
		sink:    opts.Sink,
		leases:  opts.Leases,
		journal: opts.Journal,
		cal:     opts.Calendar,
		workers: workers,
		now:     time.Now,
	}
}

// RunReport summarizes one run. Execution failures land in the report, not
// the error return; a non-nil error means the run could not proceed at all
// (lease held, planning failed) or was cancelled.
type RunReport struct {
	RunID       string
	Outcome     string
	StartedAt   time.Time
	EndedAt     time.Time
	Batches     int
	Completed   int
	Failed      int
	Skipped     int
	Cells       int
	RowsWritten int64
	Unresolved  int
}

// RunDailySync syncs a single trading day. A zero date resolves to the
// latest trading day on or before now.
func (o *Orchestrator) RunDailySync(ctx context.Context, date time.Time) (*RunReport, error) {
	if date.IsZero() {
		date = o.cal.LatestTradingDay(o.now())
	}
	day := calendar.Day(date)
	return o.run(ctx, day, day, nil)
}

// RunRangeSync syncs [start, end], optionally restricted to codes.
func (o *Orchestrator) RunRangeSync(ctx context.Context, start, end time.Time, codes []string) (*RunReport, error) {
	s, e := calendar.Day(start), calendar.Day(end)
	if e.Before(s) {
		return nil, fmt.Errorf("invalid range: end %s before start %s",
			e.Format("2006-01-02"), s.Format("2006-01-02"))
	}
	return o.run(ctx, s, e, codes)
}

func (o *Orchestrator) run(ctx context.Context, start, end time.Time, codes []string) (*RunReport, error) {
	report := &RunReport{RunID: uuid.NewString(), StartedAt: o.now()}
	log := logger.L().With(
		zap.String("run_id", report.RunID),
		zap.Time("range_start", start),
		zap.Time("range_end", end))

	lease := &models.SyncLease{
		RunID:     report.RunID,
		Kind:      leaseKindSync,
		StartDate: start,
		EndDate:   end,
		Scope:     scopeLabel(codes),
		Holder:    holderID(),
	}
	if err := o.leases.Acquire(ctx, lease); err != nil {
		if errors.Is(err, ErrLeaseHeld) {
			log.Warn("scope already leased by another run")
		}
		return nil, fmt.Errorf("acquire lease: %w", err)
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := o.leases.Release(rctx, report.RunID); err != nil {
			log.Error("lease release failed", zap.Error(err))
		}
	}()
	defer func() {
		report.EndedAt = o.now()
		metrics.SyncRuns.WithLabelValues(report.Outcome).Inc()
		metrics.SyncDuration.Observe(report.EndedAt.Sub(report.StartedAt).Seconds())
	}()

	if len(codes) == 0 {
		all, err := o.listEntities(ctx)
		if err != nil {
			report.Outcome = OutcomeFailed
			return report, fmt.Errorf("list entities: %w", err)
		}
		codes = all
	}

	quoteBatches, err := o.gaps.QuoteBatches(ctx, codes, start, end)
	if err != nil {
		report.Outcome = OutcomeFailed
		return report, fmt.Errorf("plan quote batches: %w", err)
	}
	eventBatches, err := o.gaps.EventBatches(ctx, start, end)
	if err != nil {
		report.Outcome = OutcomeFailed
		return report, fmt.Errorf("plan event batches: %w", err)
	}
	plan := mergePlan(quoteBatches, eventBatches)
	report.Batches = len(plan)
	for _, b := range plan {
		report.Cells += b.Cells()
	}
	log.Info("sync plan ready",
		zap.Int("codes", len(codes)),
		zap.Int("batches", report.Batches),
		zap.Int("cells", report.Cells))
	if len(plan) == 0 {
		report.Outcome = OutcomeCompleted
		return report, nil
	}

	for i, b := range plan {
		if ctx.Err() != nil {
			report.Outcome = OutcomeCancelled
			report.Skipped = len(plan) - i
			log.Warn("run cancelled", zap.Int("batches_skipped", report.Skipped))
			return report, ctx.Err()
		}

		rec := o.runBatch(ctx, report.RunID, b)
		report.RowsWritten += int64(rec.RowsWritten)

		switch rec.Outcome {
		case OutcomeCompleted:
			report.Completed++
		case OutcomeCancelled:
			report.Skipped = len(plan) - i
			report.Outcome = OutcomeCancelled
			return report, ctx.Err()
		default:
			report.Failed++
		}

		// A failed re-login means every remaining call would bounce too.
		if rec.Outcome == OutcomeFailed && rec.ErrorKind == string(provider.ErrorKindAuth) {
			report.Skipped = len(plan) - i - 1
			log.Error("session unrecoverable, halting plan",
				zap.Int("batches_skipped", report.Skipped))
			break
		}
	}

	switch {
	case report.Failed == 0 && report.Skipped == 0:
		report.Outcome = OutcomeCompleted
	case report.Completed > 0:
		report.Outcome = OutcomePartiallyFailed
	default:
		report.Outcome = OutcomeFailed
	}
	o.countUnresolved(ctx, report, codes, start, end)

	log.Info("sync run finished",
		zap.String("outcome", report.Outcome),
		zap.Int("completed", report.Completed),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.Int64("rows_written", report.RowsWritten),
		zap.Int("unresolved_cells", report.Unresolved))
	return report, nil
}

// runBatch fetches and writes one batch and always appends an execution
// record, even for cancelled work.
func (o *Orchestrator) runBatch(ctx context.Context, runID string, b Batch) *models.SyncExecutionRecord {
	rec := &models.SyncExecutionRecord{
		TaskID:    uuid.NewString(),
		RunID:     runID,
		Kind:      b.Kind,
		TradeDate: b.Date,
		CodeCount: len(b.Codes),
		StartedAt: o.now(),
	}
	log := logger.L().With(
		zap.String("run_id", runID),
		zap.String("task_id", rec.TaskID),
		zap.String("kind", b.Kind),
		zap.Time("trade_date", b.Date))

	var (
		payloads []provider.RawPayload
		tries    int64
		err      error
	)
	if b.Kind == BatchEvent {
		payloads, tries, err = o.fetchEventBatch(ctx, b)
	} else {
		payloads, tries, err = o.fetchQuoteBatch(ctx, b)
	}
	rec.Attempts = int(tries)

	switch {
	case err != nil && ctx.Err() != nil:
		rec.Outcome = OutcomeCancelled
		rec.Detail = ctx.Err().Error()
		log.Warn("batch cancelled")
	case err != nil:
		rec.Outcome = OutcomeFailed
		rec.ErrorKind = string(provider.Classify(err))
		rec.Detail = err.Error()
		log.Error("batch failed",
			zap.String("error_kind", rec.ErrorKind),
			zap.Int("attempts", rec.Attempts),
			zap.Error(err))
	default:
		out, werr := o.write(ctx, b.Kind, payloads)
		rec.RowsWritten = out.Rows()
		if werr != nil {
			rec.Outcome = OutcomeFailed
			rec.ErrorKind = errorKindWrite
			rec.Detail = werr.Error()
			log.Error("batch write failed", zap.Error(werr))
		} else {
			rec.Outcome = OutcomeCompleted
			if b.Kind == BatchEvent {
				rec.CodeCount = distinctCodes(payloads)
			}
			log.Info("batch completed",
				zap.Int("payloads", len(payloads)),
				zap.Int("rows_written", rec.RowsWritten),
				zap.Int("attempts", rec.Attempts))
		}
	}
	rec.EndedAt = o.now()

	jctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if jerr := o.journal.Append(jctx, rec); jerr != nil {
		log.Error("execution record not persisted", zap.Error(jerr))
	}
	return rec
}

// fetchQuoteBatch pulls the batch's cells concurrently, one provider call
// per cell, each behind the gate and the retry policy. The first fatal cell
// aborts the rest of the batch.
func (o *Orchestrator) fetchQuoteBatch(ctx context.Context, b Batch) ([]provider.RawPayload, int64, error) {
	var (
		mu       sync.Mutex
		payloads []provider.RawPayload
		tries    atomic.Int64
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.workers)
	for _, code := range b.Codes {
		g.Go(func() error {
			return o.retry.Do(gctx, "quote "+code, func(c context.Context) error {
				tries.Add(1)
				if err := o.gate.Acquire(c); err != nil {
					return err
				}
				p, err := o.fetch.FetchDailyQuote(c, code, b.Date)
				if err != nil {
					return err
				}
				mu.Lock()
				payloads = append(payloads, p)
				mu.Unlock()
				return nil
			})
		})
	}
	err := g.Wait()
	return payloads, tries.Load(), err
}

// fetchEventBatch pulls a whole day's event feed in one provider call.
func (o *Orchestrator) fetchEventBatch(ctx context.Context, b Batch) ([]provider.RawPayload, int64, error) {
	var (
		payloads []provider.RawPayload
		tries    atomic.Int64
	)
	err := o.retry.Do(ctx, "events "+b.Date.Format("2006-01-02"), func(c context.Context) error {
		tries.Add(1)
		if err := o.gate.Acquire(c); err != nil {
			return err
		}
		ps, err := o.fetch.FetchEventFeed(c, b.Date)
		if err != nil {
			return err
		}
		payloads = ps
		return nil
	})
	return payloads, tries.Load(), err
}

func (o *Orchestrator) write(ctx context.Context, kind string, payloads []provider.RawPayload) (WriteOutcome, error) {
	if len(payloads) == 0 {
		return WriteOutcome{}, nil
	}
	if kind == BatchEvent {
		return o.sink.WriteEvents(ctx, payloads)
	}
	return o.sink.WriteQuotes(ctx, payloads)
}

func (o *Orchestrator) listEntities(ctx context.Context) ([]string, error) {
	var codes []string
	err := o.retry.Do(ctx, "list entities", func(c context.Context) error {
		if err := o.gate.Acquire(c); err != nil {
			return err
		}
		entities, err := o.fetch.ListEntities(c)
		if err != nil {
			return err
		}
		codes = codes[:0]
		for _, e := range entities {
			codes = append(codes, e.Code)
		}
		return nil
	})
	return codes, err
}

// countUnresolved re-plans after the run to report how many cells are still
// missing. Best effort: a failure here only logs.
func (o *Orchestrator) countUnresolved(ctx context.Context, report *RunReport, codes []string, start, end time.Time) {
	rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 15*time.Second)
	defer cancel()

	quotes, err := o.gaps.QuoteBatches(rctx, codes, start, end)
	if err != nil {
		logger.L().Warn("unresolved gap recount failed", zap.Error(err))
		return
	}
	events, err := o.gaps.EventBatches(rctx, start, end)
	if err != nil {
		logger.L().Warn("unresolved gap recount failed", zap.Error(err))
		return
	}
	n := 0
	for _, b := range quotes {
		n += b.Cells()
	}
	for _, b := range events {
		n += b.Cells()
	}
	report.Unresolved = n
}

// mergePlan interleaves quote and event batches oldest-first; within a day
// the quote batches run before the event batch so the day's quotes exist
// when its listings land. Both inputs arrive date-ascending.
func mergePlan(quotes, events []Batch) []Batch {
	all := make([]Batch, 0, len(quotes)+len(events))
	all = append(all, quotes...)
	all = append(all, events...)
	sort.SliceStable(all, func(i, j int) bool {
		if !all[i].Date.Equal(all[j].Date) {
			return all[i].Date.Before(all[j].Date)
		}
		return all[i].Kind == BatchQuote && all[j].Kind == BatchEvent
	})
	return all
}

func distinctCodes(payloads []provider.RawPayload) int {
	seen := make(map[string]struct{}, len(payloads))
	for _, p := range payloads {
		seen[p.EntityCode] = struct{}{}
	}
	return len(seen)
}

func scopeLabel(codes []string) string {
	if len(codes) == 0 {
		return "all"
	}
	label := strings.Join(codes, ",")
	if len(label) > 240 {
		label = fmt.Sprintf("%d codes", len(codes))
	}
	return label
}

func holderID() string {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return fmt.Sprintf("%s:%d", host, os.Getpid())
}
