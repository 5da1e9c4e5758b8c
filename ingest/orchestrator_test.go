package ingest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lhquant/dtsync/calendar"
	"github.com/lhquant/dtsync/config"
	"github.com/lhquant/dtsync/models"
	"github.com/lhquant/dtsync/provider"
	"github.com/lhquant/dtsync/retry"
)

type fakeGate struct{ calls atomic.Int64 }

func (g *fakeGate) Acquire(ctx context.Context) error {
	g.calls.Add(1)
	return ctx.Err()
}

type fakeFetcher struct {
	mu       sync.Mutex
	onQuote  func(ctx context.Context, code string, date time.Time) (provider.RawPayload, error)
	onFeed   func(ctx context.Context, date time.Time) ([]provider.RawPayload, error)
	entities []provider.Entity
	relogins atomic.Int64
}

func (f *fakeFetcher) FetchDailyQuote(ctx context.Context, code string, date time.Time) (provider.RawPayload, error) {
	f.mu.Lock()
	fn := f.onQuote
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, code, date)
	}
	return testQuote(code, date), nil
}

func (f *fakeFetcher) FetchEventFeed(ctx context.Context, date time.Time) ([]provider.RawPayload, error) {
	f.mu.Lock()
	fn := f.onFeed
	f.mu.Unlock()
	if fn != nil {
		return fn(ctx, date)
	}
	flow := provider.RawPayload{EntityCode: "300750", TradeDate: date, Kind: provider.PayloadFlow}
	flow.Add("lhb_buy", 5000.0)
	return []provider.RawPayload{flow}, nil
}

func (f *fakeFetcher) ListEntities(ctx context.Context) ([]provider.Entity, error) {
	return f.entities, nil
}

func (f *fakeFetcher) Relogin(ctx context.Context) error {
	f.relogins.Add(1)
	return nil
}

func (f *fakeFetcher) Close() error { return nil }

func testQuote(code string, date time.Time) provider.RawPayload {
	p := provider.RawPayload{EntityCode: code, TradeDate: date, Kind: provider.PayloadQuote}
	p.Add("close", 10.0)
	return p
}

type fakeGaps struct {
	mu         sync.Mutex
	quotes     []Batch
	events     []Batch
	err        error
	gotCodes   []string
	quoteCalls int
	eventCalls int
}

func (g *fakeGaps) QuoteBatches(ctx context.Context, codes []string, start, end time.Time) ([]Batch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.quoteCalls++
	g.gotCodes = codes
	if g.err != nil {
		return nil, g.err
	}
	if g.quoteCalls > 1 {
		// Recount after the run: treat everything as resolved.
		return nil, nil
	}
	return g.quotes, nil
}

func (g *fakeGaps) EventBatches(ctx context.Context, start, end time.Time) ([]Batch, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.eventCalls++
	if g.err != nil {
		return nil, g.err
	}
	if g.eventCalls > 1 {
		return nil, nil
	}
	return g.events, nil
}

type fakeSink struct {
	mu          sync.Mutex
	quoteWrites [][]provider.RawPayload
	eventWrites [][]provider.RawPayload
	quoteErr    error
}

func (s *fakeSink) WriteQuotes(ctx context.Context, payloads []provider.RawPayload) (WriteOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quoteErr != nil {
		return WriteOutcome{}, s.quoteErr
	}
	s.quoteWrites = append(s.quoteWrites, payloads)
	return WriteOutcome{CoreRows: len(payloads)}, nil
}

func (s *fakeSink) WriteEvents(ctx context.Context, payloads []provider.RawPayload) (WriteOutcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.eventWrites = append(s.eventWrites, payloads)
	return WriteOutcome{FlowRows: len(payloads)}, nil
}

type fakeLeases struct {
	mu       sync.Mutex
	err      error
	acquired []models.SyncLease
	released []string
}

func (l *fakeLeases) Acquire(ctx context.Context, lease *models.SyncLease) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	l.acquired = append(l.acquired, *lease)
	return nil
}

func (l *fakeLeases) Release(ctx context.Context, runID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.released = append(l.released, runID)
	return nil
}

type fakeJournal struct {
	mu   sync.Mutex
	recs []models.SyncExecutionRecord
}

func (j *fakeJournal) Append(ctx context.Context, rec *models.SyncExecutionRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.recs = append(j.recs, *rec)
	return nil
}

type orchFixture struct {
	orch    *Orchestrator
	fetch   *fakeFetcher
	gate    *fakeGate
	gaps    *fakeGaps
	sink    *fakeSink
	leases  *fakeLeases
	journal *fakeJournal
}

func newFixture(t *testing.T, gaps *fakeGaps) *orchFixture {
	t.Helper()
	f := &orchFixture{
		fetch:   &fakeFetcher{},
		gate:    &fakeGate{},
		gaps:    gaps,
		sink:    &fakeSink{},
		leases:  &fakeLeases{},
		journal: &fakeJournal{},
	}
	pol := retry.New(3, 0)
	pol.OnAuth = f.fetch.Relogin
	f.orch = NewOrchestrator(Options{
		Sync:     config.Sync{Workers: 2},
		Fetcher:  f.fetch,
		Gate:     f.gate,
		Retry:    pol,
		Gaps:     f.gaps,
		Sink:     f.sink,
		Leases:   f.leases,
		Journal:  f.journal,
		Calendar: calendar.New(nil),
	})
	return f
}

func TestRunCompletesFullPlan(t *testing.T) {
	d1 := day(t, "2025-09-01")
	f := newFixture(t, &fakeGaps{
		quotes: []Batch{{Kind: BatchQuote, Date: d1, Codes: []string{"000001", "600519"}}},
		events: []Batch{{Kind: BatchEvent, Date: d1}},
	})

	report, err := f.orch.RunRangeSync(context.Background(), d1, d1, []string{"000001", "600519"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, 2, report.Batches)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 0, report.Failed)
	assert.Equal(t, 3, report.Cells)
	assert.Equal(t, int64(3), report.RowsWritten)
	assert.Equal(t, 0, report.Unresolved)

	require.Len(t, f.journal.recs, 2)
	assert.Equal(t, BatchQuote, f.journal.recs[0].Kind)
	assert.Equal(t, BatchEvent, f.journal.recs[1].Kind)
	for _, rec := range f.journal.recs {
		assert.Equal(t, OutcomeCompleted, rec.Outcome)
		assert.Equal(t, report.RunID, rec.RunID)
		assert.NotEmpty(t, rec.TaskID)
	}

	// One gate pass per provider call: two quote cells plus the feed.
	assert.EqualValues(t, 3, f.gate.calls.Load())

	require.Len(t, f.leases.acquired, 1)
	assert.Equal(t, report.RunID, f.leases.acquired[0].RunID)
	assert.Equal(t, []string{report.RunID}, f.leases.released)
}

func TestAuthFailureHaltsRemainingBatches(t *testing.T) {
	var batches []Batch
	for _, s := range []string{"2025-09-01", "2025-09-02", "2025-09-03", "2025-09-04", "2025-09-05"} {
		batches = append(batches, Batch{Kind: BatchQuote, Date: day(t, s), Codes: []string{"000001"}})
	}
	f := newFixture(t, &fakeGaps{quotes: batches})

	poison := day(t, "2025-09-03")
	f.fetch.onQuote = func(ctx context.Context, code string, date time.Time) (provider.RawPayload, error) {
		if date.Equal(poison) {
			return provider.RawPayload{}, &provider.AuthError{Err: errors.New("token revoked")}
		}
		return testQuote(code, date), nil
	}

	report, err := f.orch.RunRangeSync(context.Background(),
		day(t, "2025-09-01"), day(t, "2025-09-05"), []string{"000001"})
	require.NoError(t, err)

	assert.Equal(t, OutcomePartiallyFailed, report.Outcome)
	assert.Equal(t, 2, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Skipped)

	// Batches 4 and 5 were never attempted.
	require.Len(t, f.journal.recs, 3)
	failed := f.journal.recs[2]
	assert.Equal(t, OutcomeFailed, failed.Outcome)
	assert.Equal(t, "auth", failed.ErrorKind)
	assert.Equal(t, 2, failed.Attempts)

	// Exactly one forced re-login before giving up.
	assert.EqualValues(t, 1, f.fetch.relogins.Load())
	assert.Equal(t, []string{report.RunID}, f.leases.released)
}

func TestAuthOnFirstBatchFailsRun(t *testing.T) {
	d1 := day(t, "2025-09-01")
	f := newFixture(t, &fakeGaps{
		quotes: []Batch{{Kind: BatchQuote, Date: d1, Codes: []string{"000001"}}},
	})
	f.fetch.onQuote = func(ctx context.Context, code string, date time.Time) (provider.RawPayload, error) {
		return provider.RawPayload{}, &provider.AuthError{Err: errors.New("bad credentials")}
	}

	report, err := f.orch.RunRangeSync(context.Background(), d1, d1, []string{"000001"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, 0, report.Completed)
}

func TestCancellationMarksRunCancelled(t *testing.T) {
	d1, d2 := day(t, "2025-09-01"), day(t, "2025-09-02")
	f := newFixture(t, &fakeGaps{quotes: []Batch{
		{Kind: BatchQuote, Date: d1, Codes: []string{"000001"}},
		{Kind: BatchQuote, Date: d2, Codes: []string{"000001"}},
	}})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.fetch.onQuote = func(c context.Context, code string, date time.Time) (provider.RawPayload, error) {
		if date.Equal(d2) {
			<-c.Done()
			return provider.RawPayload{}, c.Err()
		}
		return testQuote(code, date), nil
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	report, err := f.orch.RunRangeSync(ctx, d1, d2, []string{"000001"})
	require.ErrorIs(t, err, context.Canceled)

	assert.Equal(t, OutcomeCancelled, report.Outcome)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Skipped)

	require.Len(t, f.journal.recs, 2)
	assert.Equal(t, OutcomeCancelled, f.journal.recs[1].Outcome)

	// The lease is released even on a cancelled run.
	assert.Equal(t, []string{report.RunID}, f.leases.released)
}

func TestLeaseHeldRefusesToRun(t *testing.T) {
	f := newFixture(t, &fakeGaps{})
	f.leases.err = ErrLeaseHeld

	report, err := f.orch.RunDailySync(context.Background(), day(t, "2025-09-01"))
	require.ErrorIs(t, err, ErrLeaseHeld)
	assert.Nil(t, report)
	assert.Zero(t, f.gate.calls.Load())
	assert.Empty(t, f.journal.recs)
}

func TestPlanningFailureReleasesLease(t *testing.T) {
	d1 := day(t, "2025-09-01")
	f := newFixture(t, &fakeGaps{err: errors.New("store offline")})

	report, err := f.orch.RunRangeSync(context.Background(), d1, d1, []string{"000001"})
	require.Error(t, err)
	assert.Equal(t, OutcomeFailed, report.Outcome)
	assert.Equal(t, []string{report.RunID}, f.leases.released)
}

func TestEmptyPlanCompletesImmediately(t *testing.T) {
	f := newFixture(t, &fakeGaps{})

	report, err := f.orch.RunDailySync(context.Background(), day(t, "2025-09-01"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, 0, report.Batches)
	assert.Zero(t, f.gate.calls.Load())
	assert.Empty(t, f.journal.recs)
}

func TestEntitiesListedWhenNoCodesGiven(t *testing.T) {
	f := newFixture(t, &fakeGaps{})
	f.fetch.entities = []provider.Entity{{Code: "000001"}, {Code: "600519"}}

	report, err := f.orch.RunDailySync(context.Background(), time.Time{})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)

	// The directory listing itself consumed one rate permit.
	assert.EqualValues(t, 1, f.gate.calls.Load())
	assert.Equal(t, []string{"000001", "600519"}, f.gaps.gotCodes)
}

func TestWriteFailureMarksBatchFailed(t *testing.T) {
	d1 := day(t, "2025-09-01")
	f := newFixture(t, &fakeGaps{
		quotes: []Batch{{Kind: BatchQuote, Date: d1, Codes: []string{"000001"}}},
	})
	f.sink.quoteErr = errors.New("upsert core_quotes: connection reset")

	report, err := f.orch.RunRangeSync(context.Background(), d1, d1, []string{"000001"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailed, report.Outcome)

	require.Len(t, f.journal.recs, 1)
	assert.Equal(t, OutcomeFailed, f.journal.recs[0].Outcome)
	assert.Equal(t, errorKindWrite, f.journal.recs[0].ErrorKind)
	assert.Equal(t, 0, f.journal.recs[0].RowsWritten)
}

func TestRateLimitRetriedToSuccess(t *testing.T) {
	d1 := day(t, "2025-09-01")
	f := newFixture(t, &fakeGaps{
		quotes: []Batch{{Kind: BatchQuote, Date: d1, Codes: []string{"000001"}}},
	})

	var calls atomic.Int64
	f.fetch.onQuote = func(ctx context.Context, code string, date time.Time) (provider.RawPayload, error) {
		if calls.Add(1) == 1 {
			return provider.RawPayload{}, &provider.RateLimitError{Err: errors.New("quota exceeded")}
		}
		return testQuote(code, date), nil
	}

	report, err := f.orch.RunRangeSync(context.Background(), d1, d1, []string{"000001"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)

	require.Len(t, f.journal.recs, 1)
	assert.Equal(t, 2, f.journal.recs[0].Attempts)
	// Every attempt re-acquired the gate.
	assert.EqualValues(t, 2, f.gate.calls.Load())
}

func TestNotFoundCellCompletesWithoutRow(t *testing.T) {
	d1 := day(t, "2025-09-01")
	f := newFixture(t, &fakeGaps{
		quotes: []Batch{{Kind: BatchQuote, Date: d1, Codes: []string{"000001", "688001"}}},
	})
	f.fetch.onQuote = func(ctx context.Context, code string, date time.Time) (provider.RawPayload, error) {
		if code == "688001" {
			return provider.RawPayload{}, &provider.NotFoundError{EntityCode: code, TradeDate: date}
		}
		return testQuote(code, date), nil
	}

	report, err := f.orch.RunRangeSync(context.Background(), d1, d1, []string{"000001", "688001"})
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)
	assert.Equal(t, int64(1), report.RowsWritten)

	require.Len(t, f.sink.quoteWrites, 1)
	require.Len(t, f.sink.quoteWrites[0], 1)
	assert.Equal(t, "000001", f.sink.quoteWrites[0][0].EntityCode)
}

func TestEventBatchWritesWholeFeed(t *testing.T) {
	d1 := day(t, "2025-09-01")
	f := newFixture(t, &fakeGaps{
		events: []Batch{{Kind: BatchEvent, Date: d1}},
	})
	f.fetch.onFeed = func(ctx context.Context, date time.Time) ([]provider.RawPayload, error) {
		flow := provider.RawPayload{EntityCode: "300750", TradeDate: date, Kind: provider.PayloadFlow}
		flow.Add("lhb_buy", 5000.0)
		seatA := provider.RawPayload{EntityCode: "300750", TradeDate: date, Kind: provider.PayloadSeat}
		seatA.Add("seat_name", "机构专用")
		seatB := provider.RawPayload{EntityCode: "600000", TradeDate: date, Kind: provider.PayloadSeat}
		seatB.Add("seat_name", "沪股通专用")
		return []provider.RawPayload{flow, seatA, seatB}, nil
	}

	report, err := f.orch.RunRangeSync(context.Background(), d1, d1, nil)
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, report.Outcome)

	require.Len(t, f.sink.eventWrites, 1)
	assert.Len(t, f.sink.eventWrites[0], 3)

	require.Len(t, f.journal.recs, 1)
	assert.Equal(t, BatchEvent, f.journal.recs[0].Kind)
	assert.Equal(t, 2, f.journal.recs[0].CodeCount)
}
