package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gorm.io/gorm"

	"github.com/lhquant/dtsync/calendar"
	"github.com/lhquant/dtsync/models"
)

const DefaultBatchSize = 20

const (
	BatchQuote = "quote"
	BatchEvent = "event"
)

// Gap is one (entity, trading day) cell requested but not yet persisted.
type Gap struct {
	Code string
	Date time.Time
}

// Batch is a bounded group of fetch work for one trading day. Quote batches
// carry up to batchSize codes; event batches cover the whole day's feed.
type Batch struct {
	Kind  string
	Date  time.Time
	Codes []string
}

func (b Batch) Cells() int {
	if b.Kind == BatchEvent {
		return 1
	}
	return len(b.Codes)
}

// Detector computes missing coverage as the complement of persisted rows
// against codes × trading days. Presence means a core_quotes row exists;
// enrichment completeness is deliberately not consulted.
type Detector struct {
	db        *gorm.DB
	cal       *calendar.Calendar
	batchSize int
}

func NewDetector(db *gorm.DB, cal *calendar.Calendar, batchSize int) *Detector {
	if batchSize < 1 {
		batchSize = DefaultBatchSize
	}
	return &Detector{db: db, cal: cal, batchSize: batchSize}
}

func gapKey(code string, date time.Time) string {
	return date.Format("2006-01-02") + "|" + code
}

// MissingQuotes returns the unpersisted (code, date) cells for the range,
// date-major ascending, codes ascending within a date.
func (d *Detector) MissingQuotes(ctx context.Context, codes []string, start, end time.Time) ([]Gap, error) {
	days := d.cal.TradingDaysBetween(start, end)
	if len(days) == 0 || len(codes) == 0 {
		return nil, nil
	}

	type pairRow struct {
		TradeDate time.Time
		Code      string
	}
	var persisted []pairRow
	err := d.db.WithContext(ctx).
		Model(&models.CoreQuote{}).
		Select("trade_date", "code").
		Where("trade_date BETWEEN ? AND ?", days[0], days[len(days)-1]).
		Where("code IN ?", codes).
		Find(&persisted).Error
	if err != nil {
		return nil, fmt.Errorf("scan persisted quotes: %w", err)
	}

	have := make(map[string]struct{}, len(persisted))
	for _, p := range persisted {
		have[gapKey(p.Code, calendar.Day(p.TradeDate))] = struct{}{}
	}
	return complement(codes, days, have), nil
}

// complement is the pure set difference codes × days minus have.
func complement(codes []string, days []time.Time, have map[string]struct{}) []Gap {
	sorted := make([]string, len(codes))
	copy(sorted, codes)
	sort.Strings(sorted)

	var gaps []Gap
	for _, day := range days {
		for _, code := range sorted {
			if _, ok := have[gapKey(code, day)]; !ok {
				gaps = append(gaps, Gap{Code: code, Date: day})
			}
		}
	}
	return gaps
}

// MissingEventDates returns the trading days in range with no dragon-tiger
// flow rows at all. Days whose feed was genuinely empty are indistinguishable
// from unfetched days and are re-checked; the fetch is one call and the
// re-write is idempotent.
func (d *Detector) MissingEventDates(ctx context.Context, start, end time.Time) ([]time.Time, error) {
	days := d.cal.TradingDaysBetween(start, end)
	if len(days) == 0 {
		return nil, nil
	}

	var persisted []time.Time
	err := d.db.WithContext(ctx).
		Model(&models.TradeFlow{}).
		Distinct("trade_date").
		Where("trade_date BETWEEN ? AND ?", days[0], days[len(days)-1]).
		Pluck("trade_date", &persisted).Error
	if err != nil {
		return nil, fmt.Errorf("scan persisted flows: %w", err)
	}

	have := make(map[string]struct{}, len(persisted))
	for _, t := range persisted {
		have[calendar.Day(t).Format("2006-01-02")] = struct{}{}
	}

	var missing []time.Time
	for _, day := range days {
		if _, ok := have[day.Format("2006-01-02")]; !ok {
			missing = append(missing, day)
		}
	}
	return missing, nil
}

// QuoteBatches plans the missing quote cells into date-ordered batches.
func (d *Detector) QuoteBatches(ctx context.Context, codes []string, start, end time.Time) ([]Batch, error) {
	gaps, err := d.MissingQuotes(ctx, codes, start, end)
	if err != nil {
		return nil, err
	}
	return planQuoteBatches(gaps, d.batchSize), nil
}

// EventBatches plans one event batch per missing feed date.
func (d *Detector) EventBatches(ctx context.Context, start, end time.Time) ([]Batch, error) {
	dates, err := d.MissingEventDates(ctx, start, end)
	if err != nil {
		return nil, err
	}
	batches := make([]Batch, 0, len(dates))
	for _, day := range dates {
		batches = append(batches, Batch{Kind: BatchEvent, Date: day})
	}
	return batches, nil
}

// planQuoteBatches groups gaps by day (input is date-major already) and
// chunks each day's codes at size.
func planQuoteBatches(gaps []Gap, size int) []Batch {
	if size < 1 {
		size = DefaultBatchSize
	}
	var batches []Batch
	i := 0
	for i < len(gaps) {
		day := gaps[i].Date
		var codes []string
		for i < len(gaps) && gaps[i].Date.Equal(day) {
			codes = append(codes, gaps[i].Code)
			i++
		}
		for lo := 0; lo < len(codes); lo += size {
			hi := lo + size
			if hi > len(codes) {
				hi = len(codes)
			}
			batches = append(batches, Batch{Kind: BatchQuote, Date: day, Codes: codes[lo:hi]})
		}
	}
	return batches
}
