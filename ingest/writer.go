package ingest

import (
	"context"
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lhquant/dtsync/calendar"
	"github.com/lhquant/dtsync/logger"
	"github.com/lhquant/dtsync/metrics"
	"github.com/lhquant/dtsync/models"
	"github.com/lhquant/dtsync/provider"
)

const DefaultChunkSize = 1000

// WriteOutcome reports what one write call persisted. ExtraFailed/SeatFailed
// flag enrichment tables that could not be written; the presence tables
// (core_quotes, trade_flows) are still considered synced in that case.
type WriteOutcome struct {
	CoreRows    int
	ExtraRows   int
	FlowRows    int
	SeatRows    int
	Dropped     int
	ExtraFailed bool
	SeatFailed  bool
}

func (o WriteOutcome) Rows() int {
	return o.CoreRows + o.ExtraRows + o.FlowRows + o.SeatRows
}

// Writer merges raw payloads, coerces them through the field registry, and
// upserts in bounded chunks keyed on (trade_date, code). Re-writing a key
// overwrites all value columns: repeated runs are safe.
type Writer struct {
	db        *gorm.DB
	chunkSize int
}

func NewWriter(db *gorm.DB, chunkSize int) *Writer {
	if chunkSize < 1 {
		chunkSize = DefaultChunkSize
	}
	return &Writer{db: db, chunkSize: chunkSize}
}

var (
	quoteKey = []clause.Column{{Name: "trade_date"}, {Name: "code"}}
	seatKey  = []clause.Column{{Name: "trade_date"}, {Name: "code"}, {Name: "seat_name"}}

	coreCols  = []string{"open", "high", "low", "close", "volume", "amount", "pe_ttm", "pb", "updated_at"}
	extraCols = []string{"pre_close", "pct_chg", "turnover", "avg_price", "total_mv", "limit_up", "limit_down", "adj_factor", "trade_status", "updated_at"}
	flowCols  = []string{"name", "lhb_buy", "lhb_sell", "lhb_net_buy", "lhb_turnover_ratio", "reason", "updated_at"}
	seatCols  = []string{"seat_type", "buy_amt", "sell_amt", "net_amt", "reason", "updated_at"}
)

// WriteQuotes persists quote payloads as core + extra rows. A core row is
// written for every merged cell, even one whose values all coerced to null:
// core presence is what marks the cell as synced.
func (w *Writer) WriteQuotes(ctx context.Context, payloads []provider.RawPayload) (WriteOutcome, error) {
	var out WriteOutcome

	var cores []models.CoreQuote
	var extras []models.ExtraQuote
	for _, c := range mergePayloads(payloads) {
		if c.Kind != provider.PayloadQuote {
			out.Dropped++
			continue
		}
		cores = append(cores, buildCore(c))
		if ex, ok := buildExtra(c); ok {
			extras = append(extras, ex)
		}
	}
	if len(cores) == 0 {
		return out, nil
	}

	sort.Slice(cores, func(i, j int) bool {
		if !cores[i].TradeDate.Equal(cores[j].TradeDate) {
			return cores[i].TradeDate.Before(cores[j].TradeDate)
		}
		return cores[i].Code < cores[j].Code
	})
	sort.Slice(extras, func(i, j int) bool {
		if !extras[i].TradeDate.Equal(extras[j].TradeDate) {
			return extras[i].TradeDate.Before(extras[j].TradeDate)
		}
		return extras[i].Code < extras[j].Code
	})

	if err := w.retryOnce(ctx, "core_quotes", func() error {
		return w.upsert(ctx, quoteKey, coreCols, cores)
	}); err != nil {
		return out, err
	}
	out.CoreRows = len(cores)
	metrics.RowsWritten.WithLabelValues("core_quotes").Add(float64(len(cores)))

	if len(extras) > 0 {
		if err := w.retryOnce(ctx, "extra_quotes", func() error {
			return w.upsert(ctx, quoteKey, extraCols, extras)
		}); err != nil {
			out.ExtraFailed = true
			logger.L().Error("enrichment write failed, core rows remain synced", zap.Error(err))
		} else {
			out.ExtraRows = len(extras)
			metrics.RowsWritten.WithLabelValues("extra_quotes").Add(float64(len(extras)))
		}
	}
	return out, nil
}

// WriteEvents persists dragon-tiger payloads as flow + seat rows. Flow rows
// are the presence marker for event gap detection; seat rows are enrichment.
func (w *Writer) WriteEvents(ctx context.Context, payloads []provider.RawPayload) (WriteOutcome, error) {
	var out WriteOutcome

	var flows []models.TradeFlow
	var seats []models.SeatFlow
	for _, c := range mergePayloads(payloads) {
		switch c.Kind {
		case provider.PayloadFlow:
			flows = append(flows, buildFlow(c))
		case provider.PayloadSeat:
			seat, ok := buildSeat(c)
			if !ok {
				out.Dropped++
				continue
			}
			seats = append(seats, seat)
		default:
			out.Dropped++
		}
	}
	if len(flows) == 0 && len(seats) == 0 {
		return out, nil
	}

	sort.Slice(flows, func(i, j int) bool {
		if !flows[i].TradeDate.Equal(flows[j].TradeDate) {
			return flows[i].TradeDate.Before(flows[j].TradeDate)
		}
		return flows[i].Code < flows[j].Code
	})
	sort.Slice(seats, func(i, j int) bool {
		if !seats[i].TradeDate.Equal(seats[j].TradeDate) {
			return seats[i].TradeDate.Before(seats[j].TradeDate)
		}
		if seats[i].Code != seats[j].Code {
			return seats[i].Code < seats[j].Code
		}
		return seats[i].SeatName < seats[j].SeatName
	})

	if len(flows) > 0 {
		if err := w.retryOnce(ctx, "trade_flows", func() error {
			return w.upsert(ctx, quoteKey, flowCols, flows)
		}); err != nil {
			return out, err
		}
		out.FlowRows = len(flows)
		metrics.RowsWritten.WithLabelValues("trade_flows").Add(float64(len(flows)))
	}

	if len(seats) > 0 {
		if err := w.retryOnce(ctx, "seat_flows", func() error {
			return w.upsert(ctx, seatKey, seatCols, seats)
		}); err != nil {
			out.SeatFailed = true
			logger.L().Error("seat write failed, flow rows remain synced", zap.Error(err))
		} else {
			out.SeatRows = len(seats)
			metrics.RowsWritten.WithLabelValues("seat_flows").Add(float64(len(seats)))
		}
	}
	return out, nil
}

func (w *Writer) upsert(ctx context.Context, key []clause.Column, updateCols []string, rows any) error {
	return w.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   key,
			DoUpdates: clause.AssignmentColumns(updateCols),
		}).CreateInBatches(rows, w.chunkSize).Error
	})
}

// retryOnce re-attempts a rejected store write a single time before giving up.
func (w *Writer) retryOnce(ctx context.Context, table string, fn func() error) error {
	if err := fn(); err != nil {
		logger.L().Warn("store write rejected, retrying once",
			zap.String("table", table),
			zap.Error(err))
		if err := fn(); err != nil {
			return fmt.Errorf("upsert %s: %w", table, err)
		}
	}
	return nil
}

func buildCore(c cell) models.CoreQuote {
	return models.CoreQuote{
		TradeDate: calendar.Day(c.Date),
		Code:      c.Code,
		Open:      c.numericAt("open"),
		High:      c.numericAt("high"),
		Low:       c.numericAt("low"),
		Close:     c.numericAt("close"),
		Volume:    c.integerAt("volume"),
		Amount:    c.numericAt("amount"),
		PeTTM:     c.numericAt("pe_ttm"),
		Pb:        c.numericAt("pb"),
	}
}

// buildExtra returns false when the cell carried no enrichment columns at
// all; empty extra rows are not written.
func buildExtra(c cell) (models.ExtraQuote, bool) {
	ex := models.ExtraQuote{
		TradeDate:   calendar.Day(c.Date),
		Code:        c.Code,
		PreClose:    c.numericAt("pre_close"),
		PctChg:      c.numericAt("pct_chg"),
		Turnover:    c.numericAt("turnover"),
		AvgPrice:    c.numericAt("avg_price"),
		TotalMv:     c.numericAt("total_mv"),
		LimitUp:     c.numericAt("limit_up"),
		LimitDown:   c.numericAt("limit_down"),
		AdjFactor:   c.numericAt("adj_factor"),
		TradeStatus: c.textAt("trade_status"),
	}
	has := ex.PreClose != nil || ex.PctChg != nil || ex.Turnover != nil ||
		ex.AvgPrice != nil || ex.TotalMv != nil || ex.LimitUp != nil ||
		ex.LimitDown != nil || ex.AdjFactor != nil || ex.TradeStatus != nil
	return ex, has
}

func buildFlow(c cell) models.TradeFlow {
	f := models.TradeFlow{
		TradeDate:        calendar.Day(c.Date),
		Code:             c.Code,
		Name:             c.textAt("name"),
		LhbBuy:           c.numericAt("lhb_buy"),
		LhbSell:          c.numericAt("lhb_sell"),
		LhbNetBuy:        c.numericAt("lhb_net_buy"),
		LhbTurnoverRatio: c.numericAt("lhb_turnover_ratio"),
		Reason:           c.textAt("reason"),
	}
	if f.LhbNetBuy == nil && f.LhbBuy != nil && f.LhbSell != nil {
		net := *f.LhbBuy - *f.LhbSell
		f.LhbNetBuy = &net
	}
	return f
}

func buildSeat(c cell) (models.SeatFlow, bool) {
	if c.Seat == "" {
		return models.SeatFlow{}, false
	}
	s := models.SeatFlow{
		TradeDate: calendar.Day(c.Date),
		Code:      c.Code,
		SeatName:  c.Seat,
		SeatType:  c.textAt("seat_type"),
		BuyAmt:    c.numericAt("buy_amt"),
		SellAmt:   c.numericAt("sell_amt"),
		NetAmt:    c.numericAt("net_amt"),
		Reason:    c.textAt("reason"),
	}
	if s.NetAmt == nil && s.BuyAmt != nil && s.SellAmt != nil {
		net := *s.BuyAmt - *s.SellAmt
		s.NetAmt = &net
	}
	return s, true
}
