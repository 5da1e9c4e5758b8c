package ingest

import (
	"math"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/lhquant/dtsync/logger"
	"github.com/lhquant/dtsync/provider"
)

type coercion int

const (
	coerceNumeric coercion = iota
	coerceInteger
	coerceText
)

type targetTable int

const (
	tableCore targetTable = iota
	tableExtra
	tableFlow
	tableSeat
)

type fieldRule struct {
	Table  targetTable
	Column string
	Kind   coercion
}

// registry maps provider field names to store columns per payload kind.
// Unknown fields are dropped with a warning, never silently persisted.
var registry = map[provider.PayloadKind]map[string]fieldRule{
	provider.PayloadQuote: {
		"open":         {tableCore, "open", coerceNumeric},
		"high":         {tableCore, "high", coerceNumeric},
		"low":          {tableCore, "low", coerceNumeric},
		"close":        {tableCore, "close", coerceNumeric},
		"volume":       {tableCore, "volume", coerceInteger},
		"amount":       {tableCore, "amount", coerceNumeric},
		"pe_ttm":       {tableCore, "pe_ttm", coerceNumeric},
		"pb":           {tableCore, "pb", coerceNumeric},
		"preClose":     {tableExtra, "pre_close", coerceNumeric},
		"pctChg":       {tableExtra, "pct_chg", coerceNumeric},
		"turn":         {tableExtra, "turnover", coerceNumeric},
		"avgPrice":     {tableExtra, "avg_price", coerceNumeric},
		"total_mv":     {tableExtra, "total_mv", coerceNumeric},
		"limit_up":     {tableExtra, "limit_up", coerceNumeric},
		"limit_down":   {tableExtra, "limit_down", coerceNumeric},
		"adj_factor":   {tableExtra, "adj_factor", coerceNumeric},
		"trade_status": {tableExtra, "trade_status", coerceText},
	},
	provider.PayloadFlow: {
		"name":               {tableFlow, "name", coerceText},
		"lhb_buy":            {tableFlow, "lhb_buy", coerceNumeric},
		"lhb_sell":           {tableFlow, "lhb_sell", coerceNumeric},
		"lhb_net_buy":        {tableFlow, "lhb_net_buy", coerceNumeric},
		"lhb_turnover_ratio": {tableFlow, "lhb_turnover_ratio", coerceNumeric},
		"reason":             {tableFlow, "reason", coerceText},
	},
	provider.PayloadSeat: {
		"seat_name": {tableSeat, "seat_name", coerceText},
		"seat_type": {tableSeat, "seat_type", coerceText},
		"buy_amt":   {tableSeat, "buy_amt", coerceNumeric},
		"sell_amt":  {tableSeat, "sell_amt", coerceNumeric},
		"net_amt":   {tableSeat, "net_amt", coerceNumeric},
		"reason":    {tableSeat, "reason", coerceText},
	},
}

// warnedFields dedupes unknown-field warnings per process.
var warnedFields sync.Map

func warnUnknownField(kind provider.PayloadKind, name string) {
	key := string(kind) + ":" + name
	if _, seen := warnedFields.LoadOrStore(key, struct{}{}); !seen {
		logger.L().Warn("dropping unknown provider field",
			zap.String("kind", string(kind)),
			zap.String("field", name))
	}
}

// cell is one merged (date, entity[, seat]) record: column → raw value after
// the later-non-null-wins collapse, before coercion.
type cell struct {
	Code   string
	Date   time.Time
	Seat   string
	Kind   provider.PayloadKind
	values map[string]rawValue
}

type rawValue struct {
	Rule  fieldRule
	Value any
}

func cellKey(kind provider.PayloadKind, code string, date time.Time, seat string) string {
	return string(kind) + "|" + date.Format("2006-01-02") + "|" + code + "|" + seat
}

// mergePayloads collapses payloads into cells. Duplicate columns, within one
// payload or across payloads for the same key, resolve to the later non-null
// value; a later null never clobbers an earlier value.
func mergePayloads(payloads []provider.RawPayload) []cell {
	order := make([]string, 0, len(payloads))
	cells := make(map[string]*cell, len(payloads))

	for _, p := range payloads {
		rules, ok := registry[p.Kind]
		if !ok || p.EntityCode == "" {
			continue
		}

		seat := ""
		if p.Kind == provider.PayloadSeat {
			v, ok := p.Get("seat_name")
			if !ok || isNullRaw(v) {
				logger.L().Warn("seat payload without seat_name dropped",
					zap.String("code", p.EntityCode),
					zap.Time("date", p.TradeDate))
				continue
			}
			seat = strings.TrimSpace(asString(v))
		}

		key := cellKey(p.Kind, p.EntityCode, p.TradeDate, seat)
		c, ok := cells[key]
		if !ok {
			c = &cell{
				Code:   p.EntityCode,
				Date:   p.TradeDate,
				Seat:   seat,
				Kind:   p.Kind,
				values: make(map[string]rawValue, len(p.Fields)),
			}
			cells[key] = c
			order = append(order, key)
		}

		for _, f := range p.Fields {
			rule, known := rules[f.Name]
			if !known {
				warnUnknownField(p.Kind, f.Name)
				continue
			}
			if isNullRaw(f.Value) {
				// Keep the column visible as null unless an earlier
				// non-null value already claimed it.
				if _, exists := c.values[rule.Column]; !exists {
					c.values[rule.Column] = rawValue{Rule: rule, Value: nil}
				}
				continue
			}
			c.values[rule.Column] = rawValue{Rule: rule, Value: f.Value}
		}
	}

	out := make([]cell, 0, len(order))
	for _, key := range order {
		out = append(out, *cells[key])
	}
	return out
}

// isNullRaw reports whether a raw provider value is a missing-value sentinel.
func isNullRaw(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		s := strings.TrimSpace(strings.ToLower(x))
		return s == "" || s == "--" || s == "nan" || s == "null" || s == "none"
	case float64:
		return math.IsNaN(x) || math.IsInf(x, 0)
	case float32:
		return math.IsNaN(float64(x)) || math.IsInf(float64(x), 0)
	}
	return false
}

func asString(v any) string {
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// numeric coerces a raw value to a float column value. Invalid input becomes
// null, not a write failure.
func numeric(v any) *float64 {
	if isNullRaw(v) {
		return nil
	}
	switch x := v.(type) {
	case float64:
		return &x
	case float32:
		f := float64(x)
		return &f
	case int:
		f := float64(x)
		return &f
	case int64:
		f := float64(x)
		return &f
	case string:
		d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(x), ",", ""))
		if err != nil {
			return nil
		}
		f, _ := d.Float64()
		return &f
	}
	return nil
}

// integer coerces to a fixed-width integer column value. The store rejects a
// floating textual form ("1000.0") on bigint columns, so everything funnels
// through decimal and truncates.
func integer(v any) *int64 {
	if isNullRaw(v) {
		return nil
	}
	switch x := v.(type) {
	case int:
		n := int64(x)
		return &n
	case int64:
		return &x
	case float64:
		n := decimal.NewFromFloat(x).IntPart()
		return &n
	case float32:
		n := decimal.NewFromFloat32(x).IntPart()
		return &n
	case string:
		d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(x), ",", ""))
		if err != nil {
			return nil
		}
		n := d.IntPart()
		return &n
	}
	return nil
}

// text coerces to a trimmed string column value.
func text(v any) *string {
	if isNullRaw(v) {
		return nil
	}
	if s, ok := v.(string); ok {
		t := strings.TrimSpace(s)
		if t == "" {
			return nil
		}
		return &t
	}
	return nil
}

// numericAt / integerAt / textAt read one coerced column from a cell.

func (c cell) numericAt(column string) *float64 {
	if rv, ok := c.values[column]; ok && rv.Value != nil {
		return numeric(rv.Value)
	}
	return nil
}

func (c cell) integerAt(column string) *int64 {
	if rv, ok := c.values[column]; ok && rv.Value != nil {
		return integer(rv.Value)
	}
	return nil
}

func (c cell) textAt(column string) *string {
	if rv, ok := c.values[column]; ok && rv.Value != nil {
		return text(rv.Value)
	}
	return nil
}
