// Package calendar answers "is this a trading day" for the mainland A-share
// exchanges. Weekends are always closed; the built-in table carries the
// announced exchange closures for 2024-2026 and can be extended through
// configuration when a new year's schedule is published.
package calendar

import "time"

const dayFormat = "2006-01-02"

var closures = []string{
	// 2024
	"2024-01-01",
	"2024-02-09", "2024-02-12", "2024-02-13", "2024-02-14", "2024-02-15", "2024-02-16",
	"2024-04-04", "2024-04-05",
	"2024-05-01", "2024-05-02", "2024-05-03",
	"2024-06-10",
	"2024-09-16", "2024-09-17",
	"2024-10-01", "2024-10-02", "2024-10-03", "2024-10-04", "2024-10-07",
	// 2025
	"2025-01-01",
	"2025-01-28", "2025-01-29", "2025-01-30", "2025-01-31", "2025-02-03", "2025-02-04",
	"2025-04-04",
	"2025-05-01", "2025-05-02", "2025-05-05",
	"2025-06-02",
	"2025-10-01", "2025-10-02", "2025-10-03", "2025-10-06", "2025-10-07", "2025-10-08",
	// 2026
	"2026-01-01", "2026-01-02",
	"2026-02-16", "2026-02-17", "2026-02-18", "2026-02-19", "2026-02-20",
	"2026-04-06",
	"2026-05-01", "2026-05-04", "2026-05-05",
	"2026-06-19",
	"2026-09-25",
	"2026-10-01", "2026-10-02", "2026-10-05", "2026-10-06", "2026-10-07",
}

type Calendar struct {
	holidays map[string]struct{}
}

// New builds a calendar from the built-in closure table plus extra holidays
// given as YYYY-MM-DD strings (malformed entries are ignored).
func New(extra []string) *Calendar {
	h := make(map[string]struct{}, len(closures)+len(extra))
	for _, d := range closures {
		h[d] = struct{}{}
	}
	for _, d := range extra {
		if _, err := time.Parse(dayFormat, d); err == nil {
			h[d] = struct{}{}
		}
	}
	return &Calendar{holidays: h}
}

// Day truncates t to its date in UTC. All store keys use this normalization.
func Day(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

func (c *Calendar) IsTradingDay(t time.Time) bool {
	switch t.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	_, closed := c.holidays[t.Format(dayFormat)]
	return !closed
}

// TradingDaysBetween returns the trading days in [start, end], ascending.
func (c *Calendar) TradingDaysBetween(start, end time.Time) []time.Time {
	var days []time.Time
	for d := Day(start); !d.After(Day(end)); d = d.AddDate(0, 0, 1) {
		if c.IsTradingDay(d) {
			days = append(days, d)
		}
	}
	return days
}

// PrevTradingDay returns the latest trading day strictly before t.
func (c *Calendar) PrevTradingDay(t time.Time) time.Time {
	d := Day(t).AddDate(0, 0, -1)
	for !c.IsTradingDay(d) {
		d = d.AddDate(0, 0, -1)
	}
	return d
}

// LatestTradingDay returns t's date when it is a trading day, otherwise the
// previous trading day. Used to resolve "sync today" on weekends/holidays.
func (c *Calendar) LatestTradingDay(t time.Time) time.Time {
	d := Day(t)
	if c.IsTradingDay(d) {
		return d
	}
	return c.PrevTradingDay(d)
}

// BackTradingDays returns the trading day n-1 steps before end, so that
// [result, end] spans n trading days. n < 1 returns end.
func (c *Calendar) BackTradingDays(end time.Time, n int) time.Time {
	d := Day(end)
	for i := 1; i < n; i++ {
		d = c.PrevTradingDay(d)
	}
	return d
}
