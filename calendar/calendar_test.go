package calendar

import (
	"testing"
	"time"
)

func mustDay(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	if err != nil {
		t.Fatalf("parse %s: %v", s, err)
	}
	return d
}

func TestIsTradingDay(t *testing.T) {
	cal := New(nil)

	tests := []struct {
		date string
		want bool
	}{
		{"2025-09-01", true},  // Monday
		{"2025-09-06", false}, // Saturday
		{"2025-09-07", false}, // Sunday
		{"2025-10-01", false}, // National Day
		{"2025-10-09", true},  // first session after the holiday
		{"2025-01-28", false}, // Spring Festival eve
	}
	for _, tt := range tests {
		if got := cal.IsTradingDay(mustDay(t, tt.date)); got != tt.want {
			t.Errorf("IsTradingDay(%s) = %v, want %v", tt.date, got, tt.want)
		}
	}
}

func TestExtraHolidays(t *testing.T) {
	cal := New([]string{"2025-09-03", "not-a-date"})

	if cal.IsTradingDay(mustDay(t, "2025-09-03")) {
		t.Errorf("Expected configured extra holiday to close 2025-09-03")
	}
	if !cal.IsTradingDay(mustDay(t, "2025-09-04")) {
		t.Errorf("Expected 2025-09-04 to stay open")
	}
}

func TestTradingDaysBetween(t *testing.T) {
	cal := New(nil)

	// Friday through Tuesday spans a weekend.
	days := cal.TradingDaysBetween(mustDay(t, "2025-09-05"), mustDay(t, "2025-09-09"))
	want := []string{"2025-09-05", "2025-09-08", "2025-09-09"}
	if len(days) != len(want) {
		t.Fatalf("got %d days, want %d", len(days), len(want))
	}
	for i, w := range want {
		if days[i].Format("2006-01-02") != w {
			t.Errorf("day %d = %s, want %s", i, days[i].Format("2006-01-02"), w)
		}
	}
}

func TestTradingDaysBetweenEmptyWhenReversed(t *testing.T) {
	cal := New(nil)
	if days := cal.TradingDaysBetween(mustDay(t, "2025-09-09"), mustDay(t, "2025-09-05")); len(days) != 0 {
		t.Errorf("Expected no days for reversed range, got %d", len(days))
	}
}

func TestLatestTradingDay(t *testing.T) {
	cal := New(nil)

	// Saturday resolves back to Friday.
	got := cal.LatestTradingDay(mustDay(t, "2025-09-06"))
	if got.Format("2006-01-02") != "2025-09-05" {
		t.Errorf("LatestTradingDay(Sat) = %s, want 2025-09-05", got.Format("2006-01-02"))
	}

	// A trading day resolves to itself.
	got = cal.LatestTradingDay(mustDay(t, "2025-09-05"))
	if got.Format("2006-01-02") != "2025-09-05" {
		t.Errorf("LatestTradingDay(Fri) = %s, want itself", got.Format("2006-01-02"))
	}
}

func TestBackTradingDays(t *testing.T) {
	cal := New(nil)

	// Five trading days ending Friday 2025-09-05 start Monday 2025-09-01.
	got := cal.BackTradingDays(mustDay(t, "2025-09-05"), 5)
	if got.Format("2006-01-02") != "2025-09-01" {
		t.Errorf("BackTradingDays = %s, want 2025-09-01", got.Format("2006-01-02"))
	}

	// n=1 is the end day itself.
	got = cal.BackTradingDays(mustDay(t, "2025-09-05"), 1)
	if got.Format("2006-01-02") != "2025-09-05" {
		t.Errorf("BackTradingDays(1) = %s, want the end day", got.Format("2006-01-02"))
	}
}

func TestDayNormalizesToUTCMidnight(t *testing.T) {
	loc := time.FixedZone("CST", 8*3600)
	in := time.Date(2025, 9, 2, 20, 30, 0, 0, loc)

	got := Day(in)
	if got.Hour() != 0 || got.Location() != time.UTC {
		t.Errorf("Day() = %v, want UTC midnight", got)
	}
	if got.Format("2006-01-02") != "2025-09-02" {
		t.Errorf("Day() date = %s, want 2025-09-02", got.Format("2006-01-02"))
	}
}
