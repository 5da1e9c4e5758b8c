package models

import (
	"time"
)

// CoreQuote holds the always-present daily fields for one (trade_date, code)
// cell. Its existence is what gap detection trusts: a row here means the cell
// was synced, regardless of enrichment completeness.
type CoreQuote struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TradeDate time.Time `gorm:"type:date;uniqueIndex:uidx_core_date_code;index:idx_core_code_date,priority:2" json:"trade_date"`
	Code      string    `gorm:"size:16;uniqueIndex:uidx_core_date_code;index:idx_core_code_date,priority:1" json:"code"`
	Open      *float64  `json:"open"`
	High      *float64  `json:"high"`
	Low       *float64  `json:"low"`
	Close     *float64  `json:"close"`
	Volume    *int64    `json:"volume"`
	Amount    *float64  `json:"amount"`
	PeTTM     *float64  `gorm:"column:pe_ttm" json:"pe_ttm"`
	Pb        *float64  `json:"pb"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExtraQuote carries the wider, more volatile enrichment fields, 1:1 with
// CoreQuote on the same key. Written best-effort after the core row.
type ExtraQuote struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TradeDate   time.Time `gorm:"type:date;uniqueIndex:uidx_extra_date_code" json:"trade_date"`
	Code        string    `gorm:"size:16;uniqueIndex:uidx_extra_date_code" json:"code"`
	PreClose    *float64  `json:"pre_close"`
	PctChg      *float64  `gorm:"column:pct_chg" json:"pct_chg"`
	Turnover    *float64  `json:"turnover"`
	AvgPrice    *float64  `json:"avg_price"`
	TotalMv     *float64  `gorm:"column:total_mv" json:"total_mv"`
	LimitUp     *float64  `json:"limit_up"`
	LimitDown   *float64  `json:"limit_down"`
	AdjFactor   *float64  `json:"adj_factor"`
	TradeStatus *string   `gorm:"size:32" json:"trade_status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TradeFlow is one dragon-tiger listing: aggregate buy/sell flow for a code
// on the day it made the board.
type TradeFlow struct {
	ID               uint      `gorm:"primaryKey" json:"id"`
	TradeDate        time.Time `gorm:"type:date;uniqueIndex:uidx_flow_date_code;index:idx_flow_date" json:"trade_date"`
	Code             string    `gorm:"size:16;uniqueIndex:uidx_flow_date_code" json:"code"`
	Name             *string   `gorm:"size:64" json:"name"`
	LhbBuy           *float64  `gorm:"column:lhb_buy" json:"lhb_buy"`
	LhbSell          *float64  `gorm:"column:lhb_sell" json:"lhb_sell"`
	LhbNetBuy        *float64  `gorm:"column:lhb_net_buy" json:"lhb_net_buy"`
	LhbTurnoverRatio *float64  `gorm:"column:lhb_turnover_ratio" json:"lhb_turnover_ratio"`
	Reason           *string   `gorm:"size:256" json:"reason"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// SeatFlow is one seat's buy/sell on a dragon-tiger listing.
type SeatFlow struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	TradeDate time.Time `gorm:"type:date;uniqueIndex:uidx_seat_date_code_seat" json:"trade_date"`
	Code      string    `gorm:"size:16;uniqueIndex:uidx_seat_date_code_seat" json:"code"`
	SeatName  string    `gorm:"size:128;uniqueIndex:uidx_seat_date_code_seat" json:"seat_name"`
	SeatType  *string   `gorm:"size:32" json:"seat_type"`
	BuyAmt    *float64  `gorm:"column:buy_amt" json:"buy_amt"`
	SellAmt   *float64  `gorm:"column:sell_amt" json:"sell_amt"`
	NetAmt    *float64  `gorm:"column:net_amt" json:"net_amt"`
	Reason    *string   `gorm:"size:256" json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NameHistory is an SCD Type-2 row: the display name of a code over
// [valid_from, valid_to). The open row carries the 9999-12-31 sentinel.
type NameHistory struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Code      string    `gorm:"size:16;uniqueIndex:uidx_name_code_from;index:idx_name_code" json:"code"`
	Name      string    `gorm:"size:64" json:"name"`
	ValidFrom time.Time `gorm:"type:date;uniqueIndex:uidx_name_code_from" json:"valid_from"`
	ValidTo   time.Time `gorm:"type:date;index:idx_name_valid_to" json:"valid_to"`
	Source    string    `gorm:"size:32" json:"source"`
	CreatedAt time.Time `json:"created_at"`
}

func (NameHistory) TableName() string { return "name_history" }

// SyncExecutionRecord is the append-only audit row written once per batch
// attempt. Never updated after insert.
type SyncExecutionRecord struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	TaskID      string    `gorm:"size:36;index:idx_exec_task" json:"task_id"`
	RunID       string    `gorm:"size:36;index:idx_exec_run" json:"run_id"`
	Kind        string    `gorm:"size:16" json:"kind"`
	TradeDate   time.Time `gorm:"type:date" json:"trade_date"`
	CodeCount   int       `json:"code_count"`
	StartedAt   time.Time `json:"started_at"`
	EndedAt     time.Time `json:"ended_at"`
	Outcome     string    `gorm:"size:16;index:idx_exec_outcome" json:"outcome"`
	ErrorKind   string    `gorm:"size:16" json:"error_kind"`
	Attempts    int       `json:"attempts"`
	RowsWritten int       `json:"rows_written"`
	Detail      string    `gorm:"size:512" json:"detail"`
}

func (SyncExecutionRecord) TableName() string { return "sync_execution_log" }

// SyncLease is the mutual-exclusion record for a running scope. A row with
// released_at NULL marks the scope as held.
type SyncLease struct {
	ID         uint       `gorm:"primaryKey" json:"id"`
	RunID      string     `gorm:"size:36;uniqueIndex:uidx_lease_run" json:"run_id"`
	Kind       string     `gorm:"size:16;index:idx_lease_kind" json:"kind"`
	StartDate  time.Time  `gorm:"type:date" json:"start_date"`
	EndDate    time.Time  `gorm:"type:date" json:"end_date"`
	Scope      string     `gorm:"size:256" json:"scope"`
	Holder     string     `gorm:"size:64" json:"holder"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ReleasedAt *time.Time `json:"released_at"`
}

// EntityLastSync reports the newest persisted trade date for one code.
type EntityLastSync struct {
	Code     string    `json:"code"`
	LastDate time.Time `json:"last_date"`
}

// StatusReport is the payload returned by the status API and CLI.
type StatusReport struct {
	LastSynced       []EntityLastSync      `json:"last_synced"`
	RecentExecutions []SyncExecutionRecord `json:"recent_executions"`
}
