package database

import (
	"fmt"

	"gorm.io/gorm"
)

// OptimizeIndexes adds the read-path indexes AutoMigrate's tags don't cover:
// gap scans over a date range, newest-date-per-code status lookups, and the
// recent slice of the execution log.
func OptimizeIndexes(db *gorm.DB) error {
	// Gap detection scans (trade_date, code) pairs for a range.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_core_date_code_scan
		ON core_quotes (trade_date, code)
	`).Error; err != nil {
		return fmt.Errorf("failed to create core quotes scan index: %w", err)
	}

	// Status queries want MAX(trade_date) per code.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_core_code_date_desc
		ON core_quotes (code, trade_date DESC)
	`).Error; err != nil {
		return fmt.Errorf("failed to create core quotes status index: %w", err)
	}

	// Event-feed gap detection only asks which dates have any row.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_flow_date_only
		ON trade_flows (trade_date)
	`).Error; err != nil {
		return fmt.Errorf("failed to create trade flows date index: %w", err)
	}

	// Recent executions, newest first.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_exec_started_desc
		ON sync_execution_log (started_at DESC)
	`).Error; err != nil {
		return fmt.Errorf("failed to create execution log index: %w", err)
	}

	// Lease overlap checks look only at unreleased rows.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_lease_active
		ON sync_leases (kind, start_date, end_date)
		WHERE released_at IS NULL
	`).Error; err != nil {
		return fmt.Errorf("failed to create active lease index: %w", err)
	}

	// Name resolution walks a code's intervals newest first.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_name_code_from_desc
		ON name_history (code, valid_from DESC)
	`).Error; err != nil {
		return fmt.Errorf("failed to create name history index: %w", err)
	}

	return nil
}
