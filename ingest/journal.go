package ingest

import (
	"context"
	"fmt"

	"gorm.io/gorm"

	"github.com/lhquant/dtsync/models"
)

// DBExecutionLog appends audit rows to sync_execution_log. Rows are insert
// only; a batch that runs again gets a fresh record under a new task id.
type DBExecutionLog struct {
	db *gorm.DB
}

func NewExecutionLog(db *gorm.DB) *DBExecutionLog {
	return &DBExecutionLog{db: db}
}

func (l *DBExecutionLog) Append(ctx context.Context, rec *models.SyncExecutionRecord) error {
	if err := l.db.WithContext(ctx).Create(rec).Error; err != nil {
		return fmt.Errorf("append execution record: %w", err)
	}
	return nil
}
