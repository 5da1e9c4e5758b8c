package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lhquant/dtsync/logger"
	"github.com/lhquant/dtsync/models"
)

// ErrLeaseHeld reports that another run already holds an overlapping scope.
var ErrLeaseHeld = errors.New("sync lease already held for overlapping scope")

// leaseAdvisoryLockID serializes lease acquisition across processes. The
// value is arbitrary but must stay identical on every writer.
const leaseAdvisoryLockID int64 = 0x64747379

// staleLeaseAfter is how long an unreleased lease survives before a new run
// may reclaim it. Crashed runs never call Release, so reclaim is required.
const staleLeaseAfter = 6 * time.Hour

type LeaseStore struct {
	db  *gorm.DB
	now func() time.Time
}

func NewLeaseStore(db *gorm.DB) *LeaseStore {
	return &LeaseStore{db: db, now: time.Now}
}

// Acquire inserts the lease if no live lease of the same kind overlaps its
// date range. Check and insert run under a transaction-scoped advisory lock
// so two concurrent runs cannot both pass the overlap check.
func (s *LeaseStore) Acquire(ctx context.Context, lease *models.SyncLease) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Exec("SELECT pg_advisory_xact_lock(?)", leaseAdvisoryLockID).Error; err != nil {
			return fmt.Errorf("advisory lock: %w", err)
		}

		cutoff := s.now().Add(-staleLeaseAfter)
		reclaimed := tx.Model(&models.SyncLease{}).
			Where("released_at IS NULL AND acquired_at < ?", cutoff).
			Update("released_at", s.now())
		if reclaimed.Error != nil {
			return fmt.Errorf("reclaim stale leases: %w", reclaimed.Error)
		}
		if reclaimed.RowsAffected > 0 {
			logger.L().Warn("reclaimed stale sync leases",
				zap.Int64("count", reclaimed.RowsAffected),
				zap.Duration("older_than", staleLeaseAfter))
		}

		var active int64
		err := tx.Model(&models.SyncLease{}).
			Where("released_at IS NULL").
			Where("kind = ?", lease.Kind).
			Where("start_date <= ? AND end_date >= ?", lease.EndDate, lease.StartDate).
			Count(&active).Error
		if err != nil {
			return fmt.Errorf("check active leases: %w", err)
		}
		if active > 0 {
			return ErrLeaseHeld
		}

		lease.AcquiredAt = s.now()
		lease.ReleasedAt = nil
		if err := tx.Create(lease).Error; err != nil {
			return fmt.Errorf("insert lease: %w", err)
		}
		return nil
	})
}

// Release marks the run's lease as released. Releasing an already-released
// or unknown lease is a no-op.
func (s *LeaseStore) Release(ctx context.Context, runID string) error {
	now := s.now()
	err := s.db.WithContext(ctx).
		Model(&models.SyncLease{}).
		Where("run_id = ? AND released_at IS NULL", runID).
		Update("released_at", &now).Error
	if err != nil {
		return fmt.Errorf("release lease %s: %w", runID, err)
	}
	return nil
}
