// Package names maintains the display-name history of listed codes as SCD
// Type-2 rows: renames close the current interval and open a new one, so a
// code's identity stays resolvable for any past date.
package names

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/lhquant/dtsync/calendar"
	"github.com/lhquant/dtsync/logger"
	"github.com/lhquant/dtsync/models"
)

// OpenEnd is the valid_to sentinel marking a code's current name.
var OpenEnd = time.Date(9999, 12, 31, 0, 0, 0, 0, time.UTC)

// ErrNoName means no recorded interval contains the requested date.
var ErrNoName = errors.New("no name recorded for date")

const insertChunkSize = 500

type Manager struct {
	db *gorm.DB
}

func NewManager(db *gorm.DB) *Manager {
	return &Manager{db: db}
}

// SnapshotRow is one code→name observation from a snapshot import.
type SnapshotRow struct {
	Code string
	Name string
}

type ImportStats struct {
	Opened    int
	Renamed   int
	Corrected int
	Unchanged int
	Rejected  int
}

func (s ImportStats) Changed() int { return s.Opened + s.Renamed + s.Corrected }

type action int

const (
	actionOpen action = iota
	actionRename
	actionCorrect
	actionUnchanged
	actionReject
)

// classify decides the transition for one observation against the code's
// open entry (nil when the code is unknown). An effective date on the open
// entry's own valid_from is a same-day correction; an earlier one is
// out of order and rejected, since closing there would corrupt the interval.
func classify(open *models.NameHistory, name string, effective time.Time) action {
	if open == nil {
		return actionOpen
	}
	if open.Name == name {
		return actionUnchanged
	}
	switch {
	case effective.After(open.ValidFrom):
		return actionRename
	case effective.Equal(open.ValidFrom):
		return actionCorrect
	default:
		return actionReject
	}
}

type importPlan struct {
	closeIDs []uint
	correct  []models.NameHistory
	inserts  []models.NameHistory
	stats    ImportStats
}

// planImport turns a snapshot into the row operations to apply. Duplicate
// codes in the snapshot collapse to the last observation; blank codes or
// names are rejected.
func planImport(open map[string]models.NameHistory, rows []SnapshotRow, effective time.Time, source string) importPlan {
	var plan importPlan

	byCode := make(map[string]string, len(rows))
	var order []string
	for _, r := range rows {
		code := strings.TrimSpace(r.Code)
		name := strings.TrimSpace(r.Name)
		if code == "" || name == "" {
			plan.stats.Rejected++
			continue
		}
		if _, seen := byCode[code]; !seen {
			order = append(order, code)
		}
		byCode[code] = name
	}

	for _, code := range order {
		name := byCode[code]
		var cur *models.NameHistory
		if e, ok := open[code]; ok {
			cur = &e
		}
		switch classify(cur, name, effective) {
		case actionOpen:
			plan.inserts = append(plan.inserts, models.NameHistory{
				Code: code, Name: name, ValidFrom: effective, ValidTo: OpenEnd, Source: source,
			})
			plan.stats.Opened++
		case actionUnchanged:
			plan.stats.Unchanged++
		case actionRename:
			plan.closeIDs = append(plan.closeIDs, cur.ID)
			plan.inserts = append(plan.inserts, models.NameHistory{
				Code: code, Name: name, ValidFrom: effective, ValidTo: OpenEnd, Source: source,
			})
			plan.stats.Renamed++
		case actionCorrect:
			plan.correct = append(plan.correct, models.NameHistory{ID: cur.ID, Name: name})
			plan.stats.Corrected++
		case actionReject:
			logger.L().Warn("snapshot predates current name interval, skipped",
				zap.String("code", code),
				zap.Time("effective", effective),
				zap.Time("open_from", cur.ValidFrom))
			plan.stats.Rejected++
		}
	}
	return plan
}

// ImportSnapshot applies one snapshot with the given effective date. Close
// and insert happen in a single transaction, so a crash can never leave a
// code with zero or two open entries.
func (m *Manager) ImportSnapshot(ctx context.Context, effective time.Time, rows []SnapshotRow, source string) (ImportStats, error) {
	day := calendar.Day(effective)
	if source == "" {
		source = "snapshot"
	}

	var stats ImportStats
	err := m.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		codes := make([]string, 0, len(rows))
		for _, r := range rows {
			if c := strings.TrimSpace(r.Code); c != "" {
				codes = append(codes, c)
			}
		}
		openBy := make(map[string]models.NameHistory, len(codes))
		if len(codes) > 0 {
			var open []models.NameHistory
			if err := tx.Where("code IN ? AND valid_to = ?", codes, OpenEnd).Find(&open).Error; err != nil {
				return fmt.Errorf("load open entries: %w", err)
			}
			for _, e := range open {
				openBy[e.Code] = e
			}
		}

		plan := planImport(openBy, rows, day, source)
		stats = plan.stats

		if len(plan.closeIDs) > 0 {
			err := tx.Model(&models.NameHistory{}).
				Where("id IN ?", plan.closeIDs).
				Update("valid_to", day).Error
			if err != nil {
				return fmt.Errorf("close superseded entries: %w", err)
			}
		}
		for _, c := range plan.correct {
			err := tx.Model(&models.NameHistory{}).
				Where("id = ?", c.ID).
				Update("name", c.Name).Error
			if err != nil {
				return fmt.Errorf("correct same-day entry: %w", err)
			}
		}
		if len(plan.inserts) > 0 {
			if err := tx.CreateInBatches(plan.inserts, insertChunkSize).Error; err != nil {
				return fmt.Errorf("insert open entries: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return ImportStats{}, err
	}

	logger.L().Info("name snapshot imported",
		zap.Time("effective", day),
		zap.Int("opened", stats.Opened),
		zap.Int("renamed", stats.Renamed),
		zap.Int("corrected", stats.Corrected),
		zap.Int("unchanged", stats.Unchanged),
		zap.Int("rejected", stats.Rejected))
	return stats, nil
}

// NameAt resolves the name whose [valid_from, valid_to) interval contains
// date. Dates outside every interval return ErrNoName.
func (m *Manager) NameAt(ctx context.Context, code string, date time.Time) (string, error) {
	day := calendar.Day(date)
	var entry models.NameHistory
	err := m.db.WithContext(ctx).
		Where("code = ? AND valid_from <= ? AND valid_to > ?", code, day, day).
		Order("valid_from DESC").
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%s on %s: %w", code, day.Format("2006-01-02"), ErrNoName)
	}
	if err != nil {
		return "", fmt.Errorf("resolve name: %w", err)
	}
	return entry.Name, nil
}

// CurrentName resolves the code's open entry.
func (m *Manager) CurrentName(ctx context.Context, code string) (string, error) {
	var entry models.NameHistory
	err := m.db.WithContext(ctx).
		Where("code = ? AND valid_to = ?", code, OpenEnd).
		First(&entry).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", fmt.Errorf("%s: %w", code, ErrNoName)
	}
	if err != nil {
		return "", fmt.Errorf("resolve current name: %w", err)
	}
	return entry.Name, nil
}

// History returns a code's intervals oldest-first.
func (m *Manager) History(ctx context.Context, code string) ([]models.NameHistory, error) {
	var entries []models.NameHistory
	err := m.db.WithContext(ctx).
		Where("code = ?", code).
		Order("valid_from ASC").
		Find(&entries).Error
	if err != nil {
		return nil, fmt.Errorf("load name history: %w", err)
	}
	return entries, nil
}
