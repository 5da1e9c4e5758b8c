package names

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lhquant/dtsync/models"
)

func date(t *testing.T, s string) time.Time {
	t.Helper()
	d, err := time.Parse("2006-01-02", s)
	require.NoError(t, err)
	return d
}

func TestPlanNewListingOpensEntry(t *testing.T) {
	eff := date(t, "2025-09-01")
	plan := planImport(nil, []SnapshotRow{{Code: "301500", Name: "新上市"}}, eff, "snapshot")

	assert.Equal(t, 1, plan.stats.Opened)
	require.Len(t, plan.inserts, 1)
	assert.Empty(t, plan.closeIDs)
	assert.Equal(t, "301500", plan.inserts[0].Code)
	assert.Equal(t, eff, plan.inserts[0].ValidFrom)
	assert.Equal(t, OpenEnd, plan.inserts[0].ValidTo)
	assert.Equal(t, "snapshot", plan.inserts[0].Source)
}

func TestPlanRenameClosesAndReopens(t *testing.T) {
	open := map[string]models.NameHistory{
		"000001": {ID: 7, Code: "000001", Name: "Old", ValidFrom: date(t, "2020-01-01"), ValidTo: OpenEnd},
	}
	eff := date(t, "2025-09-01")
	plan := planImport(open, []SnapshotRow{{Code: "000001", Name: "New"}}, eff, "snapshot")

	assert.Equal(t, 1, plan.stats.Renamed)
	assert.Equal(t, []uint{7}, plan.closeIDs)
	require.Len(t, plan.inserts, 1)
	assert.Equal(t, "New", plan.inserts[0].Name)
	// The close date and the new valid_from coincide: no gap, no overlap.
	assert.Equal(t, eff, plan.inserts[0].ValidFrom)
	assert.Equal(t, OpenEnd, plan.inserts[0].ValidTo)
}

func TestPlanUnchangedNameIsNoop(t *testing.T) {
	open := map[string]models.NameHistory{
		"000001": {ID: 7, Code: "000001", Name: "平安银行", ValidFrom: date(t, "2020-01-01"), ValidTo: OpenEnd},
	}
	plan := planImport(open, []SnapshotRow{{Code: "000001", Name: "平安银行"}}, date(t, "2025-09-01"), "snapshot")

	assert.Equal(t, 1, plan.stats.Unchanged)
	assert.Empty(t, plan.closeIDs)
	assert.Empty(t, plan.inserts)
	assert.Empty(t, plan.correct)
}

func TestPlanOutOfOrderSnapshotRejected(t *testing.T) {
	open := map[string]models.NameHistory{
		"000001": {ID: 7, Code: "000001", Name: "New", ValidFrom: date(t, "2025-09-01"), ValidTo: OpenEnd},
	}
	plan := planImport(open, []SnapshotRow{{Code: "000001", Name: "Stale"}}, date(t, "2024-01-01"), "snapshot")

	assert.Equal(t, 1, plan.stats.Rejected)
	assert.Empty(t, plan.closeIDs)
	assert.Empty(t, plan.inserts)
}

func TestPlanSameDayDifferentNameCorrectsInPlace(t *testing.T) {
	open := map[string]models.NameHistory{
		"000001": {ID: 7, Code: "000001", Name: "Typo", ValidFrom: date(t, "2025-09-01"), ValidTo: OpenEnd},
	}
	plan := planImport(open, []SnapshotRow{{Code: "000001", Name: "Fixed"}}, date(t, "2025-09-01"), "snapshot")

	assert.Equal(t, 1, plan.stats.Corrected)
	require.Len(t, plan.correct, 1)
	assert.Equal(t, uint(7), plan.correct[0].ID)
	assert.Equal(t, "Fixed", plan.correct[0].Name)
	assert.Empty(t, plan.inserts)
}

func TestPlanDuplicateCodeLastObservationWins(t *testing.T) {
	plan := planImport(nil, []SnapshotRow{
		{Code: "000001", Name: "First"},
		{Code: "000001", Name: "Second"},
	}, date(t, "2025-09-01"), "snapshot")

	assert.Equal(t, 1, plan.stats.Opened)
	require.Len(t, plan.inserts, 1)
	assert.Equal(t, "Second", plan.inserts[0].Name)
}

func TestPlanBlankRowsRejected(t *testing.T) {
	plan := planImport(nil, []SnapshotRow{
		{Code: "", Name: "孤名"},
		{Code: "000001", Name: ""},
		{Code: "000002", Name: "好名"},
	}, date(t, "2025-09-01"), "snapshot")

	assert.Equal(t, 2, plan.stats.Rejected)
	assert.Equal(t, 1, plan.stats.Opened)
}

func TestParseSnapshotCSV(t *testing.T) {
	in := strings.NewReader("code,name\n000001, 平安银行\n600519,贵州茅台\nmalformed\n000858,五粮液\n")

	rows, err := ParseSnapshotCSV(in)
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, SnapshotRow{Code: "000001", Name: "平安银行"}, rows[0])
	assert.Equal(t, SnapshotRow{Code: "600519", Name: "贵州茅台"}, rows[1])
	assert.Equal(t, SnapshotRow{Code: "000858", Name: "五粮液"}, rows[2])
}

func TestParseSnapshotCSVWithoutHeader(t *testing.T) {
	in := strings.NewReader("000001,平安银行\n")

	rows, err := ParseSnapshotCSV(in)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "000001", rows[0].Code)
}
