package ingest

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComplementFindsMissingCells(t *testing.T) {
	days := []time.Time{day(t, "2025-09-01"), day(t, "2025-09-02"), day(t, "2025-09-03")}
	have := map[string]struct{}{
		gapKey("600000", days[0]): {},
		gapKey("600000", days[2]): {},
	}

	gaps := complement([]string{"600000"}, days, have)
	require.Len(t, gaps, 1)
	assert.Equal(t, "600000", gaps[0].Code)
	assert.Equal(t, day(t, "2025-09-02"), gaps[0].Date)
}

func TestComplementOrdersDateMajorThenCode(t *testing.T) {
	days := []time.Time{day(t, "2025-09-01"), day(t, "2025-09-02")}

	gaps := complement([]string{"600519", "000001"}, days, nil)
	require.Len(t, gaps, 4)
	assert.Equal(t, Gap{Code: "000001", Date: days[0]}, gaps[0])
	assert.Equal(t, Gap{Code: "600519", Date: days[0]}, gaps[1])
	assert.Equal(t, Gap{Code: "000001", Date: days[1]}, gaps[2])
	assert.Equal(t, Gap{Code: "600519", Date: days[1]}, gaps[3])
}

func TestComplementFullCoverageYieldsNothing(t *testing.T) {
	days := []time.Time{day(t, "2025-09-01")}
	have := map[string]struct{}{gapKey("600000", days[0]): {}}

	assert.Empty(t, complement([]string{"600000"}, days, have))
}

func TestPlanQuoteBatchesChunksWithinDay(t *testing.T) {
	d1 := day(t, "2025-09-01")
	var gaps []Gap
	for i := 0; i < 45; i++ {
		gaps = append(gaps, Gap{Code: fmt.Sprintf("6000%02d", i), Date: d1})
	}

	batches := planQuoteBatches(gaps, 20)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0].Codes, 20)
	assert.Len(t, batches[1].Codes, 20)
	assert.Len(t, batches[2].Codes, 5)
	for _, b := range batches {
		assert.Equal(t, BatchQuote, b.Kind)
		assert.Equal(t, d1, b.Date)
	}
}

func TestPlanQuoteBatchesNeverMixesDays(t *testing.T) {
	d1, d2 := day(t, "2025-09-01"), day(t, "2025-09-02")
	gaps := []Gap{
		{Code: "000001", Date: d1},
		{Code: "000002", Date: d1},
		{Code: "000001", Date: d2},
	}

	batches := planQuoteBatches(gaps, 20)
	require.Len(t, batches, 2)
	assert.Equal(t, d1, batches[0].Date)
	assert.Equal(t, []string{"000001", "000002"}, batches[0].Codes)
	assert.Equal(t, d2, batches[1].Date)
	assert.Equal(t, []string{"000001"}, batches[1].Codes)
}

func TestMergePlanRunsQuotesBeforeEventsPerDay(t *testing.T) {
	d1, d2 := day(t, "2025-09-01"), day(t, "2025-09-02")
	quotes := []Batch{
		{Kind: BatchQuote, Date: d1, Codes: []string{"000001"}},
		{Kind: BatchQuote, Date: d1, Codes: []string{"000002"}},
		{Kind: BatchQuote, Date: d2, Codes: []string{"000001"}},
	}
	events := []Batch{
		{Kind: BatchEvent, Date: d1},
		{Kind: BatchEvent, Date: d2},
	}

	plan := mergePlan(quotes, events)
	require.Len(t, plan, 5)
	assert.Equal(t, []string{BatchQuote, BatchQuote, BatchEvent, BatchQuote, BatchEvent},
		[]string{plan[0].Kind, plan[1].Kind, plan[2].Kind, plan[3].Kind, plan[4].Kind})
	assert.Equal(t, []string{"000001"}, plan[0].Codes)
	assert.Equal(t, []string{"000002"}, plan[1].Codes)
	assert.Equal(t, d2, plan[3].Date)
}

func TestBatchCells(t *testing.T) {
	assert.Equal(t, 3, Batch{Kind: BatchQuote, Codes: []string{"a", "b", "c"}}.Cells())
	assert.Equal(t, 1, Batch{Kind: BatchEvent}.Cells())
}
