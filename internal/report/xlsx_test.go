package report

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/model"
)

func readSheet(t *testing.T, path, name string) [][]string {
	t.Helper()
	f, err := xlsx.OpenFile(path)
	require.NoError(t, err)
	sh, ok := f.Sheet[name]
	require.True(t, ok, "sheet %s missing", name)
	var out [][]string
	for _, row := range sh.Rows {
		var cells []string
		for _, c := range row.Cells {
			cells = append(cells, c.String())
		}
		out = append(out, cells)
	}
	return out
}

func TestWritePredictions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "predictions.xlsx")
	preds := []model.Prediction{{
		CustomerID:          "c1",
		ProductID:           "p1",
		PredictionDate:      clock.Date(2025, 8, 4),
		PurchaseProbability: 0.9,
		EstimatedQuantity:   3,
		ConfidenceLevel:     model.ConfidenceHigh,
		OriginalSegment:     "Best day within 14-day window (interval 30d)",
		BatchID:             "batch_20250801_010000_abcd1234",
		Status:              model.PredictionActive,
		UpdatedAt:           time.Date(2025, 8, 1, 1, 0, 0, 0, time.UTC),
	}}
	require.NoError(t, WritePredictions(path, preds))

	rows := readSheet(t, path, SheetPredictions)
	require.Len(t, rows, 2)
	assert.Equal(t, predictionHeader, rows[0])
	assert.Equal(t, "c1", rows[1][0])
	assert.Equal(t, "2025-08-04", rows[1][2])
	assert.Equal(t, "3", rows[1][4])
	assert.Equal(t, "high", rows[1][5])
	assert.Equal(t, "active", rows[1][8])
	assert.Equal(t, "2025-08-01 01:00:00", rows[1][9])
}

func TestWritePredictions_EmptyHasHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.xlsx")
	require.NoError(t, WritePredictions(path, nil))
	rows := readSheet(t, path, SheetPredictions)
	require.Len(t, rows, 1)
}

func TestWriteRecommendations(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recs.xlsx")
	gen := time.Date(2025, 8, 1, 2, 0, 0, 0, time.UTC)
	cust := []model.CustomerRecommendation{
		{CustomerID: "c1", ProductID: "p2", Rank: 1, FinalScore: 0.8, Category: "meat", Subcategory: "beef", GeneratedAt: gen},
		{CustomerID: "c1", ProductID: "p3", Rank: 2, FinalScore: 0.7, Category: "meat", Subcategory: "pork", GeneratedAt: gen},
	}
	prod := []model.ProductRecommendation{
		{ProductID: "p2", CustomerID: "c9", Rank: 1, FinalScore: 0.6, Category: "meat", GeneratedAt: gen},
	}
	require.NoError(t, WriteRecommendations(path, cust, prod))

	byCustomer := readSheet(t, path, SheetByCustomer)
	require.Len(t, byCustomer, 3)
	assert.Equal(t, "customer_id", byCustomer[0][1])
	assert.Equal(t, []string{"1", "c1", "p2"}, byCustomer[1][:3])
	assert.Equal(t, "beef", byCustomer[1][7])

	byProduct := readSheet(t, path, SheetByProduct)
	require.Len(t, byProduct, 2)
	assert.Equal(t, "product_id", byProduct[0][1])
	assert.Equal(t, "customer_id", byProduct[0][2])
	assert.Equal(t, []string{"1", "p2", "c9"}, byProduct[1][:3])
	assert.Equal(t, "customer_id", recommendationHeader[1], "shared header must not be mutated")
}

func TestWrite_BadPath(t *testing.T) {
	err := WritePredictions(filepath.Join(t.TempDir(), "missing", "x.xlsx"), nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "report: save")
}
