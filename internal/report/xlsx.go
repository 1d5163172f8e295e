// Package report exports predictions and recommendations to spreadsheets for the
// operations team.
package report

import (
	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"

	"github.com/sells-group/purchase-forecast/internal/model"
)

const (
	SheetPredictions = "predictions"
	SheetByCustomer  = "by_customer"
	SheetByProduct   = "by_product"

	dateLayout = "2006-01-02"
	timeLayout = "2006-01-02 15:04:05"
)

var predictionHeader = []string{
	"customer_id", "product_id", "prediction_date", "purchase_probability", "estimated_quantity",
	"confidence_level", "reason", "prediction_batch_id", "prediction_status", "updated_at",
}

var recommendationHeader = []string{
	"rank", "customer_id", "product_id", "final_score", "base_similarity", "price_match_score",
	"category", "subcategory", "specification", "process_type", "product_avg_price", "generated_at",
}

// WritePredictions saves preds to a one-sheet workbook at path.
func WritePredictions(path string, preds []model.Prediction) error {
	f := xlsx.NewFile()
	sh, err := newSheet(f, SheetPredictions, predictionHeader)
	if err != nil {
		return err
	}
	for _, p := range preds {
		r := sh.AddRow()
		str(r, p.CustomerID)
		str(r, p.ProductID)
		str(r, p.PredictionDate.Format(dateLayout))
		r.AddCell().SetFloat(p.PurchaseProbability)
		r.AddCell().SetInt(p.EstimatedQuantity)
		str(r, string(p.ConfidenceLevel))
		str(r, p.OriginalSegment)
		str(r, p.BatchID)
		str(r, string(p.Status))
		str(r, p.UpdatedAt.UTC().Format(timeLayout))
	}
	return save(f, path)
}

// WriteRecommendations saves both recommendation lists to a two-sheet workbook at path.
func WriteRecommendations(path string, customer []model.CustomerRecommendation, product []model.ProductRecommendation) error {
	f := xlsx.NewFile()
	cs, err := newSheet(f, SheetByCustomer, recommendationHeader)
	if err != nil {
		return err
	}
	for _, c := range customer {
		recommendationRow(cs.AddRow(), c.Rank, c.CustomerID, c.ProductID, c.FinalScore, c.BaseSimilarity,
			c.PriceMatchScore, []string{c.Category, c.Subcategory, c.Specification, c.ProcessType},
			c.ProductAvgPrice, c.GeneratedAt.UTC().Format(timeLayout))
	}

	// by_product leads with the product so the sheet sorts naturally by it.
	header := append([]string{}, recommendationHeader...)
	header[1], header[2] = header[2], header[1]
	ps, err := newSheet(f, SheetByProduct, header)
	if err != nil {
		return err
	}
	for _, p := range product {
		recommendationRow(ps.AddRow(), p.Rank, p.ProductID, p.CustomerID, p.FinalScore, p.BaseSimilarity,
			p.PriceMatchScore, []string{p.Category, p.Subcategory, p.Specification, p.ProcessType},
			p.ProductAvgPrice, p.GeneratedAt.UTC().Format(timeLayout))
	}
	return save(f, path)
}

func recommendationRow(r *xlsx.Row, rank int, first, second string, final, base, price float64, attrs []string, avg float64, generated string) {
	r.AddCell().SetInt(rank)
	str(r, first)
	str(r, second)
	r.AddCell().SetFloat(final)
	r.AddCell().SetFloat(base)
	r.AddCell().SetFloat(price)
	for _, a := range attrs {
		str(r, a)
	}
	r.AddCell().SetFloat(avg)
	str(r, generated)
}

func newSheet(f *xlsx.File, name string, header []string) (*xlsx.Sheet, error) {
	sh, err := f.AddSheet(name)
	if err != nil {
		return nil, eris.Wrapf(err, "report: add sheet %s", name)
	}
	r := sh.AddRow()
	for _, h := range header {
		str(r, h)
	}
	return sh, nil
}

func str(r *xlsx.Row, s string) {
	r.AddCell().SetString(s)
}

func save(f *xlsx.File, path string) error {
	if err := f.Save(path); err != nil {
		return eris.Wrapf(err, "report: save %s", path)
	}
	return nil
}
