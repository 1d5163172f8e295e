package model

import (
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/width"
)

// CustomerRecommendation is one row of a customer's top-N product list.
type CustomerRecommendation struct {
	CustomerID      string    `json:"customer_id"`
	ProductID       string    `json:"product_id"`
	Rank            int       `json:"rank"`
	BaseSimilarity  float64   `json:"base_similarity"`
	PriceMatchScore float64   `json:"price_match_score"`
	FinalScore      float64   `json:"final_score"`
	Category        string    `json:"category"`
	Subcategory     string    `json:"subcategory"`
	Specification   string    `json:"specification"`
	ProcessType     string    `json:"process_type"`
	ProductAvgPrice float64   `json:"product_avg_price"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// ProductRecommendation is one row of a product's top-N customer list.
type ProductRecommendation struct {
	ProductID       string    `json:"product_id"`
	CustomerID      string    `json:"customer_id"`
	Rank            int       `json:"rank"`
	BaseSimilarity  float64   `json:"base_similarity"`
	PriceMatchScore float64   `json:"price_match_score"`
	FinalScore      float64   `json:"final_score"`
	Category        string    `json:"category"`
	Subcategory     string    `json:"subcategory"`
	Specification   string    `json:"specification"`
	ProcessType     string    `json:"process_type"`
	ProductAvgPrice float64   `json:"product_avg_price"`
	GeneratedAt     time.Time `json:"generated_at"`
}

// NormalizeAttr folds full-width characters to their narrow forms, case-folds, and trims
// an attribute value so that "ＡＢＣ" and "abc " compare equal. A Caser is stateful, so one
// is created per call.
func NormalizeAttr(s string) string {
	return strings.TrimSpace(cases.Fold().String(width.Fold.String(s)))
}
