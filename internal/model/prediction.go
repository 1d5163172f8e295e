package model

import (
	"time"
)

// PredictionStatus is the lifecycle state of a prediction row.
type PredictionStatus string

const (
	PredictionActive    PredictionStatus = "active"
	PredictionFulfilled PredictionStatus = "fulfilled"
	PredictionCancelled PredictionStatus = "cancelled"
	PredictionExpired   PredictionStatus = "expired"
)

// ConfidenceLevel tags a prediction by its probability band.
type ConfidenceLevel string

const (
	ConfidenceHigh   ConfidenceLevel = "high"
	ConfidenceMedium ConfidenceLevel = "medium"
)

// Prediction is one row of purchase_predictions.
// Key: (CustomerID, ProductID, PredictionDate).
type Prediction struct {
	CustomerID           string           `json:"customer_id"`
	ProductID            string           `json:"product_id"`
	PredictionDate       time.Time        `json:"prediction_date"`
	PurchaseProbability  float64          `json:"purchase_probability"`
	EstimatedQuantity    int              `json:"estimated_quantity"`
	ConfidenceLevel      ConfidenceLevel  `json:"confidence_level"`
	WillPurchaseAnything bool             `json:"will_purchase_anything"`
	OriginalSegment      string           `json:"original_segment"`
	BatchID              string           `json:"prediction_batch_id"`
	Status               PredictionStatus `json:"prediction_status"`
	CreatedAt            time.Time        `json:"created_at"`
	UpdatedAt            time.Time        `json:"updated_at"`
}

// Pair returns the (customer, product) key of the prediction.
func (p Prediction) Pair() Pair {
	return Pair{CustomerID: p.CustomerID, ProductID: p.ProductID}
}

// StatusChange moves one existing prediction row to a terminal status.
type StatusChange struct {
	CustomerID     string           `json:"customer_id"`
	ProductID      string           `json:"product_id"`
	PredictionDate time.Time        `json:"prediction_date"`
	Status         PredictionStatus `json:"prediction_status"`
}
