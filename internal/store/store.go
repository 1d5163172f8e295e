// Package store persists and loads the forecasting data: admissible transactions, the
// product master, predictions, and recommendation snapshots.
package store

import (
	"context"
	"time"

	"github.com/sells-group/purchase-forecast/internal/model"
)

// TransactionReader loads admissible history. Both Postgres and the offline SQLite
// source implement it.
type TransactionReader interface {
	// LoadTransactions returns admissible transactions with from <= date < to, ordered by
	// date. A zero to leaves the range open-ended.
	LoadTransactions(ctx context.Context, from, to time.Time) ([]model.Transaction, error)
	// LoadProducts returns the active product master rows.
	LoadProducts(ctx context.Context) ([]model.Product, error)
}

// PredictionBatch is everything one prediction pass writes.
type PredictionBatch struct {
	BatchID     string
	At          time.Time
	Changes     []model.StatusChange
	Predictions []model.Prediction
}

// BatchResult reports what a committed batch touched.
type BatchResult struct {
	StatusChanged int64
	Upserted      int64
}

// PredictionStore is the persistence surface of the prediction service.
type PredictionStore interface {
	TransactionReader
	LoadActivePredictions(ctx context.Context) ([]model.Prediction, error)
	// LoadFrozenPredictions returns rows no longer active dated from..to inclusive.
	LoadFrozenPredictions(ctx context.Context, from, to time.Time) ([]model.Prediction, error)
	// SavePredictionBatch applies status changes and the guarded upsert in one
	// transaction. Any failure rolls back the whole batch.
	SavePredictionBatch(ctx context.Context, batch PredictionBatch) (BatchResult, error)
}

// RecommendationStore is the persistence surface of the recommender.
type RecommendationStore interface {
	TransactionReader
	ReplaceRecommendations(ctx context.Context, customer []model.CustomerRecommendation, product []model.ProductRecommendation) error
}
