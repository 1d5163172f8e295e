package store

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/db"
	"github.com/sells-group/purchase-forecast/internal/model"
)

const (
	predictionsTable      = "purchase_predictions"
	customerRecsTable     = "customer_product_recommendations"
	productRecsTable      = "product_customer_recommendations"
	activePredictionGuard = "purchase_predictions.prediction_status = 'active'"
)

var predictionColumns = []string{
	"customer_id", "product_id", "prediction_date", "purchase_probability",
	"estimated_quantity", "confidence_level", "will_purchase_anything", "original_segment",
	"prediction_batch_id", "prediction_status", "created_at", "updated_at",
}

var predictionConflictKeys = []string{"customer_id", "product_id", "prediction_date"}

// created_at is kept from the first insert.
var predictionUpdateColumns = []string{
	"purchase_probability", "estimated_quantity", "confidence_level", "will_purchase_anything",
	"original_segment", "prediction_batch_id", "prediction_status", "updated_at",
}

var recommendationColumns = []string{
	"rank", "base_similarity", "price_match_score", "final_score",
	"category", "subcategory", "specification", "process_type", "product_avg_price", "generated_at",
}

// PostgresStore implements PredictionStore and RecommendationStore using pgx.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// NewPostgres connects a pool and wraps it in a PostgresStore.
func NewPostgres(ctx context.Context, connString string, poolCfg db.PoolConfig) (*PostgresStore, error) {
	pool, err := db.Connect(ctx, connString, poolCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: connect")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// NewPostgresFromPool wraps an existing pool. The caller owns the pool's lifecycle.
func NewPostgresFromPool(pool db.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Pool returns the underlying database pool for subsystems that need direct query
// access (migrations, the health monitor).
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

// Close releases the pool if this store created it.
func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

const loadTransactionsSQL = `SELECT t.customer_id, t.product_id, t.transaction_date, t.quantity::int, t.amount::float8
FROM transactions t
WHERE t.document_type = 'sale'
  AND t.is_active = 'active'
  AND t.quantity > 0
  AND t.transaction_date >= $1
  AND ($2::date IS NULL OR t.transaction_date < $2::date)
  AND EXISTS (
    SELECT 1 FROM product_master pm
    WHERE pm.product_id = t.product_id AND pm.is_active = 'active'
  )
ORDER BY t.transaction_date, t.customer_id, t.product_id`

// LoadTransactions implements TransactionReader.
func (s *PostgresStore) LoadTransactions(ctx context.Context, from, to time.Time) ([]model.Transaction, error) {
	var upper any
	if !to.IsZero() {
		upper = to
	}

	rows, err := s.pool.Query(ctx, loadTransactionsSQL, from, upper)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load transactions")
	}
	defer rows.Close()

	var out []model.Transaction
	for rows.Next() {
		var t model.Transaction
		if err := rows.Scan(&t.CustomerID, &t.ProductID, &t.Date, &t.Quantity, &t.Amount); err != nil {
			return nil, eris.Wrap(err, "postgres: scan transaction")
		}
		t.Date = clock.Day(t.Date)
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate transactions")
	}
	return out, nil
}

const loadProductsSQL = `SELECT product_id, warehouse_id,
  COALESCE(category, ''), COALESCE(subcategory, ''), COALESCE(specification, ''), COALESCE(process_type, ''),
  is_active
FROM product_master
WHERE is_active = 'active'
ORDER BY product_id, warehouse_id`

// LoadProducts implements TransactionReader.
func (s *PostgresStore) LoadProducts(ctx context.Context) ([]model.Product, error) {
	rows, err := s.pool.Query(ctx, loadProductsSQL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: load products")
	}
	defer rows.Close()

	var out []model.Product
	for rows.Next() {
		var p model.Product
		if err := rows.Scan(&p.ProductID, &p.WarehouseID, &p.Category, &p.Subcategory,
			&p.Specification, &p.ProcessType, &p.IsActive); err != nil {
			return nil, eris.Wrap(err, "postgres: scan product")
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate products")
	}
	return out, nil
}

const selectPredictionsSQL = `SELECT customer_id, product_id, prediction_date, purchase_probability,
  estimated_quantity, confidence_level, will_purchase_anything, original_segment,
  prediction_batch_id, prediction_status, created_at, updated_at
FROM purchase_predictions`

// LoadActivePredictions returns every row still in the active state, regardless of date.
func (s *PostgresStore) LoadActivePredictions(ctx context.Context) ([]model.Prediction, error) {
	return s.queryPredictions(ctx,
		selectPredictionsSQL+" WHERE prediction_status = 'active' ORDER BY customer_id, product_id, prediction_date")
}

// LoadFrozenPredictions returns fulfilled, cancelled and expired rows dated from..to
// inclusive. The upsert guard never rewrites them, so their dates cannot be predicted again.
func (s *PostgresStore) LoadFrozenPredictions(ctx context.Context, from, to time.Time) ([]model.Prediction, error) {
	return s.queryPredictions(ctx,
		selectPredictionsSQL+" WHERE prediction_status <> 'active' AND prediction_date BETWEEN $1 AND $2 ORDER BY customer_id, product_id, prediction_date",
		clock.Day(from), clock.Day(to))
}

// ListPredictions returns active predictions dated on or after from, for export.
func (s *PostgresStore) ListPredictions(ctx context.Context, from time.Time) ([]model.Prediction, error) {
	return s.queryPredictions(ctx,
		selectPredictionsSQL+" WHERE prediction_status = 'active' AND prediction_date >= $1 ORDER BY prediction_date, purchase_probability DESC, customer_id, product_id",
		from)
}

func (s *PostgresStore) queryPredictions(ctx context.Context, sql string, args ...any) ([]model.Prediction, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: query predictions")
	}
	defer rows.Close()

	var out []model.Prediction
	for rows.Next() {
		var (
			p                  model.Prediction
			confidence, status string
		)
		if err := rows.Scan(&p.CustomerID, &p.ProductID, &p.PredictionDate, &p.PurchaseProbability,
			&p.EstimatedQuantity, &confidence, &p.WillPurchaseAnything, &p.OriginalSegment,
			&p.BatchID, &status, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan prediction")
		}
		p.PredictionDate = clock.Day(p.PredictionDate)
		p.ConfidenceLevel = model.ConfidenceLevel(confidence)
		p.Status = model.PredictionStatus(status)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate predictions")
	}
	return out, nil
}

const applyStatusChangesSQL = `UPDATE purchase_predictions p
SET prediction_status = c.status, updated_at = $1
FROM unnest($2::text[], $3::text[], $4::date[], $5::text[]) AS c(customer_id, product_id, prediction_date, status)
WHERE p.customer_id = c.customer_id
  AND p.product_id = c.product_id
  AND p.prediction_date = c.prediction_date
  AND p.prediction_status = 'active'`

// SavePredictionBatch implements PredictionStore.
func (s *PostgresStore) SavePredictionBatch(ctx context.Context, batch PredictionBatch) (BatchResult, error) {
	var res BatchResult
	if len(batch.Changes) == 0 && len(batch.Predictions) == 0 {
		return res, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, eris.Wrap(err, "postgres: begin prediction batch")
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	at := batch.At.UTC()

	if len(batch.Changes) > 0 {
		n := len(batch.Changes)
		customers := make([]string, n)
		products := make([]string, n)
		dates := make([]time.Time, n)
		statuses := make([]string, n)
		for i, c := range batch.Changes {
			customers[i] = c.CustomerID
			products[i] = c.ProductID
			dates[i] = c.PredictionDate
			statuses[i] = string(c.Status)
		}
		tag, err := tx.Exec(ctx, applyStatusChangesSQL, at, customers, products, dates, statuses)
		if err != nil {
			return BatchResult{}, eris.Wrapf(err, "postgres: apply status changes for batch %s", batch.BatchID)
		}
		res.StatusChanged = tag.RowsAffected()
	}

	if len(batch.Predictions) > 0 {
		rows := make([][]any, len(batch.Predictions))
		for i, p := range batch.Predictions {
			rows[i] = []any{
				p.CustomerID, p.ProductID, p.PredictionDate, p.PurchaseProbability,
				p.EstimatedQuantity, string(p.ConfidenceLevel), p.WillPurchaseAnything, p.OriginalSegment,
				batch.BatchID, string(model.PredictionActive), at, at,
			}
		}
		n, err := db.BulkUpsert(ctx, tx, db.UpsertConfig{
			Table:        predictionsTable,
			Columns:      predictionColumns,
			ConflictKeys: predictionConflictKeys,
			UpdateCols:   predictionUpdateColumns,
			UpdateWhere:  activePredictionGuard,
		}, rows)
		if err != nil {
			return BatchResult{}, eris.Wrapf(err, "postgres: upsert predictions for batch %s", batch.BatchID)
		}
		res.Upserted = n
	}

	if err := tx.Commit(ctx); err != nil {
		return BatchResult{}, eris.Wrapf(err, "postgres: commit batch %s", batch.BatchID)
	}
	return res, nil
}

// ReplaceRecommendations implements RecommendationStore: both snapshot tables are
// truncated and reloaded in one transaction.
func (s *PostgresStore) ReplaceRecommendations(ctx context.Context, customer []model.CustomerRecommendation, product []model.ProductRecommendation) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return eris.Wrap(err, "postgres: begin recommendations")
	}
	defer tx.Rollback(context.WithoutCancel(ctx)) //nolint:errcheck

	if _, err := tx.Exec(ctx, "TRUNCATE "+customerRecsTable+", "+productRecsTable); err != nil {
		return eris.Wrap(err, "postgres: truncate recommendations")
	}

	customerRows := make([][]any, len(customer))
	for i, r := range customer {
		customerRows[i] = []any{
			r.CustomerID, r.ProductID, r.Rank, r.BaseSimilarity, r.PriceMatchScore, r.FinalScore,
			r.Category, r.Subcategory, r.Specification, r.ProcessType, r.ProductAvgPrice, r.GeneratedAt.UTC(),
		}
	}
	cols := append([]string{"customer_id", "product_id"}, recommendationColumns...)
	if _, err := db.CopyFrom(ctx, tx, customerRecsTable, cols, customerRows); err != nil {
		return eris.Wrap(err, "postgres: load customer recommendations")
	}

	productRows := make([][]any, len(product))
	for i, r := range product {
		productRows[i] = []any{
			r.ProductID, r.CustomerID, r.Rank, r.BaseSimilarity, r.PriceMatchScore, r.FinalScore,
			r.Category, r.Subcategory, r.Specification, r.ProcessType, r.ProductAvgPrice, r.GeneratedAt.UTC(),
		}
	}
	cols = append([]string{"product_id", "customer_id"}, recommendationColumns...)
	if _, err := db.CopyFrom(ctx, tx, productRecsTable, cols, productRows); err != nil {
		return eris.Wrap(err, "postgres: load product recommendations")
	}

	if err := tx.Commit(ctx); err != nil {
		return eris.Wrap(err, "postgres: commit recommendations")
	}
	return nil
}

const listCustomerRecsSQL = `SELECT customer_id, product_id, rank, base_similarity, price_match_score, final_score,
  category, subcategory, specification, process_type, product_avg_price, generated_at
FROM customer_product_recommendations
ORDER BY customer_id, rank`

// ListCustomerRecommendations returns the current per-customer snapshot, for export.
func (s *PostgresStore) ListCustomerRecommendations(ctx context.Context) ([]model.CustomerRecommendation, error) {
	rows, err := s.pool.Query(ctx, listCustomerRecsSQL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list customer recommendations")
	}
	defer rows.Close()

	var out []model.CustomerRecommendation
	for rows.Next() {
		var r model.CustomerRecommendation
		if err := rows.Scan(&r.CustomerID, &r.ProductID, &r.Rank, &r.BaseSimilarity, &r.PriceMatchScore,
			&r.FinalScore, &r.Category, &r.Subcategory, &r.Specification, &r.ProcessType,
			&r.ProductAvgPrice, &r.GeneratedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan customer recommendation")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate customer recommendations")
	}
	return out, nil
}

const listProductRecsSQL = `SELECT product_id, customer_id, rank, base_similarity, price_match_score, final_score,
  category, subcategory, specification, process_type, product_avg_price, generated_at
FROM product_customer_recommendations
ORDER BY product_id, rank`

// ListProductRecommendations returns the current per-product snapshot, for export.
func (s *PostgresStore) ListProductRecommendations(ctx context.Context) ([]model.ProductRecommendation, error) {
	rows, err := s.pool.Query(ctx, listProductRecsSQL)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list product recommendations")
	}
	defer rows.Close()

	var out []model.ProductRecommendation
	for rows.Next() {
		var r model.ProductRecommendation
		if err := rows.Scan(&r.ProductID, &r.CustomerID, &r.Rank, &r.BaseSimilarity, &r.PriceMatchScore,
			&r.FinalScore, &r.Category, &r.Subcategory, &r.Specification, &r.ProcessType,
			&r.ProductAvgPrice, &r.GeneratedAt); err != nil {
			return nil, eris.Wrap(err, "postgres: scan product recommendation")
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, eris.Wrap(err, "postgres: iterate product recommendations")
	}
	return out, nil
}
