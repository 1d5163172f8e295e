package healthmon

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/db"
)

// Synthetic row identifiers. Every probe deletes rows carrying them when it finishes.
const (
	ProbeCustomerID  = "__HEALTH_PROBE_CUSTOMER__"
	ProbeProductID   = "__HEALTH_PROBE_PRODUCT__"
	ProbeWarehouseID = "__HEALTH_PROBE__"
	ProbeOrderID     = "__HEALTH_PROBE_ORDER__"
	probeBatchID     = "health_probe"
)

// Inventory probe inputs and the stock the trigger must compute from them.
const (
	inventoryTotal       = 100
	inventoryBorrowedOut = 10
	inventoryBorrowedIn  = 5
	inventoryExpected    = 95
)

// reactivationGapDays back-dates the synthetic inactive customer's last order.
const reactivationGapDays = 120

const (
	ensureProbeProductSQL = `INSERT INTO product_master (product_id, warehouse_id, category, subcategory, is_active)
VALUES ($1, $2, 'health_probe', 'health_probe', 'active')
ON CONFLICT (product_id, warehouse_id) DO UPDATE SET is_active = 'active'`

	insertProbeSaleSQL = `INSERT INTO transactions (customer_id, product_id, transaction_date, quantity, amount, document_type, is_active)
VALUES ($1, $2, $3, 1, 1, 'sale', 'active')`

	countSalesChangeSQL = `SELECT COUNT(*) FROM product_sales_change WHERE product_id = $1 AND sales_month = $2`
	countSalesCacheSQL  = `SELECT COUNT(*) FROM product_sales_cache WHERE product_id = $1`

	upsertInactiveCustomerSQL = `INSERT INTO inactive_customers (customer_id, last_order_date, reactivated_at)
VALUES ($1, $2, NULL)
ON CONFLICT (customer_id) DO UPDATE SET last_order_date = EXCLUDED.last_order_date, reactivated_at = NULL`
	selectReactivatedSQL = `SELECT reactivated_at IS NOT NULL FROM inactive_customers WHERE customer_id = $1`

	insertInventorySQL = `INSERT INTO inventory (product_id, warehouse_id, total_quantity, borrowed_out, borrowed_in)
VALUES ($1, $2, $3, $4, $5)`
	selectInventorySQL = `SELECT available_quantity IS NOT NULL, COALESCE(available_quantity, 0)::float8
FROM inventory WHERE product_id = $1 AND warehouse_id = $2`

	upsertDeliveryPatternSQL = `INSERT INTO customer_delivery_patterns (customer_id, pattern_type, delivery_weekdays)
VALUES ($1, 'weekly', '{1,3,5}')
ON CONFLICT (customer_id) DO UPDATE SET pattern_type = 'weekly', delivery_weekdays = '{1,3,5}'`
	insertConfirmedOrderSQL = `INSERT INTO orders (order_id, customer_id, order_date, order_status)
VALUES ($1, $2, $3, 'confirmed')`
	insertProbePredictionSQL = `INSERT INTO purchase_predictions (customer_id, product_id, prediction_date, purchase_probability,
  estimated_quantity, confidence_level, will_purchase_anything, original_segment, prediction_batch_id,
  prediction_status, created_at, updated_at)
VALUES ($1, $2, $3, 0.9, 1, 'high', TRUE, 'health_probe', $4, 'active', now(), now())`
	selectDeliveryStatusSQL = `SELECT schedule_status FROM delivery_schedule
WHERE customer_id = $1 ORDER BY created_at DESC LIMIT 1`
)

type stmt struct {
	sql  string
	args []any
}

var (
	deleteProbeSales       = stmt{`DELETE FROM transactions WHERE customer_id = $1`, []any{ProbeCustomerID}}
	deleteProbeProduct     = stmt{`DELETE FROM product_master WHERE product_id = $1 AND warehouse_id = $2`, []any{ProbeProductID, ProbeWarehouseID}}
	deleteProbeSalesChange = stmt{`DELETE FROM product_sales_change WHERE product_id = $1`, []any{ProbeProductID}}
	deleteProbeSalesCache  = stmt{`DELETE FROM product_sales_cache WHERE product_id = $1`, []any{ProbeProductID}}
	deleteProbeInactive    = stmt{`DELETE FROM inactive_customers WHERE customer_id = $1`, []any{ProbeCustomerID}}
	deleteProbeInventory   = stmt{`DELETE FROM inventory WHERE product_id = $1 AND warehouse_id = $2`, []any{ProbeProductID, ProbeWarehouseID}}
	deleteProbeSchedule    = stmt{`DELETE FROM delivery_schedule WHERE customer_id = $1`, []any{ProbeCustomerID}}
	deleteProbeOrder       = stmt{`DELETE FROM orders WHERE order_id = $1`, []any{ProbeOrderID}}
	deleteProbePattern     = stmt{`DELETE FROM customer_delivery_patterns WHERE customer_id = $1`, []any{ProbeCustomerID}}
	deleteProbePredictions = stmt{`DELETE FROM purchase_predictions WHERE customer_id = $1`, []any{ProbeCustomerID}}
)

// outcome is what a probe reports before timing is attached.
type outcome struct {
	status   Status
	testData string
	err      error
}

func pass(testData string) outcome { return outcome{status: StatusSuccess, testData: testData} }

func fail(testData string, err error) outcome {
	return outcome{status: StatusFailure, testData: testData, err: err}
}

// prober runs synthetic checks. Probes never return errors: every failure becomes a
// failure outcome.
type prober struct {
	q     db.Querier
	wait  time.Duration
	today time.Time
	log   *zap.Logger
}

func (p *prober) run(ctx context.Context, t Trigger) outcome {
	switch t.Probe {
	case ProbeSalesChange:
		return p.salesChange(ctx)
	case ProbeCustomerReactivation:
		return p.customerReactivation(ctx)
	case ProbeInventory:
		return p.inventory(ctx)
	case ProbeDeliveryOrder:
		return p.deliveryOrder(ctx, t.ExpectedStatus)
	case ProbeDeliveryPrediction:
		return p.deliveryPrediction(ctx, t.ExpectedStatus)
	}
	return fail("", eris.Errorf("healthmon: no probe for kind %q", t.Probe))
}

// exec runs statements in order and stops at the first error.
func (p *prober) exec(ctx context.Context, stmts ...stmt) error {
	for _, s := range stmts {
		if _, err := p.q.Exec(ctx, s.sql, s.args...); err != nil {
			return err
		}
	}
	return nil
}

// cleanup deletes probe rows even when ctx is already cancelled.
func (p *prober) cleanup(ctx context.Context, stmts ...stmt) {
	ctx = context.WithoutCancel(ctx)
	for _, s := range stmts {
		if _, err := p.q.Exec(ctx, s.sql, s.args...); err != nil {
			p.log.Warn("probe cleanup failed", zap.String("sql", s.sql), zap.Error(err))
		}
	}
}

// settle gives the trigger time to fire.
func (p *prober) settle(ctx context.Context) error {
	if p.wait <= 0 {
		return nil
	}
	t := time.NewTimer(p.wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func monthStart(d time.Time) time.Time {
	return time.Date(d.Year(), d.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// salesChange inserts a sale in the current month. The trigger passes if it updated the
// change or cache table; if the insert succeeded but nothing changed the trigger is
// reported inert.
func (p *prober) salesChange(ctx context.Context) outcome {
	data := fmt.Sprintf("sale %s/%s on %s", ProbeCustomerID, ProbeProductID, p.today.Format(time.DateOnly))
	defer p.cleanup(ctx, deleteProbeSales, deleteProbeSalesChange, deleteProbeSalesCache, deleteProbeProduct)

	if err := p.exec(ctx,
		stmt{ensureProbeProductSQL, []any{ProbeProductID, ProbeWarehouseID}},
		deleteProbeSales,
		deleteProbeSalesChange,
		stmt{insertProbeSaleSQL, []any{ProbeCustomerID, ProbeProductID, p.today}},
	); err != nil {
		return fail(data, eris.Wrap(err, "sales_change: insert probe sale"))
	}
	if err := p.settle(ctx); err != nil {
		return fail(data, err)
	}

	var changed, cached int64
	if err := p.q.QueryRow(ctx, countSalesChangeSQL, ProbeProductID, monthStart(p.today)).Scan(&changed); err != nil {
		return fail(data, eris.Wrap(err, "sales_change: read change table"))
	}
	if err := p.q.QueryRow(ctx, countSalesCacheSQL, ProbeProductID).Scan(&cached); err != nil {
		return fail(data, eris.Wrap(err, "sales_change: read cache table"))
	}
	if changed+cached > 0 {
		return pass(data)
	}
	return outcome{status: StatusInert, testData: data}
}

// customerReactivation orders as a long-inactive customer and expects reactivated_at
// to be stamped.
func (p *prober) customerReactivation(ctx context.Context) outcome {
	last := clock.AddDays(p.today, -reactivationGapDays)
	data := fmt.Sprintf("inactive %s last ordered %s", ProbeCustomerID, last.Format(time.DateOnly))
	defer p.cleanup(ctx, deleteProbeSales, deleteProbeInactive, deleteProbeProduct)

	if err := p.exec(ctx,
		stmt{ensureProbeProductSQL, []any{ProbeProductID, ProbeWarehouseID}},
		deleteProbeSales,
		stmt{upsertInactiveCustomerSQL, []any{ProbeCustomerID, last}},
		stmt{insertProbeSaleSQL, []any{ProbeCustomerID, ProbeProductID, p.today}},
	); err != nil {
		return fail(data, eris.Wrap(err, "customer_reactivation: insert probe rows"))
	}
	if err := p.settle(ctx); err != nil {
		return fail(data, err)
	}

	var reactivated bool
	if err := p.q.QueryRow(ctx, selectReactivatedSQL, ProbeCustomerID).Scan(&reactivated); err != nil {
		return fail(data, eris.Wrap(err, "customer_reactivation: read inactive customer"))
	}
	if !reactivated {
		return fail(data, eris.New("customer_reactivation: reactivated_at still null"))
	}
	return pass(data)
}

// inventory checks the computed available stock.
func (p *prober) inventory(ctx context.Context) outcome {
	data := fmt.Sprintf("total=%d borrowed_out=%d borrowed_in=%d", inventoryTotal, inventoryBorrowedOut, inventoryBorrowedIn)
	defer p.cleanup(ctx, deleteProbeInventory)

	if err := p.exec(ctx,
		deleteProbeInventory,
		stmt{insertInventorySQL, []any{ProbeProductID, ProbeWarehouseID, inventoryTotal, inventoryBorrowedOut, inventoryBorrowedIn}},
	); err != nil {
		return fail(data, eris.Wrap(err, "inventory: insert probe row"))
	}
	if err := p.settle(ctx); err != nil {
		return fail(data, err)
	}

	var (
		computed  bool
		available float64
	)
	if err := p.q.QueryRow(ctx, selectInventorySQL, ProbeProductID, ProbeWarehouseID).Scan(&computed, &available); err != nil {
		return fail(data, eris.Wrap(err, "inventory: read probe row"))
	}
	if !computed {
		return fail(data, eris.New("inventory: available_quantity is null"))
	}
	if math.Abs(available-inventoryExpected) > 1e-9 {
		return fail(data, eris.Errorf("inventory: available_quantity %v, want %d", available, inventoryExpected))
	}
	return pass(data)
}

// deliveryOrder confirms an order for a weekly-pattern customer.
func (p *prober) deliveryOrder(ctx context.Context, want string) outcome {
	data := fmt.Sprintf("confirmed order %s for weekly customer %s", ProbeOrderID, ProbeCustomerID)
	defer p.cleanup(ctx, deleteProbeSchedule, deleteProbeOrder, deleteProbePattern)

	if err := p.exec(ctx,
		stmt{upsertDeliveryPatternSQL, []any{ProbeCustomerID}},
		deleteProbeSchedule,
		deleteProbeOrder,
		stmt{insertConfirmedOrderSQL, []any{ProbeOrderID, ProbeCustomerID, p.today}},
	); err != nil {
		return fail(data, eris.Wrap(err, "delivery_order: insert probe rows"))
	}
	return p.expectSchedule(ctx, "delivery_order", want, data)
}

// deliveryPrediction writes an active prediction for a weekly-pattern customer.
func (p *prober) deliveryPrediction(ctx context.Context, want string) outcome {
	date := clock.AddDays(p.today, 1)
	data := fmt.Sprintf("active prediction %s/%s on %s", ProbeCustomerID, ProbeProductID, date.Format(time.DateOnly))
	defer p.cleanup(ctx, deleteProbeSchedule, deleteProbePredictions, deleteProbePattern)

	if err := p.exec(ctx,
		stmt{upsertDeliveryPatternSQL, []any{ProbeCustomerID}},
		deleteProbeSchedule,
		deleteProbePredictions,
		stmt{insertProbePredictionSQL, []any{ProbeCustomerID, ProbeProductID, date, probeBatchID}},
	); err != nil {
		return fail(data, eris.Wrap(err, "delivery_prediction: insert probe rows"))
	}
	return p.expectSchedule(ctx, "delivery_prediction", want, data)
}

func (p *prober) expectSchedule(ctx context.Context, probe, want, data string) outcome {
	if err := p.settle(ctx); err != nil {
		return fail(data, err)
	}
	var got string
	err := p.q.QueryRow(ctx, selectDeliveryStatusSQL, ProbeCustomerID).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return fail(data, eris.Errorf("%s: no delivery_schedule row", probe))
	}
	if err != nil {
		return fail(data, eris.Wrapf(err, "%s: read delivery_schedule", probe))
	}
	if got != want {
		return fail(data, eris.Errorf("%s: schedule status %q, want %q", probe, got, want))
	}
	return pass(data)
}
