// Package feature turns transaction history into the fixed-order feature vectors the
// classifier is trained and served on.
//
// Every vector is computed from the window [D−lookback, D) strictly before its reference
// date D, so a training sample never sees the day it is labelled on.
package feature

import (
	"sort"
	"strconv"
	"time"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/gbdt"
	"github.com/sells-group/purchase-forecast/internal/model"
)

// DaysSinceCap is the value of a days-since feature when there is no purchase in the window.
const DaysSinceCap = 999

// Feature names.
const (
	CustomerID      = "customer_id"
	ProductID       = "product_id"
	ProductCategory = "product_category"

	DayOfWeek  = "prediction_day_of_week"
	DayOfMonth = "prediction_day_of_month"
	Month      = "prediction_month"
	Quarter    = "prediction_quarter"

	CustomerPurchaseDays   = "customer_purchase_days_90d"
	CustomerTotalAmount    = "customer_total_amount_90d"
	CustomerAvgAmount      = "customer_avg_amount_90d"
	CustomerTotalQuantity  = "customer_total_quantity_90d"
	CustomerUniqueProducts = "customer_unique_products_90d"
	DaysSinceCustomer      = "days_since_customer_last_purchase"

	ProductSaleDays        = "product_sale_days_90d"
	ProductTotalQuantity   = "product_total_quantity_90d"
	ProductUniqueCustomers = "product_unique_customers_90d"
	ProductAvgQuantity     = "product_avg_quantity_90d"

	PairPurchaseCount = "cp_purchase_count_90d"
	PairTotalQuantity = "cp_total_quantity_90d"
	PairAvgQuantity   = "cp_avg_quantity_90d"
	PairTotalAmount   = "cp_total_amount_90d"
	DaysSincePair     = "days_since_cp_last_purchase"
)

var names = []string{
	CustomerID, ProductID, ProductCategory,
	DayOfWeek, DayOfMonth, Month, Quarter,
	CustomerPurchaseDays, CustomerTotalAmount, CustomerAvgAmount, CustomerTotalQuantity,
	CustomerUniqueProducts, DaysSinceCustomer,
	ProductSaleDays, ProductTotalQuantity, ProductUniqueCustomers, ProductAvgQuantity,
	PairPurchaseCount, PairTotalQuantity, PairAvgQuantity, PairTotalAmount, DaysSincePair,
}

var categorical = []string{
	CustomerID, ProductID, ProductCategory, DayOfWeek, DayOfMonth, Month, Quarter,
}

// Names returns the canonical feature order written into every new model bundle.
func Names() []string {
	return append([]string(nil), names...)
}

// Categorical returns the features the classifier treats as categories.
func Categorical() []string {
	return append([]string(nil), categorical...)
}

// Vector is one computed feature dict. Serving reorders it against the bundle's frozen
// name list with Row.
type Vector struct {
	Num map[string]float64
	Cat map[string]string
}

// Row lays the vector out in the given order. Missing numeric features become 0 and
// missing categorical features become "0"; a numeric value listed as categorical is
// formatted as its integer or decimal string.
func (v Vector) Row(order []string, categorical []string) gbdt.Row {
	isCat := make(map[string]bool, len(categorical))
	for _, c := range categorical {
		isCat[c] = true
	}

	row := gbdt.Row{
		Num: make([]float64, len(order)),
		Cat: make([]string, len(order)),
	}
	for i, name := range order {
		if isCat[name] {
			if s, ok := v.Cat[name]; ok {
				row.Cat[i] = s
			} else if f, ok := v.Num[name]; ok {
				row.Cat[i] = strconv.FormatFloat(f, 'f', -1, 64)
			} else {
				row.Cat[i] = "0"
			}
			continue
		}
		row.Num[i] = v.Num[name]
	}
	return row
}

// Temporal returns the calendar features of the reference date itself. Weekday is
// Monday = 0 through Sunday = 6.
func Temporal(d time.Time) map[string]string {
	weekday := (int(d.Weekday()) + 6) % 7
	month := int(d.Month())
	return map[string]string{
		DayOfWeek:  strconv.Itoa(weekday),
		DayOfMonth: strconv.Itoa(d.Day()),
		Month:      strconv.Itoa(month),
		Quarter:    strconv.Itoa((month-1)/3 + 1),
	}
}

// Index is a date-sorted view of a transaction collection plus the product category
// lookup. It is read-only after construction and safe for concurrent use.
type Index struct {
	txns       []model.Transaction
	categories map[string]string
}

// NewIndex copies and stably sorts txns by date. Only active products contribute
// categories.
func NewIndex(txns []model.Transaction, products []model.Product) *Index {
	sorted := append([]model.Transaction(nil), txns...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Date.Before(sorted[j].Date) })

	categories := make(map[string]string, len(products))
	for _, p := range model.UniqueProducts(products) {
		categories[p.ProductID] = p.Category
	}
	return &Index{txns: sorted, categories: categories}
}

// Len returns the number of indexed transactions.
func (ix *Index) Len() int { return len(ix.txns) }

// Category returns the product's category, or "" when the product is not in the master.
func (ix *Index) Category(productID string) string { return ix.categories[productID] }

// Window returns the transactions with from <= date < to. A zero to is open-ended. The
// returned slice aliases the index and must not be modified.
func (ix *Index) Window(from, to time.Time) []model.Transaction {
	lo := sort.Search(len(ix.txns), func(i int) bool { return !ix.txns[i].Date.Before(from) })
	hi := len(ix.txns)
	if !to.IsZero() {
		hi = sort.Search(len(ix.txns), func(i int) bool { return !ix.txns[i].Date.Before(to) })
	}
	if hi < lo {
		hi = lo
	}
	return ix.txns[lo:hi]
}

// Snapshot pre-aggregates the window [ref−lookbackDays, ref).
func (ix *Index) Snapshot(ref time.Time, lookbackDays int) *Snapshot {
	ref = clock.Day(ref)
	return newSnapshot(ix.Window(clock.AddDays(ref, -lookbackDays), ref), ref, ix.categories)
}
