package recommend

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/metrics"
	"github.com/sells-group/purchase-forecast/internal/model"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeStore struct {
	txns       []model.Transaction
	products   []model.Product
	loadErr    error
	replaceErr error
	from       time.Time
	customer   []model.CustomerRecommendation
	product    []model.ProductRecommendation
	replaced   int
}

func (f *fakeStore) LoadTransactions(_ context.Context, from, _ time.Time) ([]model.Transaction, error) {
	f.from = from
	return f.txns, f.loadErr
}

func (f *fakeStore) LoadProducts(context.Context) ([]model.Product, error) { return f.products, nil }

func (f *fakeStore) ReplaceRecommendations(_ context.Context, c []model.CustomerRecommendation, p []model.ProductRecommendation) error {
	if f.replaceErr != nil {
		return f.replaceErr
	}
	f.replaced++
	f.customer, f.product = c, p
	return nil
}

// dedupFixture: c1 has bought subcategories A and B; candidates span A, B, C, D, D, E.
func dedupFixture() ([]model.Transaction, []model.Product) {
	products := []model.Product{
		product("a1", "veg", "A", "1kg", "fresh"),
		product("b1", "veg", "B", "1kg", "fresh"),
		product("a2", "veg", "A", "1kg", "fresh"),
		product("b2", "veg", "B", "2kg", "fresh"),
		product("c1", "veg", "C", "1kg", "fresh"),
		product("d1", "veg", "D", "1kg", "fresh"),
		product("d2", "veg", "D", "5kg", "frozen"),
		product("e1", "meat", "E", "1kg", "fresh"),
	}
	txns := []model.Transaction{
		sale("cust1", "a1", 1, 10),
		sale("cust1", "b1", 1, 12),
		sale("cust1", "a1", 1, 11),
		sale("cust2", "a2", 1, 10),
		sale("cust2", "b2", 1, 14),
		sale("cust2", "c1", 1, 11),
		sale("cust2", "d1", 1, 12),
		sale("cust2", "d2", 1, 30),
		sale("cust2", "e1", 1, 40),
	}
	return txns, products
}

func TestCompute_SubcategoryDedup(t *testing.T) {
	txns, products := dedupFixture()
	now := time.Date(2025, 8, 1, 2, 0, 0, 0, time.UTC)
	snap, err := Compute(context.Background(), txns, products, Config{TopN: 7, Workers: 2}, now)
	require.NoError(t, err)

	subs := make(map[string]int)
	var got []string
	for _, r := range snap.Customer {
		if r.CustomerID != "cust1" {
			continue
		}
		subs[r.Subcategory]++
		got = append(got, r.ProductID)
		assert.Equal(t, len(got), r.Rank)
		assert.InDelta(t, r.BaseSimilarity*r.PriceMatchScore, r.FinalScore, 1e-12)
		assert.Equal(t, now, r.GeneratedAt)
	}
	assert.Len(t, got, 3)
	assert.Equal(t, map[string]int{"C": 1, "D": 1, "E": 1}, subs)
	assert.Contains(t, got, "d1", "d1 is closer to cust1's purchases than d2")
	assert.NotContains(t, got, "d2")
}

func TestCompute_CustomerListInvariants(t *testing.T) {
	txns, products := dedupFixture()
	snap, err := Compute(context.Background(), txns, products, Config{TopN: 7}, time.Now())
	require.NoError(t, err)

	covered := map[string]map[string]bool{}
	cat := NewCatalog(products)
	for _, tx := range txns {
		if covered[tx.CustomerID] == nil {
			covered[tx.CustomerID] = map[string]bool{}
		}
		it, _ := cat.Item(tx.ProductID)
		covered[tx.CustomerID][it.Subcategory] = true
	}

	seen := map[string]map[string]bool{}
	for _, r := range snap.Customer {
		if seen[r.CustomerID] == nil {
			seen[r.CustomerID] = map[string]bool{}
		}
		it, _ := cat.Item(r.ProductID)
		assert.False(t, seen[r.CustomerID][it.Subcategory], "duplicate subcategory for %s", r.CustomerID)
		assert.False(t, covered[r.CustomerID][it.Subcategory], "covered subcategory for %s", r.CustomerID)
		seen[r.CustomerID][it.Subcategory] = true
	}
}

func TestCompute_PerProduct(t *testing.T) {
	txns, products := dedupFixture()
	snap, err := Compute(context.Background(), txns, products, Config{TopN: 7}, time.Now())
	require.NoError(t, err)

	byProduct := map[string][]string{}
	for _, r := range snap.Product {
		byProduct[r.ProductID] = append(byProduct[r.ProductID], r.CustomerID)
	}
	// cust1 owns subcategory A and B; cust2 owns every subcategory.
	assert.Equal(t, []string{"cust1"}, byProduct["c1"])
	assert.Equal(t, []string{"cust1"}, byProduct["e1"])
	assert.Empty(t, byProduct["a2"])
	assert.Empty(t, byProduct["b2"])
}

func TestCompute_TopNAndOrdering(t *testing.T) {
	var products []model.Product
	txns := []model.Transaction{sale("c", "seed", 1, 10)}
	products = append(products, product("seed", "veg", "s0", "", ""))
	for i, sub := range []string{"s1", "s2", "s3", "s4"} {
		id := "q" + sub
		products = append(products, product(id, "veg", sub, "", ""))
		txns = append(txns, sale("other", id, 1, float64(10+i)))
	}
	snap, err := Compute(context.Background(), txns, products, Config{TopN: 2}, time.Now())
	require.NoError(t, err)

	var rows []model.CustomerRecommendation
	for _, r := range snap.Customer {
		if r.CustomerID == "c" {
			rows = append(rows, r)
		}
	}
	require.Len(t, rows, 2)
	assert.GreaterOrEqual(t, rows[0].FinalScore, rows[1].FinalScore)
	assert.Equal(t, 1, rows[0].Rank)
	assert.Equal(t, 2, rows[1].Rank)
}

func TestEngineRun(t *testing.T) {
	txns, products := dedupFixture()
	st := &fakeStore{txns: txns, products: products}
	now := time.Date(2025, 8, 1, 2, 0, 0, 0, time.UTC)
	cfg := DefaultConfig()
	cfg.LookbackDays = 30
	m := metrics.New("recommend")

	res, err := NewEngine(st, cfg, clock.Fixed(now), time.UTC, m).Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, clock.Date(2025, 7, 2), st.from)
	assert.Equal(t, 1, st.replaced)
	assert.Equal(t, res.Customer, st.customer)
	assert.Equal(t, res.Product, st.product)
	assert.Equal(t, 8, res.Products)
	assert.Equal(t, 2, res.Customers)
}

func TestEngineRun_DryRun(t *testing.T) {
	txns, products := dedupFixture()
	st := &fakeStore{txns: txns, products: products}
	cfg := DefaultConfig()
	cfg.DryRun = true

	res, err := NewEngine(st, cfg, nil, nil, nil).Run(context.Background())
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.NotEmpty(t, res.Customer)
	assert.Zero(t, st.replaced)
	assert.True(t, st.from.IsZero())
}

func TestEngineRun_Errors(t *testing.T) {
	_, err := NewEngine(&fakeStore{loadErr: errors.New("down")}, DefaultConfig(), nil, nil, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recommend: load transactions")

	txns, products := dedupFixture()
	st := &fakeStore{txns: txns, products: products, replaceErr: errors.New("truncate failed")}
	_, err = NewEngine(st, DefaultConfig(), nil, nil, nil).Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recommend: replace snapshots")
}

func TestCompute_Cancelled(t *testing.T) {
	txns, products := dedupFixture()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Compute(ctx, txns, products, DefaultConfig(), time.Now())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
