package recommend

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/model"
)

func sale(customer, product string, qty int, amount float64) model.Transaction {
	return model.Transaction{CustomerID: customer, ProductID: product, Date: clock.Date(2025, 7, 1), Quantity: qty, Amount: amount}
}

func product(id, cat, sub, spec, process string) model.Product {
	return model.Product{
		ProductID: id, WarehouseID: "w1", Category: cat, Subcategory: sub,
		Specification: spec, ProcessType: process, IsActive: model.ActiveFlag,
	}
}

func TestBuildProfiles(t *testing.T) {
	txns := []model.Transaction{
		sale("c1", "p1", 2, 20), // 10
		sale("c1", "p1", 1, 20), // 20
		sale("c2", "p2", 1, 30), // 30
		sale("c2", "px", 1, 99), // unknown product
	}
	prof := BuildProfiles(txns, map[string]string{"p1": "veg", "p2": "veg"})

	cs, ok := prof.Category("veg")
	require.True(t, ok)
	assert.InDelta(t, 20, cs.Mean, 1e-9)
	assert.InDelta(t, 10, cs.Std, 1e-9)
	assert.Equal(t, 10.0, cs.Min)
	assert.Equal(t, 30.0, cs.Max)
	assert.Equal(t, 3, cs.Count)

	c1, ok := prof.Customer("c1", "veg")
	require.True(t, ok)
	assert.InDelta(t, 15, c1.Mean, 1e-9)
	assert.Equal(t, 2, c1.Count)
	assert.InDelta(t, -0.5, c1.Z, 1e-9)
	assert.Equal(t, PriceMedium, c1.Level)

	_, ok = prof.Customer("c2", "veg")
	assert.False(t, ok, "single purchase has no profile")

	m, ok := prof.ProductMean("p1")
	require.True(t, ok)
	assert.InDelta(t, 15, m, 1e-9)
	_, ok = prof.ProductMean("px")
	assert.False(t, ok)

	assert.InDelta(t, math.Exp(-1.125), prof.PriceMatch("c1", "p2", "veg"), 1e-9)
	assert.Equal(t, 0.5, prof.PriceMatch("c2", "p2", "veg"))
	assert.Equal(t, 0.5, prof.PriceMatch("c1", "p9", "veg"))
}

func TestGaussian(t *testing.T) {
	tests := []struct {
		name        string
		a, b, sigma float64
		want        float64
	}{
		{"equal", 5, 5, 2, 1},
		{"one sigma", 7, 5, 2, math.Exp(-0.5)},
		{"zero sigma equal", 5, 5, 0, 1},
		{"zero sigma differ", 5, 6, 0, 0.5},
		{"nan sigma", 5, 6, math.NaN(), 0.5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, gaussian(tt.a, tt.b, tt.sigma), 1e-12)
		})
	}
}

func TestLevel(t *testing.T) {
	tests := []struct {
		z    float64
		want PriceLevel
	}{
		{-1.5, PriceLow},
		{-1.0001, PriceLow},
		{-1, PriceMedium},
		{0, PriceMedium},
		{0.7, PriceMedium},
		{1, PriceMedium},
		{1.0001, PriceHigh},
		{1.656, PriceHigh},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, level(tt.z), "z=%v", tt.z)
	}
}

func TestSimilarity(t *testing.T) {
	products := []model.Product{
		product("p1", "Veg ", "Leafy", "1kg", "fresh"),
		product("p2", "ｖｅｇ", "leafy", "1KG", "frozen"),
		product("p3", "meat", "beef", "1kg", "fresh"),
		product("p4", "veg", "root", "5kg", "fresh"),
		product("p5", "veg", "root", "", ""),
	}
	txns := []model.Transaction{
		sale("c1", "p1", 1, 10),
		sale("c1", "p2", 1, 10),
		sale("c1", "p3", 1, 50),
		sale("c2", "p4", 1, 14),
	}
	cat := NewCatalog(products)
	prof := BuildProfiles(txns, cat.Categories())
	it := func(id string) *Item {
		i, ok := cat.Item(id)
		require.True(t, ok)
		return i
	}

	// category, subcategory and specification match after normalisation; equal prices.
	assert.InDelta(t, 4.0/5, Similarity(it("p1"), it("p2"), prof), 1e-12)
	// different category: only specification and process match, no price term.
	assert.InDelta(t, 2.0/5, Similarity(it("p1"), it("p3"), prof), 1e-12)
	// p5 has no sales: price similarity defaults to 0.5.
	assert.InDelta(t, (1+1+0.5)/5, Similarity(it("p4"), it("p5"), prof), 1e-12)

	m := NewMatrix(cat, prof)
	for _, a := range []string{"p1", "p2", "p3", "p4", "p5"} {
		assert.Equal(t, 1.0, m.At(a, a), "self similarity of %s", a)
		for _, b := range []string{"p1", "p2", "p3", "p4", "p5"} {
			s := m.At(a, b)
			assert.Equal(t, s, m.At(b, a), "symmetry %s/%s", a, b)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
	}
	assert.Zero(t, m.At("p1", "missing"))
	assert.InDelta(t, (1+0.8)/2, m.Mean("p1", []string{"p1", "p2"}), 1e-12)
	assert.Zero(t, m.Mean("p1", nil))
}

func TestNewCatalog_SkipsInactiveAndDuplicates(t *testing.T) {
	products := []model.Product{
		product("p1", "veg", "leafy", "", ""),
		{ProductID: "p1", WarehouseID: "w2", Category: "meat", IsActive: model.ActiveFlag},
		{ProductID: "p2", WarehouseID: "w1", Category: "veg", IsActive: "inactive"},
	}
	cat := NewCatalog(products)
	assert.Equal(t, 1, cat.Len())
	it, ok := cat.Item("p1")
	require.True(t, ok)
	assert.Equal(t, "veg", it.Category)
	_, ok = cat.Item("p2")
	assert.False(t, ok)
}
