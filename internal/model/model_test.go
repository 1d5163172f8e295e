package model

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTransactionAdmissible(t *testing.T) {
	tests := []struct {
		name string
		tx   Transaction
		want bool
	}{
		{"sale active", Transaction{Quantity: 2, IsActive: "active", DocumentType: "sale"}, true},
		{"zero quantity", Transaction{Quantity: 0, IsActive: "active", DocumentType: "sale"}, false},
		{"negative quantity", Transaction{Quantity: -1}, false},
		{"inactive", Transaction{Quantity: 1, IsActive: "inactive", DocumentType: "sale"}, false},
		{"return document", Transaction{Quantity: 1, IsActive: "active", DocumentType: "return"}, false},
		{"prefiltered row", Transaction{Quantity: 1}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tx.Admissible())
		})
	}
}

func TestTransactionUnitPrice(t *testing.T) {
	assert.InDelta(t, 30.0, Transaction{Quantity: 3, Amount: 90}.UnitPrice(), 1e-9)
	assert.Zero(t, Transaction{Quantity: 0, Amount: 90}.UnitPrice())
}

func TestPairLess(t *testing.T) {
	assert.True(t, Pair{"c1", "p2"}.Less(Pair{"c2", "p1"}))
	assert.True(t, Pair{"c1", "p1"}.Less(Pair{"c1", "p2"}))
	assert.False(t, Pair{"c1", "p1"}.Less(Pair{"c1", "p1"}))
}

func TestUniqueProducts(t *testing.T) {
	in := []Product{
		{ProductID: "p1", WarehouseID: "w1", IsActive: "active", Category: "veg"},
		{ProductID: "p1", WarehouseID: "w2", IsActive: "active", Category: "other"},
		{ProductID: "p2", WarehouseID: "w1", IsActive: "inactive"},
		{ProductID: "p3", WarehouseID: "w1", IsActive: "active"},
	}
	out := UniqueProducts(in)
	assert.Len(t, out, 2)
	assert.Equal(t, "veg", out[0].Category)
	assert.Equal(t, "p3", out[1].ProductID)
}

func TestNormalizeAttr(t *testing.T) {
	assert.Equal(t, "abc", NormalizeAttr("ＡＢＣ"))
	assert.Equal(t, "frozen", NormalizeAttr("  Frozen "))
	assert.Equal(t, NormalizeAttr("冷凍"), NormalizeAttr("冷凍"))
}

func TestPredictionPair(t *testing.T) {
	p := Prediction{CustomerID: "c1", ProductID: "p1", PredictionDate: time.Now()}
	assert.Equal(t, Pair{"c1", "p1"}, p.Pair())
}
