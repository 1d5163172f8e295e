package prediction

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/model"
)

var (
	today = clock.Date(2025, 8, 1)
	c1p1  = model.Pair{CustomerID: "c1", ProductID: "p1"}
)

func activeAt(p model.Pair, d time.Time) model.Prediction {
	return model.Prediction{
		CustomerID:     p.CustomerID,
		ProductID:      p.ProductID,
		PredictionDate: d,
		Status:         model.PredictionActive,
	}
}

func purchase(p model.Pair, d time.Time) model.Transaction {
	return model.Transaction{CustomerID: p.CustomerID, ProductID: p.ProductID, Date: d, Quantity: 1, Amount: 10}
}

func TestTriggerClassify(t *testing.T) {
	trig := Trigger{Today: today, HorizonDays: 7, ToleranceDays: 2}

	tests := []struct {
		name   string
		active []model.Prediction
		recent []model.Transaction
		want   Reason
	}{
		{"no active prediction", nil, nil, ReasonNew},
		{
			"pending within horizon",
			[]model.Prediction{activeAt(c1p1, clock.Date(2025, 8, 3))},
			nil,
			ReasonSuppressed,
		},
		{
			"pending on horizon end",
			[]model.Prediction{activeAt(c1p1, clock.Date(2025, 8, 8))},
			nil,
			ReasonSuppressed,
		},
		{
			"fulfilled by purchase one day early",
			[]model.Prediction{activeAt(c1p1, clock.Date(2025, 8, 3))},
			[]model.Transaction{purchase(c1p1, clock.Date(2025, 8, 2))},
			ReasonRefreshAfterFulfilment,
		},
		{
			"fulfilled at tolerance edge",
			[]model.Prediction{activeAt(c1p1, clock.Date(2025, 7, 28))},
			[]model.Transaction{purchase(c1p1, clock.Date(2025, 7, 30))},
			ReasonRefreshAfterFulfilment,
		},
		{
			"purchase outside tolerance",
			[]model.Prediction{activeAt(c1p1, clock.Date(2025, 8, 3))},
			[]model.Transaction{purchase(c1p1, clock.Date(2025, 7, 29))},
			ReasonSuppressed,
		},
		{
			"stale prediction in the past",
			[]model.Prediction{activeAt(c1p1, clock.Date(2025, 7, 20))},
			nil,
			ReasonRefreshExpired,
		},
		{
			"prediction beyond horizon",
			[]model.Prediction{activeAt(c1p1, clock.Date(2025, 8, 12))},
			nil,
			ReasonRefreshExpired,
		},
		{
			"other pair's purchase does not fulfil",
			[]model.Prediction{activeAt(c1p1, clock.Date(2025, 8, 3))},
			[]model.Transaction{purchase(model.Pair{CustomerID: "c1", ProductID: "p2"}, clock.Date(2025, 8, 3))},
			ReasonSuppressed,
		},
		{
			"non-active rows are ignored",
			[]model.Prediction{{CustomerID: "c1", ProductID: "p1", PredictionDate: clock.Date(2025, 8, 3), Status: model.PredictionFulfilled}},
			nil,
			ReasonNew,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := trig.Classify([]model.Pair{c1p1}, tt.active, tt.recent)
			assert.Equal(t, []Decision{{Pair: c1p1, Reason: tt.want}}, got)
			assert.Equal(t, tt.want != ReasonSuppressed, got[0].Reason.Eligible())
		})
	}
}

func TestTriggerTransitions(t *testing.T) {
	trig := Trigger{Today: today, HorizonDays: 7, ToleranceDays: 2}
	c2p1 := model.Pair{CustomerID: "c2", ProductID: "p1"}
	c3p1 := model.Pair{CustomerID: "c3", ProductID: "p1"}

	active := []model.Prediction{
		activeAt(c1p1, clock.Date(2025, 8, 3)),  // fulfilled by 08-02
		activeAt(c2p1, clock.Date(2025, 7, 20)), // window closed
		activeAt(c2p1, clock.Date(2025, 7, 31)), // window still open
		activeAt(c3p1, clock.Date(2025, 8, 5)),  // pending
	}
	recent := []model.Transaction{purchase(c1p1, clock.Date(2025, 8, 2))}

	got := trig.Transitions(active, recent)
	assert.Equal(t, []model.StatusChange{
		{CustomerID: "c1", ProductID: "p1", PredictionDate: clock.Date(2025, 8, 3), Status: model.PredictionFulfilled},
		{CustomerID: "c2", ProductID: "p1", PredictionDate: clock.Date(2025, 7, 20), Status: model.PredictionExpired},
	}, got)
}

func TestTriggerSupersede(t *testing.T) {
	trig := Trigger{Today: today, HorizonDays: 7, ToleranceDays: 2}
	active := []model.Prediction{
		activeAt(c1p1, clock.Date(2025, 8, 12)),
		activeAt(c1p1, clock.Date(2025, 8, 4)),
		activeAt(c1p1, clock.Date(2025, 7, 30)),
	}
	emitted := []model.Prediction{activeAt(c1p1, clock.Date(2025, 8, 4))}

	got := trig.supersede(active, emitted, nil)
	assert.Equal(t, []model.StatusChange{
		{CustomerID: "c1", ProductID: "p1", PredictionDate: clock.Date(2025, 8, 12), Status: model.PredictionCancelled},
	}, got)

	closed := map[changeKey]bool{{Pair: c1p1, Date: clock.Date(2025, 8, 12)}: true}
	assert.Empty(t, trig.supersede(active, emitted, closed))
}
