package prediction

import (
	"sort"
	"time"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/model"
)

// Reason explains why a historical pair is or is not predicted in this pass.
type Reason string

const (
	ReasonNew                    Reason = "new"
	ReasonRefreshAfterFulfilment Reason = "refresh_after_fulfilment"
	ReasonRefreshExpired         Reason = "refresh_expired"
	ReasonSuppressed             Reason = "suppressed"
)

// Eligible reports whether the pair should be scored.
func (r Reason) Eligible() bool { return r != ReasonSuppressed }

// Decision is the trigger outcome for one pair.
type Decision struct {
	Pair   model.Pair
	Reason Reason
}

// Trigger decides, from the predictions table and recent purchases alone, which pairs
// need a prediction. It holds no state between passes.
type Trigger struct {
	Today         time.Time
	HorizonDays   int
	ToleranceDays int
}

// activeIndex groups active prediction rows by pair.
type activeIndex map[model.Pair][]model.Prediction

func indexActive(active []model.Prediction) activeIndex {
	idx := make(activeIndex)
	for _, p := range active {
		if p.Status != "" && p.Status != model.PredictionActive {
			continue
		}
		idx[p.Pair()] = append(idx[p.Pair()], p)
	}
	return idx
}

// purchaseIndex holds the recent purchase dates of each pair.
type purchaseIndex map[model.Pair][]time.Time

func indexPurchases(recent []model.Transaction) purchaseIndex {
	idx := make(purchaseIndex)
	for _, t := range recent {
		idx[t.Pair()] = append(idx[t.Pair()], clock.Day(t.Date))
	}
	return idx
}

// fulfilledBy reports whether some purchase lies within tolerance of date.
func (t Trigger) fulfilledBy(date time.Time, purchases []time.Time) bool {
	for _, d := range purchases {
		diff := clock.DaysBetween(date, d)
		if diff < 0 {
			diff = -diff
		}
		if diff <= t.ToleranceDays {
			return true
		}
	}
	return false
}

// Classify returns one decision per historical pair, in input order.
func (t Trigger) Classify(historical []model.Pair, active []model.Prediction, recent []model.Transaction) []Decision {
	return t.classify(historical, indexActive(active), indexPurchases(recent))
}

func (t Trigger) classify(historical []model.Pair, actives activeIndex, purchases purchaseIndex) []Decision {
	today := clock.Day(t.Today)
	horizonEnd := clock.AddDays(today, t.HorizonDays)

	out := make([]Decision, 0, len(historical))
	for _, p := range historical {
		rows, ok := actives[p]
		if !ok {
			out = append(out, Decision{Pair: p, Reason: ReasonNew})
			continue
		}

		fulfilled := false
		pending := false
		for _, r := range rows {
			d := clock.Day(r.PredictionDate)
			if t.fulfilledBy(d, purchases[p]) {
				fulfilled = true
			}
			if !d.Before(today) && !d.After(horizonEnd) {
				pending = true
			}
		}

		switch {
		case fulfilled:
			out = append(out, Decision{Pair: p, Reason: ReasonRefreshAfterFulfilment})
		case !pending:
			out = append(out, Decision{Pair: p, Reason: ReasonRefreshExpired})
		default:
			out = append(out, Decision{Pair: p, Reason: ReasonSuppressed})
		}
	}
	return out
}

// Transitions returns the status changes implied by recent purchases and the calendar:
// an active row matched by a purchase within tolerance becomes fulfilled, and an
// unmatched row whose tolerance window has closed becomes expired. Rows of every pair
// are considered, not only historical ones.
func (t Trigger) Transitions(active []model.Prediction, recent []model.Transaction) []model.StatusChange {
	return t.transitions(indexActive(active), indexPurchases(recent))
}

func (t Trigger) transitions(actives activeIndex, purchases purchaseIndex) []model.StatusChange {
	today := clock.Day(t.Today)
	var out []model.StatusChange
	for p, rows := range actives {
		for _, r := range rows {
			d := clock.Day(r.PredictionDate)
			var status model.PredictionStatus
			switch {
			case t.fulfilledBy(d, purchases[p]):
				status = model.PredictionFulfilled
			case clock.AddDays(d, t.ToleranceDays).Before(today):
				status = model.PredictionExpired
			default:
				continue
			}
			out = append(out, model.StatusChange{
				CustomerID:     p.CustomerID,
				ProductID:      p.ProductID,
				PredictionDate: d,
				Status:         status,
			})
		}
	}
	sortChanges(out)
	return out
}

// supersede returns cancellations for the still-open active rows of each pair that
// receives a new prediction on a different date. closed holds the keys already
// transitioned this pass.
func (t Trigger) supersede(active []model.Prediction, emitted []model.Prediction, closed map[changeKey]bool) []model.StatusChange {
	actives := indexActive(active)
	today := clock.Day(t.Today)

	var out []model.StatusChange
	for _, e := range emitted {
		newDate := clock.Day(e.PredictionDate)
		for _, r := range actives[e.Pair()] {
			d := clock.Day(r.PredictionDate)
			k := changeKey{Pair: e.Pair(), Date: d}
			if d.Equal(newDate) || d.Before(today) || closed[k] {
				continue
			}
			out = append(out, model.StatusChange{
				CustomerID:     e.CustomerID,
				ProductID:      e.ProductID,
				PredictionDate: d,
				Status:         model.PredictionCancelled,
			})
		}
	}
	sortChanges(out)
	return out
}

type changeKey struct {
	Pair model.Pair
	Date time.Time
}

func closedKeys(changes []model.StatusChange) map[changeKey]bool {
	out := make(map[changeKey]bool, len(changes))
	for _, c := range changes {
		out[changeKey{Pair: model.Pair{CustomerID: c.CustomerID, ProductID: c.ProductID}, Date: clock.Day(c.PredictionDate)}] = true
	}
	return out
}

func sortChanges(c []model.StatusChange) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].CustomerID != c[j].CustomerID {
			return c[i].CustomerID < c[j].CustomerID
		}
		if c[i].ProductID != c[j].ProductID {
			return c[i].ProductID < c[j].ProductID
		}
		return c[i].PredictionDate.Before(c[j].PredictionDate)
	})
}
