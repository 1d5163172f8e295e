package feature

import (
	"sort"
	"time"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/model"
)

type customerStats struct {
	days     map[time.Time]struct{}
	products map[string]struct{}
	txns     int
	amount   float64
	quantity float64
	last     time.Time
}

type productStats struct {
	days      map[time.Time]struct{}
	customers map[string]struct{}
	txns      int
	quantity  float64
}

type pairStats struct {
	count    int
	quantity float64
	amount   float64
	last     time.Time
}

// Snapshot holds the customer, product, and pair aggregates of one lookback window.
type Snapshot struct {
	ref        time.Time
	customers  map[string]*customerStats
	products   map[string]*productStats
	pairs      map[model.Pair]*pairStats
	categories map[string]string
}

func newSnapshot(window []model.Transaction, ref time.Time, categories map[string]string) *Snapshot {
	s := &Snapshot{
		ref:        ref,
		customers:  make(map[string]*customerStats),
		products:   make(map[string]*productStats),
		pairs:      make(map[model.Pair]*pairStats),
		categories: categories,
	}

	for _, t := range window {
		qty := float64(t.Quantity)

		c := s.customers[t.CustomerID]
		if c == nil {
			c = &customerStats{days: make(map[time.Time]struct{}), products: make(map[string]struct{})}
			s.customers[t.CustomerID] = c
		}
		c.days[t.Date] = struct{}{}
		c.products[t.ProductID] = struct{}{}
		c.txns++
		c.amount += t.Amount
		c.quantity += qty
		if t.Date.After(c.last) {
			c.last = t.Date
		}

		p := s.products[t.ProductID]
		if p == nil {
			p = &productStats{days: make(map[time.Time]struct{}), customers: make(map[string]struct{})}
			s.products[t.ProductID] = p
		}
		p.days[t.Date] = struct{}{}
		p.customers[t.CustomerID] = struct{}{}
		p.txns++
		p.quantity += qty

		key := t.Pair()
		cp := s.pairs[key]
		if cp == nil {
			cp = &pairStats{}
			s.pairs[key] = cp
		}
		cp.count++
		cp.quantity += qty
		cp.amount += t.Amount
		if t.Date.After(cp.last) {
			cp.last = t.Date
		}
	}
	return s
}

// Ref returns the snapshot's reference date.
func (s *Snapshot) Ref() time.Time { return s.ref }

// Pairs returns every pair seen in the window, ordered by customer then product.
func (s *Snapshot) Pairs() []model.Pair {
	out := make([]model.Pair, 0, len(s.pairs))
	for p := range s.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Has reports whether the pair appears in the window.
func (s *Snapshot) Has(p model.Pair) bool {
	_, ok := s.pairs[p]
	return ok
}

// PairCount returns the number of transactions of the pair in the window.
func (s *Snapshot) PairCount(p model.Pair) int {
	if st := s.pairs[p]; st != nil {
		return st.count
	}
	return 0
}

// PairMeanQuantity returns the mean quantity per pair transaction, or 0 with no history.
func (s *Snapshot) PairMeanQuantity(p model.Pair) float64 {
	if st := s.pairs[p]; st != nil && st.count > 0 {
		return st.quantity / float64(st.count)
	}
	return 0
}

// MostFrequent returns at most limit of pairs ordered by purchase count in the window
// descending, ties broken by pair key. A limit <= 0 keeps every pair.
func (s *Snapshot) MostFrequent(pairs []model.Pair, limit int) []model.Pair {
	out := append([]model.Pair(nil), pairs...)
	sort.SliceStable(out, func(i, j int) bool {
		ci, cj := s.PairCount(out[i]), s.PairCount(out[j])
		if ci != cj {
			return ci > cj
		}
		return out[i].Less(out[j])
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Vector computes the feature dict for (customerID, productID) at the snapshot's
// reference date.
func (s *Snapshot) Vector(customerID, productID string) Vector {
	v := Vector{
		Num: make(map[string]float64, len(names)),
		Cat: make(map[string]string, len(categorical)),
	}

	v.Cat[CustomerID] = customerID
	v.Cat[ProductID] = productID
	if cat, ok := s.categories[productID]; ok && cat != "" {
		v.Cat[ProductCategory] = cat
	}
	for k, val := range Temporal(s.ref) {
		v.Cat[k] = val
	}

	v.Num[DaysSinceCustomer] = DaysSinceCap
	if c := s.customers[customerID]; c != nil {
		v.Num[CustomerPurchaseDays] = float64(len(c.days))
		v.Num[CustomerTotalAmount] = c.amount
		v.Num[CustomerAvgAmount] = c.amount / float64(c.txns)
		v.Num[CustomerTotalQuantity] = c.quantity
		v.Num[CustomerUniqueProducts] = float64(len(c.products))
		v.Num[DaysSinceCustomer] = s.daysSince(c.last)
	} else {
		v.Num[CustomerPurchaseDays] = 0
		v.Num[CustomerTotalAmount] = 0
		v.Num[CustomerAvgAmount] = 0
		v.Num[CustomerTotalQuantity] = 0
		v.Num[CustomerUniqueProducts] = 0
	}

	if p := s.products[productID]; p != nil {
		v.Num[ProductSaleDays] = float64(len(p.days))
		v.Num[ProductTotalQuantity] = p.quantity
		v.Num[ProductUniqueCustomers] = float64(len(p.customers))
		v.Num[ProductAvgQuantity] = p.quantity / float64(p.txns)
	} else {
		v.Num[ProductSaleDays] = 0
		v.Num[ProductTotalQuantity] = 0
		v.Num[ProductUniqueCustomers] = 0
		v.Num[ProductAvgQuantity] = 0
	}

	v.Num[DaysSincePair] = DaysSinceCap
	if cp := s.pairs[model.Pair{CustomerID: customerID, ProductID: productID}]; cp != nil {
		v.Num[PairPurchaseCount] = float64(cp.count)
		v.Num[PairTotalQuantity] = cp.quantity
		v.Num[PairAvgQuantity] = cp.quantity / float64(cp.count)
		v.Num[PairTotalAmount] = cp.amount
		v.Num[DaysSincePair] = s.daysSince(cp.last)
	} else {
		v.Num[PairPurchaseCount] = 0
		v.Num[PairTotalQuantity] = 0
		v.Num[PairAvgQuantity] = 0
		v.Num[PairTotalAmount] = 0
	}

	return v
}

func (s *Snapshot) daysSince(last time.Time) float64 {
	d := clock.DaysBetween(last, s.ref)
	if d > DaysSinceCap {
		d = DaysSinceCap
	}
	return float64(d)
}

// Build computes one vector directly from a transaction collection. Callers that
// score many pairs at the same date should build an Index and reuse one Snapshot.
func Build(txns []model.Transaction, products []model.Product, customerID, productID string, ref time.Time, lookbackDays int) Vector {
	return NewIndex(txns, products).Snapshot(ref, lookbackDays).Vector(customerID, productID)
}
