package recommend

import (
	"math"

	"github.com/sells-group/purchase-forecast/internal/model"
)

// PriceLevel buckets a customer's spend in a category relative to the category mean.
type PriceLevel string

const (
	PriceHigh   PriceLevel = "high"
	PriceMedium PriceLevel = "medium"
	PriceLow    PriceLevel = "low"
)

// levelBand is the |z| a customer must exceed to leave the medium bucket.
const levelBand = 1.0

// minCustomerCount is the fewest purchases a (customer, category) needs for a profile.
const minCustomerCount = 2

// Stats summarises a set of unit prices. Std is the sample standard deviation and is 0
// for fewer than two values.
type Stats struct {
	Mean  float64
	Std   float64
	Min   float64
	Max   float64
	Count int
}

// CustomerPrice is a customer's price profile within one category.
type CustomerPrice struct {
	CustomerID string
	Category   string
	Stats
	Z     float64
	Level PriceLevel
}

type customerCategory struct {
	customerID string
	category   string
}

// Profiles holds the price statistics the recommender scores against.
type Profiles struct {
	categories map[string]Stats
	customers  map[customerCategory]CustomerPrice
	products   map[string]float64
}

// BuildProfiles computes price statistics from transactions of catalogued products.
// category maps product id to its normalised category; transactions of unknown products
// are ignored.
func BuildProfiles(txns []model.Transaction, category map[string]string) *Profiles {
	byCategory := make(map[string][]float64)
	byCustomer := make(map[customerCategory][]float64)
	byProduct := make(map[string][]float64)

	for _, t := range txns {
		cat, ok := category[t.ProductID]
		if !ok || t.Quantity <= 0 {
			continue
		}
		price := t.UnitPrice()
		byCategory[cat] = append(byCategory[cat], price)
		k := customerCategory{customerID: t.CustomerID, category: cat}
		byCustomer[k] = append(byCustomer[k], price)
		byProduct[t.ProductID] = append(byProduct[t.ProductID], price)
	}

	p := &Profiles{
		categories: make(map[string]Stats, len(byCategory)),
		customers:  make(map[customerCategory]CustomerPrice),
		products:   make(map[string]float64, len(byProduct)),
	}
	for cat, prices := range byCategory {
		p.categories[cat] = summarise(prices)
	}
	for id, prices := range byProduct {
		p.products[id] = summarise(prices).Mean
	}
	for k, prices := range byCustomer {
		if len(prices) < minCustomerCount {
			continue
		}
		st := summarise(prices)
		cs := p.categories[k.category]
		z := 0.0
		if cs.Std > 0 {
			z = (st.Mean - cs.Mean) / cs.Std
		}
		p.customers[k] = CustomerPrice{
			CustomerID: k.customerID,
			Category:   k.category,
			Stats:      st,
			Z:          z,
			Level:      level(z),
		}
	}
	return p
}

// Category returns the price statistics of a category.
func (p *Profiles) Category(cat string) (Stats, bool) {
	s, ok := p.categories[cat]
	return s, ok
}

// Customer returns the customer's profile in a category. Only customers with at least
// two purchases in the category have one.
func (p *Profiles) Customer(customerID, cat string) (CustomerPrice, bool) {
	c, ok := p.customers[customerCategory{customerID: customerID, category: cat}]
	return c, ok
}

// ProductMean returns the mean unit price of a product.
func (p *Profiles) ProductMean(productID string) (float64, bool) {
	m, ok := p.products[productID]
	return m, ok
}

// PriceMatch scores how well product fits customer's spend in the product's category.
// It is 0.5 when either side has no price data.
func (p *Profiles) PriceMatch(customerID, productID, cat string) float64 {
	c, ok := p.Customer(customerID, cat)
	if !ok {
		return 0.5
	}
	pm, ok := p.ProductMean(productID)
	if !ok {
		return 0.5
	}
	return gaussian(pm, c.Mean, p.categories[cat].Std)
}

// gaussian returns exp(-½((a-b)/σ)²). With a degenerate σ it is 1 for equal values and
// 0.5 otherwise.
func gaussian(a, b, sigma float64) float64 {
	if sigma <= 0 || math.IsNaN(sigma) {
		if a == b {
			return 1
		}
		return 0.5
	}
	d := (a - b) / sigma
	return math.Exp(-0.5 * d * d)
}

func level(z float64) PriceLevel {
	switch {
	case z < -levelBand:
		return PriceLow
	case z > levelBand:
		return PriceHigh
	default:
		return PriceMedium
	}
}

func summarise(values []float64) Stats {
	s := Stats{Count: len(values)}
	if len(values) == 0 {
		return s
	}
	s.Min, s.Max = values[0], values[0]
	var sum float64
	for _, v := range values {
		sum += v
		s.Min = min(s.Min, v)
		s.Max = max(s.Max, v)
	}
	s.Mean = sum / float64(len(values))
	if len(values) < 2 {
		return s
	}
	var ss float64
	for _, v := range values {
		d := v - s.Mean
		ss += d * d
	}
	s.Std = math.Sqrt(ss / float64(len(values)-1))
	return s
}
