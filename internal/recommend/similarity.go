package recommend

import (
	"github.com/sells-group/purchase-forecast/internal/model"
)

// Item is a catalogued product with normalised attributes.
type Item struct {
	ProductID     string
	Category      string
	Subcategory   string
	Specification string
	ProcessType   string

	raw model.Product
}

// Catalog is the set of active products keyed by id.
type Catalog struct {
	items map[string]*Item
	ids   []string
}

// NewCatalog collapses the product master to one active row per product and normalises
// its attributes.
func NewCatalog(products []model.Product) *Catalog {
	unique := model.UniqueProducts(products)
	c := &Catalog{items: make(map[string]*Item, len(unique))}
	for _, p := range unique {
		c.items[p.ProductID] = &Item{
			ProductID:     p.ProductID,
			Category:      model.NormalizeAttr(p.Category),
			Subcategory:   model.NormalizeAttr(p.Subcategory),
			Specification: model.NormalizeAttr(p.Specification),
			ProcessType:   model.NormalizeAttr(p.ProcessType),
			raw:           p,
		}
		c.ids = append(c.ids, p.ProductID)
	}
	return c
}

// Item returns the catalogued product.
func (c *Catalog) Item(id string) (*Item, bool) {
	it, ok := c.items[id]
	return it, ok
}

// Len returns the number of active products.
func (c *Catalog) Len() int { return len(c.ids) }

// Categories maps each product id to its normalised category.
func (c *Catalog) Categories() map[string]string {
	out := make(map[string]string, len(c.items))
	for id, it := range c.items {
		out[id] = it.Category
	}
	return out
}

// Similarity averages five 0..1 factors: category, subcategory, specification and
// process type equality, plus Gaussian price similarity within the category. It is
// symmetric and an item is fully similar to itself.
func Similarity(a, b *Item, prof *Profiles) float64 {
	if a.ProductID == b.ProductID {
		return 1
	}
	score := match(a.Category, b.Category) +
		match(a.Subcategory, b.Subcategory) +
		match(a.Specification, b.Specification) +
		match(a.ProcessType, b.ProcessType) +
		priceSimilarity(a, b, prof)
	return score / 5
}

func match(a, b string) float64 {
	if a == b {
		return 1
	}
	return 0
}

func priceSimilarity(a, b *Item, prof *Profiles) float64 {
	if a.Category != b.Category {
		return 0
	}
	pa, okA := prof.ProductMean(a.ProductID)
	pb, okB := prof.ProductMean(b.ProductID)
	if !okA || !okB {
		return 0.5
	}
	cs, _ := prof.Category(a.Category)
	return gaussian(pa, pb, cs.Std)
}

// Matrix caches pairwise similarities. It is safe for concurrent reads once built.
type Matrix struct {
	index map[string]int
	sims  [][]float64
}

// NewMatrix computes the full similarity matrix over the catalog.
func NewMatrix(c *Catalog, prof *Profiles) *Matrix {
	n := len(c.ids)
	m := &Matrix{index: make(map[string]int, n), sims: make([][]float64, n)}
	for i, id := range c.ids {
		m.index[id] = i
		m.sims[i] = make([]float64, n)
	}
	for i := 0; i < n; i++ {
		a := c.items[c.ids[i]]
		m.sims[i][i] = 1
		for j := i + 1; j < n; j++ {
			s := Similarity(a, c.items[c.ids[j]], prof)
			m.sims[i][j] = s
			m.sims[j][i] = s
		}
	}
	return m
}

// At returns the similarity of two catalogued products, or 0 if either is unknown.
func (m *Matrix) At(a, b string) float64 {
	i, ok := m.index[a]
	if !ok {
		return 0
	}
	j, ok := m.index[b]
	if !ok {
		return 0
	}
	return m.sims[i][j]
}

// Mean returns the mean similarity of q to the given products, or 0 for an empty set.
func (m *Matrix) Mean(q string, to []string) float64 {
	if len(to) == 0 {
		return 0
	}
	var sum float64
	for _, p := range to {
		sum += m.At(q, p)
	}
	return sum / float64(len(to))
}
