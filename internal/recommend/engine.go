// Package recommend builds the per-customer and per-product top-N recommendation
// snapshots from product similarity and per-category price fit.
package recommend

import (
	"context"
	"sort"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/config"
	"github.com/sells-group/purchase-forecast/internal/metrics"
	"github.com/sells-group/purchase-forecast/internal/model"
	"github.com/sells-group/purchase-forecast/internal/store"
)

// Config configures a recommender run.
type Config struct {
	TopN         int
	Workers      int
	LookbackDays int // 0 uses the full history
	DryRun       bool
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{TopN: 7, Workers: 8}
}

// NewConfig maps application configuration onto a recommender Config.
func NewConfig(cfg *config.Config) Config {
	c := DefaultConfig()
	r := cfg.Recommend
	if r.TopN > 0 {
		c.TopN = r.TopN
	}
	if r.Workers > 0 {
		c.Workers = r.Workers
	}
	if r.LookbackDays > 0 {
		c.LookbackDays = r.LookbackDays
	}
	return c
}

// Result summarises one recommender run.
type Result struct {
	Transactions int
	Products     int
	Customers    int
	Customer     []model.CustomerRecommendation
	Product      []model.ProductRecommendation
	Elapsed      time.Duration
	DryRun       bool
}

// Engine loads history, computes both recommendation snapshots, and replaces them.
type Engine struct {
	store   store.RecommendationStore
	cfg     Config
	clk     clock.Clock
	loc     *time.Location
	metrics *metrics.JobMetrics
	log     *zap.Logger
}

// NewEngine creates a recommender. m may be nil.
func NewEngine(st store.RecommendationStore, cfg Config, clk clock.Clock, loc *time.Location, m *metrics.JobMetrics) *Engine {
	if clk == nil {
		clk = clock.System{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Engine{
		store:   st,
		cfg:     cfg,
		clk:     clk,
		loc:     loc,
		metrics: m,
		log:     zap.L().With(zap.String("component", "recommend")),
	}
}

// Run executes one recommender pass.
func (e *Engine) Run(ctx context.Context) (*Result, error) {
	start := e.clk.Now()

	var from time.Time
	if e.cfg.LookbackDays > 0 {
		from = clock.AddDays(clock.Today(e.clk, e.loc), -e.cfg.LookbackDays)
	}
	txns, err := e.store.LoadTransactions(ctx, from, time.Time{})
	if err != nil {
		return nil, eris.Wrap(err, "recommend: load transactions")
	}
	products, err := e.store.LoadProducts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "recommend: load products")
	}

	snap, err := Compute(ctx, txns, products, e.cfg, start.UTC())
	if err != nil {
		return nil, err
	}
	res := &Result{
		Transactions: len(txns),
		Products:     snap.products,
		Customers:    snap.customers,
		Customer:     snap.Customer,
		Product:      snap.Product,
		DryRun:       e.cfg.DryRun,
	}
	e.log.Info("recommendations computed",
		zap.Int("transactions", res.Transactions),
		zap.Int("products", res.Products),
		zap.Int("customers", res.Customers),
		zap.Int("customer_rows", len(res.Customer)),
		zap.Int("product_rows", len(res.Product)),
	)

	if !e.cfg.DryRun {
		if err := e.store.ReplaceRecommendations(ctx, res.Customer, res.Product); err != nil {
			return nil, eris.Wrap(err, "recommend: replace snapshots")
		}
		e.metrics.AddRows("customer_product_recommendations", int64(len(res.Customer)))
		e.metrics.AddRows("product_customer_recommendations", int64(len(res.Product)))
	}
	res.Elapsed = e.clk.Now().Sub(start)
	return res, nil
}

// Snapshot is the output of Compute.
type Snapshot struct {
	Customer []model.CustomerRecommendation
	Product  []model.ProductRecommendation

	products  int
	customers int
}

// history is the purchase structure both directions are scored from.
type history struct {
	catalog   *Catalog
	profiles  *Profiles
	matrix    *Matrix
	customers []string
	bought    map[string][]string        // customer -> product ids, sorted
	owns      map[string]map[string]bool // customer -> product id set
	covered   map[string]map[string]bool // customer -> subcategory set
}

func newHistory(txns []model.Transaction, products []model.Product) *history {
	cat := NewCatalog(products)
	prof := BuildProfiles(txns, cat.Categories())
	h := &history{
		catalog:  cat,
		profiles: prof,
		matrix:   NewMatrix(cat, prof),
		bought:   make(map[string][]string),
		owns:     make(map[string]map[string]bool),
		covered:  make(map[string]map[string]bool),
	}
	for _, t := range txns {
		it, ok := cat.Item(t.ProductID)
		if !ok || t.Quantity <= 0 {
			continue
		}
		set := h.owns[t.CustomerID]
		if set == nil {
			set = make(map[string]bool)
			h.owns[t.CustomerID] = set
			h.covered[t.CustomerID] = make(map[string]bool)
			h.customers = append(h.customers, t.CustomerID)
		}
		if !set[t.ProductID] {
			set[t.ProductID] = true
			h.bought[t.CustomerID] = append(h.bought[t.CustomerID], t.ProductID)
		}
		h.covered[t.CustomerID][it.Subcategory] = true
	}
	sort.Strings(h.customers)
	for _, ids := range h.bought {
		sort.Strings(ids)
	}
	return h
}

type candidate struct {
	id    string
	base  float64
	price float64
	final float64
}

func byFinal(c []candidate) {
	sort.Slice(c, func(i, j int) bool {
		if c[i].final != c[j].final {
			return c[i].final > c[j].final
		}
		return c[i].id < c[j].id
	})
}

// forCustomer ranks uncovered-subcategory products for one customer, keeping the best
// product of each subcategory.
func (h *history) forCustomer(customerID string, topN int) []candidate {
	owns := h.owns[customerID]
	covered := h.covered[customerID]
	bought := h.bought[customerID]

	best := make(map[string]candidate)
	for _, id := range h.catalog.ids {
		it := h.catalog.items[id]
		if owns[id] || covered[it.Subcategory] {
			continue
		}
		base := h.matrix.Mean(id, bought)
		price := h.profiles.PriceMatch(customerID, id, it.Category)
		c := candidate{id: id, base: base, price: price, final: base * price}
		if cur, ok := best[it.Subcategory]; !ok || c.final > cur.final || (c.final == cur.final && c.id < cur.id) {
			best[it.Subcategory] = c
		}
	}

	out := make([]candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	byFinal(out)
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// forProduct ranks customers who have bought neither the product nor anything in its
// subcategory.
func (h *history) forProduct(productID string, topN int) []candidate {
	it := h.catalog.items[productID]
	var out []candidate
	for _, c := range h.customers {
		if h.owns[c][productID] || h.covered[c][it.Subcategory] {
			continue
		}
		base := h.matrix.Mean(productID, h.bought[c])
		price := h.profiles.PriceMatch(c, productID, it.Category)
		out = append(out, candidate{id: c, base: base, price: price, final: base * price})
	}
	byFinal(out)
	if len(out) > topN {
		out = out[:topN]
	}
	return out
}

// Compute builds both snapshots from history. Output is ordered by owner id then rank.
func Compute(ctx context.Context, txns []model.Transaction, products []model.Product, cfg Config, now time.Time) (*Snapshot, error) {
	topN := cfg.TopN
	if topN <= 0 {
		topN = DefaultConfig().TopN
	}
	workers := cfg.Workers
	if workers <= 0 {
		workers = 1
	}

	h := newHistory(txns, products)
	perCustomer := make([][]candidate, len(h.customers))
	perProduct := make([][]candidate, len(h.catalog.ids))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for i, c := range h.customers {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perCustomer[i] = h.forCustomer(c, topN)
			return nil
		})
	}
	for i, id := range h.catalog.ids {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			perProduct[i] = h.forProduct(id, topN)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "recommend: compute")
	}

	snap := &Snapshot{products: h.catalog.Len(), customers: len(h.customers)}
	for i, c := range h.customers {
		for rank, cand := range perCustomer[i] {
			it := h.catalog.items[cand.id]
			avg, _ := h.profiles.ProductMean(cand.id)
			snap.Customer = append(snap.Customer, model.CustomerRecommendation{
				CustomerID:      c,
				ProductID:       cand.id,
				Rank:            rank + 1,
				BaseSimilarity:  cand.base,
				PriceMatchScore: cand.price,
				FinalScore:      cand.final,
				Category:        it.raw.Category,
				Subcategory:     it.raw.Subcategory,
				Specification:   it.raw.Specification,
				ProcessType:     it.raw.ProcessType,
				ProductAvgPrice: avg,
				GeneratedAt:     now,
			})
		}
	}

	ids := append([]string(nil), h.catalog.ids...)
	order := make([]int, len(ids))
	for i := range order {
		order[i] = i
	}
	sort.Slice(order, func(a, b int) bool { return ids[order[a]] < ids[order[b]] })
	for _, i := range order {
		id := ids[i]
		it := h.catalog.items[id]
		avg, _ := h.profiles.ProductMean(id)
		for rank, cand := range perProduct[i] {
			snap.Product = append(snap.Product, model.ProductRecommendation{
				ProductID:       id,
				CustomerID:      cand.id,
				Rank:            rank + 1,
				BaseSimilarity:  cand.base,
				PriceMatchScore: cand.price,
				FinalScore:      cand.final,
				Category:        it.raw.Category,
				Subcategory:     it.raw.Subcategory,
				Specification:   it.raw.Specification,
				ProcessType:     it.raw.ProcessType,
				ProductAvgPrice: avg,
				GeneratedAt:     now,
			})
		}
	}
	return snap, nil
}
