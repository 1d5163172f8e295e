// Package prediction runs the daily prediction pass: it decides which customer/product
// pairs need a forecast, scores each of the next days, and writes the best day as an
// active prediction in one transaction.
package prediction

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/purchase-forecast/internal/artifact"
	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/config"
	"github.com/sells-group/purchase-forecast/internal/feature"
	"github.com/sells-group/purchase-forecast/internal/gbdt"
	"github.com/sells-group/purchase-forecast/internal/metrics"
	"github.com/sells-group/purchase-forecast/internal/model"
	"github.com/sells-group/purchase-forecast/internal/store"
)

// ErrNoModel is returned when the current bundle cannot be loaded.
var ErrNoModel = eris.New("prediction: no loadable model")

// Scorer returns the positive-class probability of a feature row.
type Scorer interface {
	Predict(row gbdt.Row) (float64, error)
}

// Model is a loaded classifier with its frozen feature layout.
type Model struct {
	Scorer       Scorer
	FeatureNames []string
	Categorical  []string
	VersionTag   string
}

// ModelSource supplies the model for a pass, reloading it if it changed on disk.
type ModelSource interface {
	Model() (Model, error)
}

// BundleSource serves models from a hot-reloading artifact loader.
type BundleSource struct {
	loader *artifact.Loader
}

// NewBundleSource wraps l.
func NewBundleSource(l *artifact.Loader) *BundleSource {
	return &BundleSource{loader: l}
}

// Model returns the current bundle's classifier. Categorical columns come from the
// bundle metadata, falling back to the model's own record.
func (b *BundleSource) Model() (Model, error) {
	bundle, err := b.loader.Get()
	if err != nil {
		return Model{}, err
	}
	cats := bundle.Metadata.CategoricalFeatures
	if len(cats) == 0 {
		cats = bundle.Model.CategoricalNames()
	}
	return Model{
		Scorer:       bundle.Model,
		FeatureNames: bundle.FeatureNames,
		Categorical:  cats,
		VersionTag:   bundle.Metadata.VersionTag,
	}, nil
}

// Config holds the thresholds and windows of a prediction pass.
type Config struct {
	Threshold               float64
	HighConfidenceThreshold float64
	MaxEvalCombinations     int
	LookbackDays            int
	HorizonDays             int
	RecentDays              int
	ToleranceDays           int
	Workers                 int
	DryRun                  bool
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		Threshold:               0.7,
		HighConfidenceThreshold: 0.8,
		MaxEvalCombinations:     10000,
		LookbackDays:            90,
		HorizonDays:             7,
		RecentDays:              7,
		ToleranceDays:           2,
		Workers:                 8,
	}
}

// NewConfig maps application configuration onto a prediction Config.
func NewConfig(cfg *config.Config) Config {
	c := DefaultConfig()
	p := cfg.Prediction
	c.Threshold = p.Threshold
	c.HighConfidenceThreshold = p.HighConfidenceThreshold
	if p.MaxEvalCombinations > 0 {
		c.MaxEvalCombinations = p.MaxEvalCombinations
	}
	if p.FulfilmentToleranceDays > 0 {
		c.ToleranceDays = p.FulfilmentToleranceDays
	}
	if p.RecentDays > 0 {
		c.RecentDays = p.RecentDays
	}
	if p.Workers > 0 {
		c.Workers = p.Workers
	}
	if d := cfg.Training.FeatureCalculationDays; d > 0 {
		c.LookbackDays = d
	}
	if d := cfg.Training.PredictionHorizonDays; d > 0 {
		c.HorizonDays = d
	}
	return c
}

// Result summarises one pass.
type Result struct {
	BatchID       string
	Today         time.Time
	ModelVersion  string
	Historical    int
	Reasons       map[Reason]int
	Eligible      int
	Capped        int
	Scored        int
	Failed        int
	Predictions   []model.Prediction
	Changes       []model.StatusChange
	StatusChanged int64
	Upserted      int64
	DryRun        bool
}

// Service runs prediction passes.
type Service struct {
	store   store.PredictionStore
	models  ModelSource
	cfg     Config
	clk     clock.Clock
	loc     *time.Location
	metrics *metrics.JobMetrics
	log     *zap.Logger
}

// NewService creates a prediction service. m may be nil.
func NewService(st store.PredictionStore, models ModelSource, cfg Config, clk clock.Clock, loc *time.Location, m *metrics.JobMetrics) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	if loc == nil {
		loc = time.UTC
	}
	return &Service{
		store:   st,
		models:  models,
		cfg:     cfg,
		clk:     clk,
		loc:     loc,
		metrics: m,
		log:     zap.L().With(zap.String("component", "prediction")),
	}
}

// Run executes one pass for the current business day.
func (s *Service) Run(ctx context.Context) (*Result, error) {
	return s.RunAt(ctx, clock.Today(s.clk, s.loc))
}

type scored struct {
	ok   bool
	best int
	prob float64
}

// RunAt executes one pass treating today as the current business day.
func (s *Service) RunAt(ctx context.Context, today time.Time) (*Result, error) {
	today = clock.Day(today)
	now := s.clk.Now()
	res := &Result{
		BatchID: NewBatchID(now.In(s.loc)),
		Today:   today,
		Reasons: make(map[Reason]int),
		DryRun:  s.cfg.DryRun,
	}
	log := s.log.With(
		zap.String("batch_id", res.BatchID),
		zap.String("today", today.Format(time.DateOnly)),
	)

	mdl, err := s.models.Model()
	if err != nil {
		return nil, eris.Wrapf(ErrNoModel, "%v", err)
	}
	res.ModelVersion = mdl.VersionTag

	from := clock.AddDays(today, -s.cfg.LookbackDays)
	txns, err := s.store.LoadTransactions(ctx, from, time.Time{})
	if err != nil {
		return nil, eris.Wrap(err, "prediction: load transactions")
	}
	products, err := s.store.LoadProducts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "prediction: load products")
	}
	active, err := s.store.LoadActivePredictions(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "prediction: load active predictions")
	}
	frozen, err := s.store.LoadFrozenPredictions(ctx, clock.AddDays(today, 1), clock.AddDays(today, s.cfg.HorizonDays))
	if err != nil {
		return nil, eris.Wrap(err, "prediction: load frozen predictions")
	}

	ix := feature.NewIndex(txns, products)
	hist := ix.Snapshot(today, s.cfg.LookbackDays)
	historical := hist.Pairs()
	res.Historical = len(historical)
	// Purchases already imported for dates after today still count toward fulfilment.
	recent := ix.Window(clock.AddDays(today, -s.cfg.RecentDays), time.Time{})

	trig := Trigger{Today: today, HorizonDays: s.cfg.HorizonDays, ToleranceDays: s.cfg.ToleranceDays}
	reasons := make(map[model.Pair]Reason)
	var eligible []model.Pair
	for _, d := range trig.Classify(historical, active, recent) {
		res.Reasons[d.Reason]++
		if d.Reason.Eligible() {
			reasons[d.Pair] = d.Reason
			eligible = append(eligible, d.Pair)
		}
	}
	res.Eligible = len(eligible)
	if len(eligible) > s.cfg.MaxEvalCombinations {
		eligible = hist.MostFrequent(eligible, s.cfg.MaxEvalCombinations)
		res.Capped = res.Eligible - len(eligible)
	}
	log.Info("eligibility decided",
		zap.Int("historical", res.Historical),
		zap.Int("new", res.Reasons[ReasonNew]),
		zap.Int("refresh_after_fulfilment", res.Reasons[ReasonRefreshAfterFulfilment]),
		zap.Int("refresh_expired", res.Reasons[ReasonRefreshExpired]),
		zap.Int("suppressed", res.Reasons[ReasonSuppressed]),
		zap.Int("capped", res.Capped),
	)

	changes := trig.Transitions(active, recent)
	closed := closedKeys(changes)
	for _, f := range frozen {
		closed[changeKey{Pair: f.Pair(), Date: clock.Day(f.PredictionDate)}] = true
	}

	results, err := s.score(ctx, mdl, ix, today, eligible, closed)
	if err != nil {
		return nil, err
	}

	for i, p := range eligible {
		r := results[i]
		if !r.ok {
			res.Failed++
			continue
		}
		res.Scored++
		if r.best < 1 || r.prob < s.cfg.Threshold {
			continue
		}
		res.Predictions = append(res.Predictions, s.prediction(p, reasons[p], r, hist, today, now, res.BatchID))
	}

	sortPredictions(res.Predictions)

	changes = append(changes, trig.supersede(active, res.Predictions, closed)...)
	res.Changes = changes

	s.metrics.AddPairs("eligible", res.Eligible)
	s.metrics.AddPairs("suppressed", res.Reasons[ReasonSuppressed])
	s.metrics.AddPairs("scored", res.Scored)
	s.metrics.AddPairs("failed", res.Failed)
	s.metrics.AddPairs("emitted", len(res.Predictions))

	if s.cfg.DryRun {
		log.Info("dry run, nothing written",
			zap.Int("predictions", len(res.Predictions)),
			zap.Int("status_changes", len(changes)),
		)
		return res, nil
	}

	br, err := s.store.SavePredictionBatch(ctx, store.PredictionBatch{
		BatchID:     res.BatchID,
		At:          now.UTC(),
		Changes:     changes,
		Predictions: res.Predictions,
	})
	if err != nil {
		return nil, eris.Wrap(err, "prediction: save batch")
	}
	res.StatusChanged, res.Upserted = br.StatusChanged, br.Upserted
	s.metrics.AddRows("purchase_predictions", br.Upserted)

	log.Info("prediction pass complete",
		zap.String("model_version", res.ModelVersion),
		zap.Int("scored", res.Scored),
		zap.Int("failed", res.Failed),
		zap.Int("emitted", len(res.Predictions)),
		zap.Int64("status_changed", res.StatusChanged),
		zap.Int64("upserted", res.Upserted),
	)
	return res, nil
}

// score evaluates each pair at every offset 1..horizon in parallel. Days whose row is
// being closed this pass, or was closed by an earlier one, are not candidates. A pair
// whose scoring fails or panics is marked not ok and the pass continues.
func (s *Service) score(ctx context.Context, mdl Model, ix *feature.Index, today time.Time, pairs []model.Pair, closed map[changeKey]bool) ([]scored, error) {
	snaps := make([]*feature.Snapshot, s.cfg.HorizonDays)
	for k := range snaps {
		snaps[k] = ix.Snapshot(clock.AddDays(today, k+1), s.cfg.LookbackDays)
	}

	out := make([]scored, len(pairs))
	g, gctx := errgroup.WithContext(ctx)
	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	g.SetLimit(workers)

	for i, p := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			r, err := s.scorePair(mdl, snaps, p, closed)
			if err != nil {
				s.log.Warn("pair skipped",
					zap.String("customer_id", p.CustomerID),
					zap.String("product_id", p.ProductID),
					zap.Error(err),
				)
				return nil
			}
			out[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, eris.Wrap(err, "prediction: scoring")
	}
	return out, nil
}

func (s *Service) scorePair(mdl Model, snaps []*feature.Snapshot, p model.Pair, closed map[changeKey]bool) (r scored, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r, err = scored{}, eris.Errorf("prediction: panic while scoring: %v", rec)
		}
	}()

	r.best = -1
	for k, snap := range snaps {
		if closed[changeKey{Pair: p, Date: snap.Ref()}] {
			continue
		}
		row := snap.Vector(p.CustomerID, p.ProductID).Row(mdl.FeatureNames, mdl.Categorical)
		prob, err := mdl.Scorer.Predict(row)
		if err != nil {
			return scored{}, err
		}
		if math.IsNaN(prob) || prob < 0 || prob > 1 {
			return scored{}, eris.Errorf("prediction: probability %v out of range", prob)
		}
		if r.best < 0 || prob > r.prob {
			r.best, r.prob = k+1, prob
		}
	}
	r.ok = true
	return r, nil
}

func (s *Service) prediction(p model.Pair, reason Reason, r scored, hist *feature.Snapshot, today, now time.Time, batchID string) model.Prediction {
	qty := int(math.Round(hist.PairMeanQuantity(p)))
	if qty < 1 {
		qty = 1
	}
	conf := model.ConfidenceMedium
	if r.prob >= s.cfg.HighConfidenceThreshold {
		conf = model.ConfidenceHigh
	}
	return model.Prediction{
		CustomerID:           p.CustomerID,
		ProductID:            p.ProductID,
		PredictionDate:       clock.AddDays(today, r.best),
		PurchaseProbability:  r.prob,
		EstimatedQuantity:    qty,
		ConfidenceLevel:      conf,
		WillPurchaseAnything: true,
		OriginalSegment:      string(reason),
		BatchID:              batchID,
		Status:               model.PredictionActive,
		CreatedAt:            now.UTC(),
		UpdatedAt:            now.UTC(),
	}
}

// NewBatchID returns batch_<YYYYMMDD_HHMMSS>_<8 hex>.
func NewBatchID(at time.Time) string {
	return "batch_" + at.Format("20060102_150405") + "_" + uuid.NewString()[:8]
}

// sortPredictions orders predictions by pair then date.
func sortPredictions(ps []model.Prediction) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].Pair() != ps[j].Pair() {
			return ps[i].Pair().Less(ps[j].Pair())
		}
		return ps[i].PredictionDate.Before(ps[j].PredictionDate)
	})
}
