package prediction

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/artifact"
	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/feature"
	"github.com/sells-group/purchase-forecast/internal/gbdt"
	"github.com/sells-group/purchase-forecast/internal/metrics"
	"github.com/sells-group/purchase-forecast/internal/model"
	"github.com/sells-group/purchase-forecast/internal/store"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

type fakeStore struct {
	txns     []model.Transaction
	products []model.Product
	active   []model.Prediction
	frozen   []model.Prediction
	saved    []store.PredictionBatch
	loadErr  error
	saveErr  error
	from, to time.Time
}

func (f *fakeStore) LoadTransactions(_ context.Context, from, to time.Time) ([]model.Transaction, error) {
	f.from, f.to = from, to
	if f.loadErr != nil {
		return nil, f.loadErr
	}
	var out []model.Transaction
	for _, t := range f.txns {
		if t.Date.Before(from) || (!to.IsZero() && !t.Date.Before(to)) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeStore) LoadProducts(context.Context) ([]model.Product, error) { return f.products, nil }

func (f *fakeStore) LoadActivePredictions(context.Context) ([]model.Prediction, error) {
	return f.active, nil
}

func (f *fakeStore) LoadFrozenPredictions(_ context.Context, from, to time.Time) ([]model.Prediction, error) {
	var out []model.Prediction
	for _, p := range f.frozen {
		if !p.PredictionDate.Before(from) && !p.PredictionDate.After(to) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) SavePredictionBatch(_ context.Context, b store.PredictionBatch) (store.BatchResult, error) {
	if f.saveErr != nil {
		return store.BatchResult{}, f.saveErr
	}
	f.saved = append(f.saved, b)
	return store.BatchResult{StatusChanged: int64(len(b.Changes)), Upserted: int64(len(b.Predictions))}, nil
}

// scoreFunc scores a row by its customer and target day of month.
type scoreFunc func(customer string, day int) (float64, error)

type fakeModels struct {
	fn  scoreFunc
	err error
}

func (f fakeModels) Model() (Model, error) {
	if f.err != nil {
		return Model{}, f.err
	}
	names := feature.Names()
	return Model{
		Scorer:       rowScorer{fn: f.fn, names: names},
		FeatureNames: names,
		Categorical:  feature.Categorical(),
		VersionTag:   "test",
	}, nil
}

type rowScorer struct {
	fn    scoreFunc
	names []string
}

func (r rowScorer) Predict(row gbdt.Row) (float64, error) {
	var customer string
	var day int
	for i, n := range r.names {
		switch n {
		case feature.CustomerID:
			customer = row.Cat[i]
		case feature.DayOfMonth:
			day, _ = strconv.Atoi(row.Cat[i])
		}
	}
	return r.fn(customer, day)
}

// byDay returns probs[day-2] for target days 2..8 of August, i.e. offsets 1..7 from today.
func byDay(probs ...float64) scoreFunc {
	return func(_ string, day int) (float64, error) {
		return probs[day-2], nil
	}
}

func constant(p float64) scoreFunc {
	return func(string, int) (float64, error) { return p, nil }
}

func baseHistory() []model.Transaction {
	return []model.Transaction{
		{CustomerID: "c1", ProductID: "p1", Date: clock.Date(2025, 6, 1), Quantity: 3, Amount: 90},
		{CustomerID: "c1", ProductID: "p1", Date: clock.Date(2025, 7, 1), Quantity: 2, Amount: 60},
	}
}

func products() []model.Product {
	return []model.Product{
		{ProductID: "p1", WarehouseID: "w1", Category: "veg", IsActive: model.ActiveFlag},
		{ProductID: "p2", WarehouseID: "w1", Category: "veg", IsActive: model.ActiveFlag},
	}
}

func newTestService(st *fakeStore, fn scoreFunc, mutate ...func(*Config)) *Service {
	cfg := DefaultConfig()
	cfg.Workers = 2
	for _, m := range mutate {
		m(&cfg)
	}
	now := time.Date(2025, 8, 1, 1, 0, 0, 0, time.UTC)
	return NewService(st, fakeModels{fn: fn}, cfg, clock.Fixed(now), time.UTC, metrics.New("predict"))
}

// applyBatch replays a batch against rows the way the guarded upsert does.
func applyBatch(rows []model.Prediction, b store.PredictionBatch) []model.Prediction {
	type key struct {
		p model.Pair
		d time.Time
	}
	idx := make(map[key]int)
	for i, r := range rows {
		idx[key{r.Pair(), r.PredictionDate}] = i
	}
	for _, c := range b.Changes {
		k := key{model.Pair{CustomerID: c.CustomerID, ProductID: c.ProductID}, c.PredictionDate}
		if i, ok := idx[k]; ok && rows[i].Status == model.PredictionActive {
			rows[i].Status = c.Status
		}
	}
	for _, p := range b.Predictions {
		k := key{p.Pair(), p.PredictionDate}
		if i, ok := idx[k]; ok {
			if rows[i].Status == model.PredictionActive {
				rows[i] = p
			}
			continue
		}
		idx[k] = len(rows)
		rows = append(rows, p)
	}
	return rows
}

func assertSingleActive(t *testing.T, rows []model.Prediction) {
	t.Helper()
	count := make(map[model.Pair]int)
	for _, r := range rows {
		if r.Status == model.PredictionActive && !r.PredictionDate.Before(today) {
			count[r.Pair()]++
		}
	}
	for p, n := range count {
		assert.LessOrEqual(t, n, 1, "pair %v has %d active rows", p, n)
	}
}

func TestRun_SuppressesPendingPrediction(t *testing.T) {
	st := &fakeStore{
		txns:     baseHistory(),
		products: products(),
		active:   []model.Prediction{activeAt(c1p1, clock.Date(2025, 8, 3))},
	}
	res, err := newTestService(st, constant(0.95)).RunAt(context.Background(), today)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Reasons[ReasonSuppressed])
	assert.Zero(t, res.Eligible)
	assert.Empty(t, res.Predictions)
	require.Len(t, st.saved, 1)
	assert.Empty(t, st.saved[0].Predictions)
	assert.Empty(t, st.saved[0].Changes)
}

func TestRun_RefreshAfterFulfilment(t *testing.T) {
	st := &fakeStore{
		txns:     append(baseHistory(), purchase(c1p1, clock.Date(2025, 8, 2))),
		products: products(),
		active:   []model.Prediction{activeAt(c1p1, clock.Date(2025, 8, 3))},
	}
	res, err := newTestService(st, constant(0.75)).RunAt(context.Background(), today)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Reasons[ReasonRefreshAfterFulfilment])
	require.Len(t, res.Predictions, 1)
	p := res.Predictions[0]
	assert.False(t, p.PredictionDate.Before(clock.Date(2025, 8, 2)))
	assert.False(t, p.PredictionDate.After(clock.Date(2025, 8, 8)))
	assert.NotEqual(t, clock.Date(2025, 8, 3), p.PredictionDate, "fulfilled row's date is not reused")
	assert.Equal(t, string(ReasonRefreshAfterFulfilment), p.OriginalSegment)
	assert.Equal(t, model.ConfidenceMedium, p.ConfidenceLevel)

	require.Len(t, st.saved, 1)
	assert.Contains(t, st.saved[0].Changes, model.StatusChange{
		CustomerID: "c1", ProductID: "p1", PredictionDate: clock.Date(2025, 8, 3), Status: model.PredictionFulfilled,
	})
	assertSingleActive(t, applyBatch(append([]model.Prediction(nil), st.active...), st.saved[0]))
}

func TestRun_BestDaySelection(t *testing.T) {
	st := &fakeStore{txns: baseHistory(), products: products()}
	res, err := newTestService(st, byDay(0.2, 0.4, 0.9, 0.85, 0.3, 0.1, 0.05)).RunAt(context.Background(), today)
	require.NoError(t, err)

	require.Len(t, res.Predictions, 1)
	p := res.Predictions[0]
	assert.Equal(t, clock.Date(2025, 8, 4), p.PredictionDate)
	assert.InDelta(t, 0.9, p.PurchaseProbability, 1e-12)
	assert.Equal(t, model.ConfidenceHigh, p.ConfidenceLevel)
	assert.Equal(t, model.PredictionActive, p.Status)
	assert.Equal(t, 3, p.EstimatedQuantity, "round(mean(3, 2))")
	assert.True(t, p.WillPurchaseAnything)
	assert.Equal(t, string(ReasonNew), p.OriginalSegment)
	assert.Equal(t, res.BatchID, p.BatchID)
	assert.Regexp(t, `^batch_20250801_010000_[0-9a-f]{8}$`, res.BatchID)

	require.Len(t, st.saved, 1)
	assert.Equal(t, res.BatchID, st.saved[0].BatchID)
	assert.Equal(t, int64(1), res.Upserted)
}

func TestRun_BestDaySkipsFrozenDates(t *testing.T) {
	fulfilled := activeAt(c1p1, clock.Date(2025, 8, 4))
	fulfilled.Status = model.PredictionFulfilled
	st := &fakeStore{txns: baseHistory(), products: products(), frozen: []model.Prediction{fulfilled}}

	res, err := newTestService(st, byDay(0.2, 0.4, 0.9, 0.85, 0.3, 0.1, 0.05)).RunAt(context.Background(), today)
	require.NoError(t, err)

	require.Len(t, res.Predictions, 1)
	assert.Equal(t, clock.Date(2025, 8, 5), res.Predictions[0].PredictionDate)
	assert.InDelta(t, 0.85, res.Predictions[0].PurchaseProbability, 1e-12)

	rows := applyBatch([]model.Prediction{fulfilled}, st.saved[0])
	require.Len(t, rows, 2, "the new prediction lands on its own row")
	assert.Equal(t, model.PredictionFulfilled, rows[0].Status)
	assert.Equal(t, model.PredictionActive, rows[1].Status)
}

func TestRun_BelowThresholdEmitsNothing(t *testing.T) {
	st := &fakeStore{txns: baseHistory(), products: products()}
	res, err := newTestService(st, constant(0.69)).RunAt(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scored)
	assert.Empty(t, res.Predictions)
}

func TestRun_ExpiredAndSuperseded(t *testing.T) {
	st := &fakeStore{
		txns:     baseHistory(),
		products: products(),
		active: []model.Prediction{
			activeAt(c1p1, clock.Date(2025, 7, 20)),
			activeAt(c1p1, clock.Date(2025, 8, 12)),
		},
	}
	res, err := newTestService(st, byDay(0.2, 0.4, 0.9, 0.85, 0.3, 0.1, 0.05)).RunAt(context.Background(), today)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Reasons[ReasonRefreshExpired])
	require.Len(t, res.Predictions, 1)
	assert.Equal(t, []model.StatusChange{
		{CustomerID: "c1", ProductID: "p1", PredictionDate: clock.Date(2025, 7, 20), Status: model.PredictionExpired},
		{CustomerID: "c1", ProductID: "p1", PredictionDate: clock.Date(2025, 8, 12), Status: model.PredictionCancelled},
	}, res.Changes)

	rows := applyBatch(append([]model.Prediction(nil), st.active...), st.saved[0])
	assertSingleActive(t, rows)
}

func TestRun_RepeatedPassesKeepSingleActive(t *testing.T) {
	st := &fakeStore{txns: baseHistory(), products: products()}
	var rows []model.Prediction

	days := []scoreFunc{
		byDay(0.2, 0.4, 0.9, 0.85, 0.3, 0.1, 0.05),
		byDay(0.9, 0.4, 0.2, 0.85, 0.3, 0.1, 0.05),
	}
	for _, fn := range days {
		st.active = nil
		for _, r := range rows {
			if r.Status == model.PredictionActive {
				st.active = append(st.active, r)
			}
		}
		_, err := newTestService(st, fn).RunAt(context.Background(), today)
		require.NoError(t, err)
		rows = applyBatch(rows, st.saved[len(st.saved)-1])
		assertSingleActive(t, rows)
	}
}

func TestRun_PairFailuresAreSkipped(t *testing.T) {
	txns := baseHistory()
	for _, c := range []string{"c2", "c3", "c4"} {
		txns = append(txns, model.Transaction{CustomerID: c, ProductID: "p2", Date: clock.Date(2025, 7, 10), Quantity: 1, Amount: 5})
	}
	st := &fakeStore{txns: txns, products: products()}
	fn := func(customer string, _ int) (float64, error) {
		switch customer {
		case "c2":
			return 0, errors.New("bad row")
		case "c3":
			panic("boom")
		case "c4":
			return 1.5, nil
		}
		return 0.9, nil
	}

	res, err := newTestService(st, fn).RunAt(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, 3, res.Failed)
	assert.Equal(t, 1, res.Scored)
	require.Len(t, res.Predictions, 1)
	assert.Equal(t, "c1", res.Predictions[0].CustomerID)
	for _, p := range res.Predictions {
		assert.GreaterOrEqual(t, p.PurchaseProbability, 0.0)
		assert.LessOrEqual(t, p.PurchaseProbability, 1.0)
	}
}

func TestRun_CapsByFrequency(t *testing.T) {
	txns := append(baseHistory(), model.Transaction{CustomerID: "c2", ProductID: "p2", Date: clock.Date(2025, 7, 10), Quantity: 1, Amount: 5})
	st := &fakeStore{txns: txns, products: products()}

	res, err := newTestService(st, constant(0.9), func(c *Config) { c.MaxEvalCombinations = 1 }).RunAt(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Eligible)
	assert.Equal(t, 1, res.Capped)
	require.Len(t, res.Predictions, 1)
	assert.Equal(t, c1p1, res.Predictions[0].Pair())
}

func TestRun_DryRunWritesNothing(t *testing.T) {
	st := &fakeStore{txns: baseHistory(), products: products()}
	res, err := newTestService(st, constant(0.9), func(c *Config) { c.DryRun = true }).RunAt(context.Background(), today)
	require.NoError(t, err)
	assert.True(t, res.DryRun)
	assert.Len(t, res.Predictions, 1)
	assert.Empty(t, st.saved)
}

func TestRun_Failures(t *testing.T) {
	t.Run("model load", func(t *testing.T) {
		st := &fakeStore{txns: baseHistory(), products: products()}
		svc := NewService(st, fakeModels{err: errors.New("missing")}, DefaultConfig(), clock.Fixed(today), time.UTC, nil)
		_, err := svc.RunAt(context.Background(), today)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrNoModel))
		assert.Empty(t, st.saved)
	})
	t.Run("db load", func(t *testing.T) {
		st := &fakeStore{loadErr: errors.New("connection refused")}
		_, err := newTestService(st, constant(0.9)).RunAt(context.Background(), today)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prediction: load transactions")
	})
	t.Run("batch save", func(t *testing.T) {
		st := &fakeStore{txns: baseHistory(), products: products(), saveErr: errors.New("unique violation")}
		_, err := newTestService(st, constant(0.9)).RunAt(context.Background(), today)
		require.Error(t, err)
		assert.Contains(t, err.Error(), "prediction: save batch")
	})
}

func TestRun_UsesBusinessTimeZone(t *testing.T) {
	st := &fakeStore{txns: baseHistory(), products: products()}
	taipei := time.FixedZone("CST", 8*3600)
	now := time.Date(2025, 7, 31, 17, 0, 0, 0, time.UTC) // 01:00 on 08-01 in Taipei
	svc := NewService(st, fakeModels{fn: constant(0.9)}, DefaultConfig(), clock.Fixed(now), taipei, nil)

	res, err := svc.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, today, res.Today)
	assert.Equal(t, clock.Date(2025, 5, 3), st.from)
	assert.True(t, st.to.IsZero())
}

func TestBundleSource(t *testing.T) {
	names := feature.Names()
	ds := gbdt.Dataset{FeatureNames: names, Categorical: feature.Categorical()}
	for i := 0; i < 20; i++ {
		v := feature.Build(baseHistory(), products(), "c1", "p1", clock.AddDays(today, i), 90)
		ds.Rows = append(ds.Rows, v.Row(names, feature.Categorical()))
		ds.Labels = append(ds.Labels, i%2 == 0)
	}
	p := gbdt.DefaultParams()
	p.Iterations = 2
	p.Depth = 2
	m, err := gbdt.Fit(context.Background(), ds, p)
	require.NoError(t, err)

	dir := filepath.Join(t.TempDir(), "bundle")
	require.NoError(t, artifact.Write(dir, &artifact.Bundle{
		Model:        m,
		FeatureNames: names,
		Metadata: artifact.Metadata{
			ModelType:           artifact.ModelType,
			FeatureCount:        len(names),
			CategoricalFeatures: feature.Categorical(),
			VersionTag:          "v1",
		},
	}))

	src := NewBundleSource(artifact.NewLoader(dir))
	got, err := src.Model()
	require.NoError(t, err)
	assert.Equal(t, names, got.FeatureNames)
	assert.Equal(t, feature.Categorical(), got.Categorical)
	assert.Equal(t, "v1", got.VersionTag)

	st := &fakeStore{txns: baseHistory(), products: products()}
	res, err := NewService(st, src, DefaultConfig(), clock.Fixed(today), time.UTC, nil).RunAt(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scored)
	for _, pr := range res.Predictions {
		assert.GreaterOrEqual(t, pr.PurchaseProbability, 0.0)
		assert.LessOrEqual(t, pr.PurchaseProbability, 1.0)
	}
}

func TestNewBatchID(t *testing.T) {
	at := time.Date(2025, 8, 1, 9, 30, 15, 0, time.UTC)
	a, b := NewBatchID(at), NewBatchID(at)
	assert.Regexp(t, `^batch_20250801_093015_[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b)
}

func TestNewConfig(t *testing.T) {
	assert.Equal(t, 0.7, DefaultConfig().Threshold)
	assert.Equal(t, 2, DefaultConfig().ToleranceDays)
}
