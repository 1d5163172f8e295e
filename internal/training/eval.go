package training

import (
	"context"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/purchase-forecast/internal/artifact"
	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/feature"
	"github.com/sells-group/purchase-forecast/internal/gbdt"
	"github.com/sells-group/purchase-forecast/internal/model"
)

// Score computes precision, recall and F1 from confusion counts. Empty denominators
// yield 0.
func Score(tp, fp, fn int) artifact.Metrics {
	m := artifact.Metrics{TP: tp, FP: fp, FN: fn}
	if tp+fp > 0 {
		m.Precision = float64(tp) / float64(tp+fp)
	}
	if tp+fn > 0 {
		m.Recall = float64(tp) / float64(tp+fn)
	}
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	return m
}

// Evaluate scores every pair active in the lookback before asOf at date asOf and
// compares threshold decisions with the pairs actually bought in [asOf, asOf+horizon).
// Actual pairs that were never scored count as false negatives.
func Evaluate(ctx context.Context, m *gbdt.Model, ix *feature.Index, asOf time.Time, cfg Config) (artifact.Metrics, error) {
	asOf = clock.Day(asOf)
	snap := ix.Snapshot(asOf, cfg.FeatureCalculationDays)
	pairs := snap.MostFrequent(snap.Pairs(), cfg.MaxEvalCombinations)

	names := m.FeatureNames
	cats := m.CategoricalNames()
	predicted := make([]bool, len(pairs))

	g, gctx := errgroup.WithContext(ctx)
	workers := cfg.Workers
	if workers <= 0 {
		workers = 4
	}
	g.SetLimit(workers)

	var (
		mu      sync.Mutex
		skipped int
	)
	for i, p := range pairs {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			prob, err := m.Predict(snap.Vector(p.CustomerID, p.ProductID).Row(names, cats))
			if err != nil {
				mu.Lock()
				skipped++
				mu.Unlock()
				return nil
			}
			predicted[i] = prob >= cfg.EvalThreshold
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return artifact.Metrics{}, eris.Wrap(err, "training: evaluate")
	}
	if skipped > 0 {
		zap.L().Warn("evaluation skipped pairs", zap.Int("skipped", skipped))
	}

	actual := make(map[model.Pair]bool)
	for _, t := range ix.Window(asOf, clock.AddDays(asOf, cfg.PredictionHorizonDays)) {
		actual[t.Pair()] = true
	}

	var tp, fp int
	hit := make(map[model.Pair]bool)
	for i, p := range pairs {
		if !predicted[i] {
			continue
		}
		if actual[p] {
			tp++
			hit[p] = true
		} else {
			fp++
		}
	}
	fn := len(actual) - len(hit)
	return Score(tp, fp, fn), nil
}
