package training

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/purchase-forecast/internal/artifact"
	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/feature"
	"github.com/sells-group/purchase-forecast/internal/gbdt"
	"github.com/sells-group/purchase-forecast/internal/metrics"
	"github.com/sells-group/purchase-forecast/internal/store"
)

// Sentinel errors for data-shape failures. Nothing is written when either is returned.
var (
	ErrEmptyDataset     = eris.New("training: no transactions in the training horizon")
	ErrEmptyPositiveSet = eris.New("training: no positive samples at any sample date")
)

// Result describes a completed training run.
type Result struct {
	Dir         string
	AsOf        time.Time
	Bundle      *artifact.Bundle
	Samples     int
	Positives   int
	SampleDates []DateStats
	Metrics     artifact.Metrics
	Elapsed     time.Duration
}

// Pipeline trains a model bundle from a transaction source. It never deploys; the
// caller hands Result.Dir to an artifact.Manager.
type Pipeline struct {
	reader  store.TransactionReader
	cfg     Config
	clk     clock.Clock
	metrics *metrics.JobMetrics
	log     *zap.Logger
}

// NewPipeline creates a pipeline. m may be nil.
func NewPipeline(reader store.TransactionReader, cfg Config, clk clock.Clock, m *metrics.JobMetrics) *Pipeline {
	if clk == nil {
		clk = clock.System{}
	}
	return &Pipeline{
		reader:  reader,
		cfg:     cfg,
		clk:     clk,
		metrics: m,
		log:     zap.L().With(zap.String("component", "training")),
	}
}

// Run trains as of asOf and writes the bundle to outDir. The training horizon is
// [asOf−training_days, asOf) and the evaluation window is [asOf, asOf+horizon).
func (p *Pipeline) Run(ctx context.Context, asOf time.Time, outDir string) (*Result, error) {
	start := p.clk.Now()
	if err := p.cfg.Validate(); err != nil {
		return nil, err
	}
	if outDir == "" {
		return nil, eris.New("training: output directory is required")
	}
	asOf = clock.Day(asOf)
	from := clock.AddDays(asOf, -p.cfg.TrainingDataDays)
	evalEnd := clock.AddDays(asOf, p.cfg.PredictionHorizonDays)

	log := p.log.With(zap.String("as_of", asOf.Format(time.DateOnly)))
	log.Info("loading history",
		zap.String("from", from.Format(time.DateOnly)),
		zap.String("to", evalEnd.Format(time.DateOnly)),
	)

	txns, err := p.reader.LoadTransactions(ctx, from, evalEnd)
	if err != nil {
		return nil, eris.Wrap(err, "training: load transactions")
	}
	products, err := p.reader.LoadProducts(ctx)
	if err != nil {
		return nil, eris.Wrap(err, "training: load products")
	}

	ix := feature.NewIndex(txns, products)
	if len(ix.Window(from, asOf)) == 0 {
		return nil, ErrEmptyDataset
	}

	samples, dates, err := NewSampler(p.cfg, ix).Samples(ctx, asOf)
	if err != nil {
		return nil, err
	}
	positives := 0
	for _, d := range dates {
		positives += d.Positives
		if d.Skipped {
			log.Info("sample date skipped, no positives", zap.String("date", d.Date.Format(time.DateOnly)))
		}
	}
	if positives == 0 {
		return nil, ErrEmptyPositiveSet
	}
	p.metrics.AddSamples("positive", positives)
	p.metrics.AddSamples("negative", len(samples)-positives)
	log.Info("samples generated",
		zap.Int("samples", len(samples)),
		zap.Int("positives", positives),
		zap.Int("sample_dates", len(dates)),
	)

	params := p.cfg.Params
	if params.Workers == 0 {
		params.Workers = p.cfg.Workers
	}
	m, err := gbdt.Fit(ctx, Dataset(samples), params)
	if err != nil {
		return nil, eris.Wrap(err, "training: fit")
	}

	evalMetrics, err := Evaluate(ctx, m, ix, asOf, p.cfg)
	if err != nil {
		return nil, err
	}
	p.metrics.SetModelF1(evalMetrics.F1)
	log.Info("forward evaluation",
		zap.Float64("precision", evalMetrics.Precision),
		zap.Float64("recall", evalMetrics.Recall),
		zap.Float64("f1", evalMetrics.F1),
		zap.Int("tp", evalMetrics.TP),
		zap.Int("fp", evalMetrics.FP),
		zap.Int("fn", evalMetrics.FN),
	)

	created := p.clk.Now().UTC()
	bundle := &artifact.Bundle{
		Model:        m,
		FeatureNames: m.FeatureNames,
		Metadata: artifact.Metadata{
			ModelType:              artifact.ModelType,
			CreatedAt:              created,
			FeatureCount:           len(m.FeatureNames),
			TrainingDataDays:       p.cfg.TrainingDataDays,
			FeatureCalculationDays: p.cfg.FeatureCalculationDays,
			PredictionHorizonDays:  p.cfg.PredictionHorizonDays,
			HyperParameters:        params,
			CategoricalFeatures:    m.CategoricalNames(),
			Metrics:                evalMetrics,
			VersionTag:             artifact.NewVersionTag(created),
			TrainedAsOf:            asOf.Format(time.DateOnly),
			SampleCount:            len(samples),
			PositiveCount:          positives,
			TopFeatures:            m.TopFeatures(5),
		},
	}
	if err := artifact.Write(outDir, bundle); err != nil {
		return nil, err
	}

	res := &Result{
		Dir:         outDir,
		AsOf:        asOf,
		Bundle:      bundle,
		Samples:     len(samples),
		Positives:   positives,
		SampleDates: dates,
		Metrics:     evalMetrics,
		Elapsed:     p.clk.Now().Sub(start),
	}
	log.Info("model written",
		zap.String("dir", outDir),
		zap.String("version_tag", bundle.Metadata.VersionTag),
		zap.Strings("top_features", bundle.Metadata.TopFeatures),
	)
	return res, nil
}
