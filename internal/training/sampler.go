package training

import (
	"context"
	"math/rand/v2"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/purchase-forecast/internal/clock"
	"github.com/sells-group/purchase-forecast/internal/feature"
	"github.com/sells-group/purchase-forecast/internal/gbdt"
	"github.com/sells-group/purchase-forecast/internal/model"
)

// Sample is one labelled training row.
type Sample struct {
	Date  time.Time
	Pair  model.Pair
	Label bool
	Row   gbdt.Row
}

// DateStats summarises the samples generated at one sample date.
type DateStats struct {
	Date       time.Time
	Historical int
	Positives  int
	Negatives  int
	Skipped    bool
}

// SampleDates returns asOf−training+lookback, then every stride days up to asOf−horizon
// inclusive. The first date is the earliest with a full lookback inside the training
// horizon and the last is the latest whose label window ends before asOf.
func SampleDates(asOf time.Time, cfg Config) []time.Time {
	asOf = clock.Day(asOf)
	first := clock.AddDays(asOf, cfg.FeatureCalculationDays-cfg.TrainingDataDays)
	last := clock.AddDays(asOf, -cfg.PredictionHorizonDays)

	var out []time.Time
	for s := first; !s.After(last); s = clock.AddDays(s, cfg.SampleFrequencyDays) {
		out = append(out, s)
	}
	return out
}

// Sampler generates samples from an indexed transaction history.
type Sampler struct {
	cfg   Config
	ix    *feature.Index
	names []string
	cats  []string
}

// NewSampler returns a sampler over ix using the canonical feature order.
func NewSampler(cfg Config, ix *feature.Index) *Sampler {
	return &Sampler{
		cfg:   cfg,
		ix:    ix,
		names: feature.Names(),
		cats:  feature.Categorical(),
	}
}

// Samples builds the samples of every sample date for a run as of asOf.
func (s *Sampler) Samples(ctx context.Context, asOf time.Time) ([]Sample, []DateStats, error) {
	var (
		samples []Sample
		stats   []DateStats
	)
	for _, d := range SampleDates(asOf, s.cfg) {
		if err := ctx.Err(); err != nil {
			return nil, nil, eris.Wrap(err, "training: sampling cancelled")
		}
		out, st := s.samplesAt(d)
		samples = append(samples, out...)
		stats = append(stats, st)
	}
	return samples, stats, nil
}

// samplesAt labels the pairs active in [d−lookback, d) by whether they were bought in
// [d, d+horizon). Features come only from the lookback window.
func (s *Sampler) samplesAt(d time.Time) ([]Sample, DateStats) {
	snap := s.ix.Snapshot(d, s.cfg.FeatureCalculationDays)
	historical := snap.Pairs()
	st := DateStats{Date: d, Historical: len(historical)}

	bought := make(map[model.Pair]bool)
	for _, t := range s.ix.Window(d, clock.AddDays(d, s.cfg.PredictionHorizonDays)) {
		bought[t.Pair()] = true
	}

	var positives, rest []model.Pair
	for _, p := range historical {
		if bought[p] {
			positives = append(positives, p)
		} else {
			rest = append(rest, p)
		}
	}
	if len(positives) == 0 {
		st.Skipped = true
		return nil, st
	}

	negatives := drawNegatives(rest, s.cfg.NegativeRatio*len(positives), s.cfg.Params.RandomSeed, d)
	st.Positives, st.Negatives = len(positives), len(negatives)

	out := make([]Sample, 0, len(positives)+len(negatives))
	for _, p := range positives {
		out = append(out, s.sample(snap, d, p, true))
	}
	for _, p := range negatives {
		out = append(out, s.sample(snap, d, p, false))
	}
	return out, st
}

func (s *Sampler) sample(snap *feature.Snapshot, d time.Time, p model.Pair, label bool) Sample {
	return Sample{
		Date:  d,
		Pair:  p,
		Label: label,
		Row:   snap.Vector(p.CustomerID, p.ProductID).Row(s.names, s.cats),
	}
}

// drawNegatives picks up to n pairs uniformly without replacement from candidates
// (which must be in a stable order). The draw depends only on seed and the date.
func drawNegatives(candidates []model.Pair, n int, seed uint64, d time.Time) []model.Pair {
	if n >= len(candidates) {
		return append([]model.Pair(nil), candidates...)
	}
	if n <= 0 {
		return nil
	}
	pool := append([]model.Pair(nil), candidates...)
	rng := rand.New(rand.NewPCG(seed, uint64(d.Unix())))
	for i := 0; i < n; i++ {
		j := i + rng.IntN(len(pool)-i)
		pool[i], pool[j] = pool[j], pool[i]
	}
	return pool[:n]
}

// Dataset converts samples into classifier input.
func Dataset(samples []Sample) gbdt.Dataset {
	ds := gbdt.Dataset{
		FeatureNames: feature.Names(),
		Categorical:  feature.Categorical(),
		Rows:         make([]gbdt.Row, len(samples)),
		Labels:       make([]bool, len(samples)),
	}
	for i, s := range samples {
		ds.Rows[i] = s.Row
		ds.Labels[i] = s.Label
	}
	return ds
}
