// Package training builds temporally valid samples from transaction history, fits the
// purchase classifier, evaluates it on the following horizon, and writes a model bundle.
package training

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/purchase-forecast/internal/config"
	"github.com/sells-group/purchase-forecast/internal/gbdt"
)

// Config is the immutable configuration of one training run.
type Config struct {
	TrainingDataDays       int
	FeatureCalculationDays int
	PredictionHorizonDays  int
	SampleFrequencyDays    int
	NegativeRatio          int
	EvalThreshold          float64
	MaxEvalCombinations    int
	Workers                int
	Params                 gbdt.Params
}

// DefaultConfig returns the production windows and hyper-parameters.
func DefaultConfig() Config {
	return Config{
		TrainingDataDays:       180,
		FeatureCalculationDays: 90,
		PredictionHorizonDays:  7,
		SampleFrequencyDays:    15,
		NegativeRatio:          2,
		EvalThreshold:          0.7,
		MaxEvalCombinations:    10000,
		Params:                 gbdt.DefaultParams(),
	}
}

// NewConfig maps application configuration onto a training Config.
func NewConfig(cfg *config.Config) Config {
	c := DefaultConfig()
	t := cfg.Training
	c.TrainingDataDays = t.TrainingDataDays
	c.FeatureCalculationDays = t.FeatureCalculationDays
	c.PredictionHorizonDays = t.PredictionHorizonDays
	c.SampleFrequencyDays = t.SampleFrequencyDays
	if t.NegativeRatio > 0 {
		c.NegativeRatio = t.NegativeRatio
	}
	if t.EvalThreshold > 0 {
		c.EvalThreshold = t.EvalThreshold
	}
	if cfg.Prediction.MaxEvalCombinations > 0 {
		c.MaxEvalCombinations = cfg.Prediction.MaxEvalCombinations
	}
	c.Workers = cfg.Prediction.Workers

	bp := t.Params
	if bp.Iterations > 0 {
		c.Params.Iterations = bp.Iterations
	}
	if bp.LearningRate > 0 {
		c.Params.LearningRate = bp.LearningRate
	}
	if bp.Depth > 0 {
		c.Params.Depth = bp.Depth
	}
	if bp.L2LeafReg > 0 {
		c.Params.L2LeafReg = bp.L2LeafReg
	}
	if bp.BorderCount > 0 {
		c.Params.BorderCount = bp.BorderCount
	}
	if len(bp.ClassWeights) > 0 {
		c.Params.ClassWeights = append([]float64(nil), bp.ClassWeights...)
	}
	c.Params.RandomSeed = bp.RandomSeed
	c.Params.Workers = c.Workers
	return c
}

// Validate checks window consistency and the classifier parameters.
func (c Config) Validate() error {
	var errs []string
	if c.FeatureCalculationDays <= 0 {
		errs = append(errs, "feature_calculation_days must be > 0")
	}
	if c.PredictionHorizonDays <= 0 {
		errs = append(errs, "prediction_horizon_days must be > 0")
	}
	if c.SampleFrequencyDays <= 0 {
		errs = append(errs, "sample_frequency_days must be > 0")
	}
	if c.PredictionHorizonDays >= c.FeatureCalculationDays {
		errs = append(errs, "prediction_horizon_days must be < feature_calculation_days")
	}
	if c.TrainingDataDays < c.FeatureCalculationDays {
		errs = append(errs, "training_data_days must be >= feature_calculation_days")
	}
	if c.NegativeRatio < 0 {
		errs = append(errs, "negative_ratio must be >= 0")
	}
	if c.EvalThreshold < 0 || c.EvalThreshold > 1 {
		errs = append(errs, "eval_threshold must be within [0, 1]")
	}
	if c.MaxEvalCombinations <= 0 {
		errs = append(errs, "max_eval_combinations must be > 0")
	}
	if len(errs) > 0 {
		return eris.Errorf("training: invalid config: %s", strings.Join(errs, "; "))
	}
	return c.Params.Validate()
}
